// Package oms provides a minimal public API for embedding the
// Ontology Metadata Service core in other programs.
//
// Most integrations should run the oms daemon and consume the events
// it publishes. This package exports only the essential types and
// constructors needed to read an OMS database programmatically.
package oms

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/docstore/dolt"
	"github.com/ontoforge/oms/internal/docstore/memory"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/merge"
)

// Core types for working with branches and locks
type (
	Document    = docstore.Document
	Query       = docstore.Query
	BranchInfo  = docstore.BranchInfo
	Lock        = lock.Lock
	BranchState = lock.State
	MergeResult = merge.Result
)

// Branch state constants
const (
	StateActive         = lock.StateActive
	StateLockedForWrite = lock.StateLockedForWrite
	StateReady          = lock.StateReady
	StateMerging        = lock.StateMerging
	StateError          = lock.StateError
	StateArchived       = lock.StateArchived
)

// Lock kind constants
const (
	KindIndexing    = lock.KindIndexing
	KindMaintenance = lock.KindMaintenance
	KindMigration   = lock.KindMigration
	KindBackup      = lock.KindBackup
	KindManual      = lock.KindManual
)

// Sentinel errors returned by store operations
var (
	ErrNotFound  = docstore.ErrNotFound
	ErrDuplicate = docstore.ErrDuplicate
)

// Store is the transactional document store the service builds on.
type Store = docstore.Store

// Open opens the embedded Dolt database at path for programmatic
// access. The directory is created on first use.
func Open(ctx context.Context, path string) (Store, error) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return dolt.Open(ctx, dolt.Config{Path: path}, log)
}

// NewMemoryStore returns an in-process store. Useful for tests and
// tooling that doesn't need durability.
func NewMemoryStore() Store {
	return memory.New()
}
