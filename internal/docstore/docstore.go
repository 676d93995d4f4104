// Package docstore defines the interface the core uses to persist
// documents. Backends live in subpackages (memory, dolt). Documents
// are JSON-like trees keyed by an "_id" field; collections are flat
// namespaces. Branch and commit semantics sit on top in vstore.go.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by storage operations.
var (
	// ErrNotFound indicates the document doesn't exist.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicate indicates an insert collided with an existing id.
	ErrDuplicate = errors.New("duplicate document id")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrTransient marks failures worth retrying (timeouts, lost
	// connections, serialization aborts). Adapters wrap their
	// backend-specific cases with this sentinel.
	ErrTransient = errors.New("transient storage failure")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IDField is the document key every stored document must carry.
const IDField = "_id"

// Document is a JSON-like tree. Values are limited to JSON-safe Go
// types (map[string]any, []any, string, json.Number/int/float64, bool,
// nil). Timestamps are stored as fixed-width UTC strings, see
// FormatTime, so lexicographic order matches time order.
type Document map[string]any

// ID returns the document id, or "" when unset.
func (d Document) ID() string {
	s, _ := d[IDField].(string)
	return s
}

// Str returns a string field, or "" when absent or not a string.
func (d Document) Str(field string) string {
	s, _ := d[field].(string)
	return s
}

// Bool returns a bool field, false when absent.
func (d Document) Bool(field string) bool {
	b, _ := d[field].(bool)
	return b
}

// Int64 returns an integer field however the backend round-tripped it:
// int64 from memory, json.Number or float64 from adapters. Zero when
// absent.
func (d Document) Int64(field string) int64 {
	switch t := d[field].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	}
	return 0
}

// Core collections. Names are shared between the owners that read and
// write them and the dolt adapter's DDL.
const (
	CollBranches        = "branches"
	CollSchemaCommits   = "schema_commits"
	CollLocks           = "locks"
	CollBranchState     = "branch_state"
	CollBranchJournal   = "branch_state_journal"
	CollOutbox          = "outbox_events"
	CollOutboxIdem      = "outbox_idempotency_index"
	CollAuditEvents     = "audit_events"
	CollAuditIntegrity  = "audit_integrity"
	CollAuditRetention  = "audit_retention_log"
	CollPolicySnapshots = "policy_snapshots"
)

// Collections returns every collection a backend must provision.
func Collections() []string {
	return []string{
		CollBranches, CollSchemaCommits,
		CollLocks, CollBranchState, CollBranchJournal,
		CollOutbox, CollOutboxIdem,
		CollAuditEvents, CollAuditIntegrity, CollAuditRetention,
		CollPolicySnapshots,
	}
}

// timeWire is RFC-3339 with fixed nine-digit fractional seconds so the
// string form sorts chronologically.
const timeWire = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the store's wire format (UTC, fixed width).
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeWire)
}

// ParseTime parses a wire-format timestamp. Zero time for "".
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeWire, s)
}

// Tx is the operation set available inside a transaction.
type Tx interface {
	// Insert stores a new document. ErrDuplicate if the id exists.
	Insert(ctx context.Context, collection string, doc Document) error

	// Replace overwrites an existing document. ErrNotFound if absent.
	Replace(ctx context.Context, collection string, doc Document) error

	// Delete removes a document. Deleting an absent id is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Get fetches one document by id.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query returns an iterator over matching documents.
	Query(ctx context.Context, q Query) (Iterator, error)

	// Count returns the number of matching documents, ignoring
	// Limit/Offset.
	Count(ctx context.Context, q Query) (int, error)
}

// Store is a transactional document store. The non-transactional
// methods run as single-operation transactions.
type Store interface {
	Tx

	// RunInTransaction executes fn atomically: if fn returns an
	// error, every write made through its Tx is rolled back.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the backend.
	Close() error
}
