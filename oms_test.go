package oms_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ontoforge/oms"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-dolt")

	ctx := context.Background()
	store, err := oms.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if store == nil {
		t.Error("expected non-nil store")
	}
}

func TestNewMemoryStore(t *testing.T) {
	store := oms.NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	doc := oms.Document{"_id": "branch-main", "name": "main"}
	if err := store.Insert(ctx, "branches", doc); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Get(ctx, "branches", "branch-main")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Str("name") != "main" {
		t.Errorf("name = %q, want %q", got.Str("name"), "main")
	}

	_, err = store.Get(ctx, "branches", "no-such-branch")
	if !errors.Is(err, oms.ErrNotFound) {
		t.Errorf("Get missing id = %v, want ErrNotFound", err)
	}
}

// Test that exported constants have correct values
func TestConstants(t *testing.T) {
	// Branch state constants
	if oms.StateActive != "ACTIVE" {
		t.Errorf("StateActive = %q, want %q", oms.StateActive, "ACTIVE")
	}
	if oms.StateLockedForWrite != "LOCKED_FOR_WRITE" {
		t.Errorf("StateLockedForWrite = %q, want %q", oms.StateLockedForWrite, "LOCKED_FOR_WRITE")
	}
	if oms.StateReady != "READY" {
		t.Errorf("StateReady = %q, want %q", oms.StateReady, "READY")
	}
	if oms.StateMerging != "MERGING" {
		t.Errorf("StateMerging = %q, want %q", oms.StateMerging, "MERGING")
	}
	if oms.StateError != "ERROR" {
		t.Errorf("StateError = %q, want %q", oms.StateError, "ERROR")
	}
	if oms.StateArchived != "ARCHIVED" {
		t.Errorf("StateArchived = %q, want %q", oms.StateArchived, "ARCHIVED")
	}

	// Lock kind constants
	if oms.KindIndexing != "INDEXING" {
		t.Errorf("KindIndexing = %q, want %q", oms.KindIndexing, "INDEXING")
	}
	if oms.KindMaintenance != "MAINTENANCE" {
		t.Errorf("KindMaintenance = %q, want %q", oms.KindMaintenance, "MAINTENANCE")
	}
	if oms.KindMigration != "MIGRATION" {
		t.Errorf("KindMigration = %q, want %q", oms.KindMigration, "MIGRATION")
	}
	if oms.KindBackup != "BACKUP" {
		t.Errorf("KindBackup = %q, want %q", oms.KindBackup, "BACKUP")
	}
	if oms.KindManual != "MANUAL" {
		t.Errorf("KindManual = %q, want %q", oms.KindManual, "MANUAL")
	}
}
