//go:build cgo

package dolt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/docstore"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path:     filepath.Join(t.TempDir(), "dolt"),
		Database: "oms_test",
	}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEmbeddedCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := docstore.Document{
		docstore.IDField: "lk-1",
		"branch":         "main",
		"kind":           "MAINTENANCE",
		"scope":          "EXCLUSIVE",
		"holder_id":      "svc-a",
		"expires_at":     docstore.FormatTime(time.Now().Add(time.Minute).UTC()),
		"auto_release":   true,
	}
	if err := s.Insert(ctx, docstore.CollLocks, doc); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, docstore.CollLocks, doc); !errors.Is(err, docstore.ErrDuplicate) {
		t.Fatalf("duplicate insert err = %v, want ErrDuplicate", err)
	}

	got, err := s.Get(ctx, docstore.CollLocks, "lk-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Str("holder_id") != "svc-a" || !got.Bool("auto_release") {
		t.Errorf("round trip lost fields: %v", got)
	}

	doc["holder_id"] = "svc-b"
	if err := s.Replace(ctx, docstore.CollLocks, doc); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	// Replacing with identical values must still succeed.
	if err := s.Replace(ctx, docstore.CollLocks, doc); err != nil {
		t.Fatalf("idempotent Replace: %v", err)
	}
	got, _ = s.Get(ctx, docstore.CollLocks, "lk-1")
	if got.Str("holder_id") != "svc-b" {
		t.Errorf("after replace, holder_id = %q", got.Str("holder_id"))
	}

	if err := s.Replace(ctx, docstore.CollLocks, docstore.Document{docstore.IDField: "nope"}); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("replace missing err = %v, want ErrNotFound", err)
	}

	if err := s.Delete(ctx, docstore.CollLocks, "lk-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, docstore.CollLocks, "lk-1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, docstore.CollLocks, "lk-1"); err != nil {
		t.Errorf("deleting absent id should be a no-op, got %v", err)
	}
}

func TestEmbeddedTransaction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Insert(ctx, docstore.CollOutbox, docstore.Document{docstore.IDField: "e1", "status": "PENDING"}); err != nil {
			return err
		}
		if _, err := tx.Get(ctx, docstore.CollOutbox, "e1"); err != nil {
			return fmt.Errorf("staged write invisible: %w", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transaction err = %v", err)
	}
	if _, err := s.Get(ctx, docstore.CollOutbox, "e1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Error("rolled-back insert is visible")
	}

	err = s.RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Insert(ctx, docstore.CollOutbox, docstore.Document{docstore.IDField: "e2", "status": "PENDING"}); err != nil {
			return err
		}
		return tx.Insert(ctx, docstore.CollOutboxIdem, docstore.Document{docstore.IDField: "k2", "event_id": "e2"})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if _, err := s.Get(ctx, docstore.CollOutbox, "e2"); err != nil {
		t.Errorf("committed insert missing: %v", err)
	}
	if _, err := s.Get(ctx, docstore.CollOutboxIdem, "k2"); err != nil {
		t.Errorf("committed index row missing: %v", err)
	}
}

func TestEmbeddedQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		status := "PENDING"
		if i%2 == 1 {
			status = "PROCESSED"
		}
		doc := docstore.Document{
			docstore.IDField:  fmt.Sprintf("e%02d", i),
			"event_type":      "schema.updated",
			"subject":         fmt.Sprintf("branch-%d", i%2),
			"status":          status,
			"retry_count":     i,
			"created_at":      docstore.FormatTime(base.Add(time.Duration(i) * time.Minute)),
			"next_attempt_at": docstore.FormatTime(base),
		}
		if err := s.Insert(ctx, docstore.CollOutbox, doc); err != nil {
			t.Fatal(err)
		}
	}

	// Extracted-column filter with pushed-down order and window.
	it, err := s.Query(ctx, docstore.Query{
		Collection: docstore.CollOutbox,
		In:         map[string][]any{"status": {"PENDING", "FAILED"}},
		Ranges:     []docstore.Range{{Field: "next_attempt_at", Op: "<=", Value: docstore.FormatTime(base)}},
		OrderBy:    "created_at",
		Limit:      2,
	})
	if err != nil {
		t.Fatal(err)
	}
	docs, err := docstore.All(it)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID() != "e00" || docs[1].ID() != "e02" {
		t.Fatalf("pending head = %v", ids(docs))
	}

	// Residual filter on a raw document field.
	it, err = s.Query(ctx, docstore.Query{
		Collection: docstore.CollOutbox,
		Eq:         map[string]any{"subject": "branch-1"},
		OrderBy:    "created_at",
		Desc:       true,
		Limit:      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	docs, _ = docstore.All(it)
	if len(docs) != 1 || docs[0].ID() != "e07" {
		t.Fatalf("residual head = %v", ids(docs))
	}

	// Count ignores the window.
	n, err := s.Count(ctx, docstore.Query{
		Collection: docstore.CollOutbox,
		Eq:         map[string]any{"status": "PENDING"},
		Limit:      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}

	// Numbers come back comparable after the JSON round trip.
	it, err = s.Query(ctx, docstore.Query{
		Collection: docstore.CollOutbox,
		Ranges:     []docstore.Range{{Field: "retry_count", Op: ">=", Value: 6}},
	})
	if err != nil {
		t.Fatal(err)
	}
	docs, _ = docstore.All(it)
	if len(docs) != 2 {
		t.Errorf("retry_count >= 6 matched %v", ids(docs))
	}
}

func TestEmbeddedMirror(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := docstore.Document{docstore.IDField: "b-feat", "name": "feat", "parent": "main"}
	if err := s.Insert(ctx, docstore.CollBranches, doc); err != nil {
		t.Fatal(err)
	}
	if err := s.Mirror(ctx, "alice", "fork feat from main"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	// A clean working set must not fail.
	if err := s.Mirror(ctx, "alice", "noop"); err != nil {
		t.Fatalf("Mirror on clean set: %v", err)
	}

	commits, err := s.Log(ctx, 5)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(commits) == 0 {
		t.Fatal("empty native log")
	}
	if commits[0].Message != "fork feat from main" {
		t.Errorf("head message = %q", commits[0].Message)
	}
	if commits[0].Committer != "alice" {
		t.Errorf("head committer = %q", commits[0].Committer)
	}

	if err := s.MirrorBranch(ctx, "feat", "main"); err != nil {
		t.Fatalf("MirrorBranch: %v", err)
	}
	// Creating it again must be tolerated.
	if err := s.MirrorBranch(ctx, "feat", "main"); err != nil {
		t.Fatalf("MirrorBranch repeat: %v", err)
	}
	names, err := s.NativeBranches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(names, "feat") || !contains(names, "main") {
		t.Fatalf("native branches = %v", names)
	}

	base, err := s.MergeBase(ctx, "main", "feat")
	if err != nil {
		t.Fatalf("MergeBase: %v", err)
	}
	if base == "" {
		t.Error("empty merge base for freshly forked branch")
	}

	if err := s.MirrorBranchDrop(ctx, "feat"); err != nil {
		t.Fatalf("MirrorBranchDrop: %v", err)
	}
	if err := s.MirrorBranchDrop(ctx, "feat"); err != nil {
		t.Fatalf("MirrorBranchDrop repeat: %v", err)
	}
	names, _ = s.NativeBranches(ctx)
	if contains(names, "feat") {
		t.Errorf("branch survived drop: %v", names)
	}
}

func TestEmbeddedPersistence(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "dolt")
	cfg := Config{Path: dir, Database: "oms_test"}

	s, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	doc := docstore.Document{docstore.IDField: "st-main", "state": "ACTIVE"}
	if err := s.Insert(ctx, docstore.CollBranchState, doc); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Get(ctx, docstore.CollBranchState, "st-main"); !errors.Is(err, docstore.ErrClosed) {
		t.Errorf("get on closed err = %v", err)
	}

	s2, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, docstore.CollBranchState, "st-main")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Str("state") != "ACTIVE" {
		t.Errorf("state = %q", got.Str("state"))
	}
}

func TestEmbeddedAccessLock(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "dolt")

	s1, err := Open(ctx, Config{Path: dir, Database: "oms_test"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	_, err = Open(ctx, Config{Path: dir, Database: "oms_test", OpenTimeout: 300 * time.Millisecond}, testLogger())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second open err = %v, want ErrBusy", err)
	}

	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}
	s2, err := Open(ctx, Config{Path: dir, Database: "oms_test"}, testLogger())
	if err != nil {
		t.Fatalf("open after release: %v", err)
	}
	_ = s2.Close()
}

func TestEmbeddedBranchPinning(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{
		Path:     filepath.Join(t.TempDir(), "dolt"),
		Database: "oms_test",
		Branch:   "audit-mirror",
	}, testLogger())
	if err != nil {
		t.Fatalf("Open with branch: %v", err)
	}
	defer s.Close()

	names, err := s.NativeBranches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(names, "audit-mirror") {
		t.Errorf("pinned branch missing from %v", names)
	}
}

func ids(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
