package docstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/docstore/memory"
	"github.com/ontoforge/oms/internal/schema"
)

func newVersioned(t *testing.T) (*docstore.Versioned, context.Context) {
	t.Helper()
	ctx := context.Background()
	v := docstore.NewVersioned(memory.New())
	if err := v.EnsureDefault(ctx); err != nil {
		t.Fatalf("EnsureDefault: %v", err)
	}
	return v, ctx
}

func TestEnsureDefaultIdempotent(t *testing.T) {
	v, ctx := newVersioned(t)
	head1, err := v.Head(ctx, docstore.DefaultBranch)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.EnsureDefault(ctx); err != nil {
		t.Fatalf("second EnsureDefault: %v", err)
	}
	head2, _ := v.Head(ctx, docstore.DefaultBranch)
	if head1 != head2 {
		t.Errorf("head changed across EnsureDefault: %s vs %s", head1, head2)
	}
	b, err := v.Branch(ctx, docstore.DefaultBranch)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Protected {
		t.Error("default branch should be protected")
	}
}

func TestCreateBranchForksAtParentHead(t *testing.T) {
	v, ctx := newVersioned(t)
	tree := schema.MustParse(`{"object_type":{"Person":{"name":"Person"}}}`)
	c1, err := v.Commit(ctx, "main", tree, "alice", "add Person")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b, err := v.CreateBranch(ctx, "feature/x", "main", "alice")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if b.Head != c1 {
		t.Errorf("fork head = %s, want %s", b.Head, c1)
	}
	if b.Protected {
		t.Error("feature branch should not be protected")
	}

	if _, err := v.CreateBranch(ctx, "feature/x", "main", "alice"); !errors.Is(err, docstore.ErrDuplicate) {
		t.Errorf("duplicate branch err = %v", err)
	}
	if _, err := v.CreateBranch(ctx, "y", "missing", "alice"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("missing parent err = %v", err)
	}

	got, err := v.Tree(ctx, "feature/x")
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(got, tree) {
		t.Error("forked branch tree differs from parent head tree")
	}
}

func TestCommitAdvancesHeadAndPreservesHistory(t *testing.T) {
	v, ctx := newVersioned(t)
	t1 := schema.MustParse(`{"object_type":{"A":{"v":1}}}`)
	t2 := schema.MustParse(`{"object_type":{"A":{"v":2}}}`)

	c1, err := v.Commit(ctx, "main", t1, "a", "one")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := v.Commit(ctx, "main", t2, "a", "two")
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Fatal("distinct commits share an id")
	}

	head, _ := v.Head(ctx, "main")
	if head != c2 {
		t.Errorf("head = %s, want %s", head, c2)
	}
	old, err := v.TreeAt(ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	if !schema.Equal(old, t1) {
		t.Error("TreeAt(c1) lost the old tree")
	}
	info, err := v.CommitAt(ctx, c2)
	if err != nil {
		t.Fatal(err)
	}
	if info.Parent != c1 {
		t.Errorf("c2 parent = %s, want %s", info.Parent, c1)
	}
}

func TestLCAncestor(t *testing.T) {
	v, ctx := newVersioned(t)
	base := schema.MustParse(`{"object_type":{"A":{"v":0}}}`)
	c0, err := v.Commit(ctx, "main", base, "a", "base")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.CreateBranch(ctx, "b1", "main", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.CreateBranch(ctx, "b2", "main", "a"); err != nil {
		t.Fatal(err)
	}
	h1, err := v.Commit(ctx, "b1", schema.MustParse(`{"object_type":{"A":{"v":1}}}`), "a", "on b1")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := v.Commit(ctx, "b2", schema.MustParse(`{"object_type":{"A":{"v":2}}}`), "a", "on b2")
	if err != nil {
		t.Fatal(err)
	}

	lca, err := v.LCAncestor(ctx, h1, h2)
	if err != nil {
		t.Fatal(err)
	}
	if lca != c0 {
		t.Errorf("lca = %s, want %s", lca, c0)
	}

	// Same commit is its own ancestor.
	lca, _ = v.LCAncestor(ctx, h1, h1)
	if lca != h1 {
		t.Errorf("self lca = %s, want %s", lca, h1)
	}
}

func TestLCAncestorAfterMerge(t *testing.T) {
	v, ctx := newVersioned(t)
	if _, err := v.Commit(ctx, "main", schema.MustParse(`{}`), "a", "base"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.CreateBranch(ctx, "src", "main", "a"); err != nil {
		t.Fatal(err)
	}
	srcHead, err := v.Commit(ctx, "src", schema.MustParse(`{"object_type":{"B":{}}}`), "a", "on src")
	if err != nil {
		t.Fatal(err)
	}

	// Merge src into main with a merge commit carrying both parents.
	var mergeCommit string
	err = v.Store().RunInTransaction(ctx, func(tx docstore.Tx) error {
		var err error
		mergeCommit, err = v.CommitMergeTx(ctx, tx, "main", srcHead,
			schema.MustParse(`{"object_type":{"B":{}}}`), "a", "merge src")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	// A commit after the merge still reaches srcHead through the
	// merge edge.
	lca, err := v.LCAncestor(ctx, mergeCommit, srcHead)
	if err != nil {
		t.Fatal(err)
	}
	if lca != srcHead {
		t.Errorf("lca = %s, want %s", lca, srcHead)
	}
}

func TestDeleteBranchKeepsCommits(t *testing.T) {
	v, ctx := newVersioned(t)
	if _, err := v.CreateBranch(ctx, "tmp", "main", "a"); err != nil {
		t.Fatal(err)
	}
	c, err := v.Commit(ctx, "tmp", schema.MustParse(`{"x":1}`), "a", "tmp work")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.DeleteBranch(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Branch(ctx, "tmp"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("branch still resolvable after delete: %v", err)
	}
	if _, err := v.TreeAt(ctx, c); err != nil {
		t.Errorf("commit unreachable after branch delete: %v", err)
	}
}

func TestIsProtectedName(t *testing.T) {
	cases := map[string]bool{
		"main":        true,
		"master":      true,
		"production":  true,
		"system":      true,
		"system/sync": true,
		"feature/x":   false,
		"dev":         false,
	}
	for name, want := range cases {
		if got := docstore.IsProtectedName(name); got != want {
			t.Errorf("IsProtectedName(%q) = %v, want %v", name, got, want)
		}
	}
}
