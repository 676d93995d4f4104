package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ontoforge/oms/internal/schema"
)

// DefaultBranch is the root branch every store starts with.
const DefaultBranch = "main"

// BranchInfo describes one branch row.
type BranchInfo struct {
	Name      string
	Parent    string
	Head      string
	Protected bool
	CreatedAt time.Time
	CreatedBy string
}

// CommitInfo describes one schema commit. MergedFrom is the head of
// the source branch for merge commits, "" otherwise.
type CommitInfo struct {
	ID         string
	Branch     string
	Parent     string
	MergedFrom string
	TreeHash   string
	Author     string
	Message    string
	CreatedAt  time.Time
}

// IsProtectedName reports whether a branch name is protected from
// deletion: main, master, production, and the system/ namespace.
func IsProtectedName(name string) bool {
	switch name {
	case "main", "master", "production":
		return true
	}
	return strings.HasPrefix(name, "system")
}

// Mirrorer is implemented by backends that can reflect a logical
// commit into backend-native history (the dolt adapter does). The
// versioned layer calls it best-effort after a successful commit.
type Mirrorer interface {
	Mirror(ctx context.Context, author, message string) error
}

// BranchMirrorer is implemented by backends whose native history has
// branches of its own. Called best-effort alongside logical branch
// mutations.
type BranchMirrorer interface {
	MirrorBranch(ctx context.Context, name, parent string) error
	MirrorBranchDrop(ctx context.Context, name string) error
}

// Versioned layers branch/commit/ancestry semantics over a Store,
// using the branches and schema_commits collections. All mutations go
// through store transactions, so a schema commit can share its
// transaction with outbox rows.
type Versioned struct {
	store Store
	now   func() time.Time
}

// NewVersioned wraps a store. EnsureDefault must run before use.
func NewVersioned(s Store) *Versioned {
	return &Versioned{store: s, now: time.Now}
}

// Store exposes the underlying document store.
func (v *Versioned) Store() Store { return v.store }

// EnsureDefault creates the default branch with an empty root commit
// if it does not exist yet. Safe to call on every startup.
func (v *Versioned) EnsureDefault(ctx context.Context) error {
	return v.store.RunInTransaction(ctx, func(tx Tx) error {
		_, err := tx.Get(ctx, CollBranches, DefaultBranch)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		root := map[string]any{}
		commitID, err := v.insertCommit(ctx, tx, DefaultBranch, "", "", root, "system", "root commit")
		if err != nil {
			return err
		}
		return tx.Insert(ctx, CollBranches, Document{
			IDField:      DefaultBranch,
			"name":       DefaultBranch,
			"parent":     "",
			"head":       commitID,
			"protected":  true,
			"created_at": FormatTime(v.now()),
			"created_by": "system",
		})
	})
}

// Branch returns one branch row. ErrNotFound when absent.
func (v *Versioned) Branch(ctx context.Context, name string) (*BranchInfo, error) {
	doc, err := v.store.Get(ctx, CollBranches, name)
	if err != nil {
		return nil, err
	}
	return branchFromDoc(doc)
}

// Branches lists all branches sorted by name.
func (v *Versioned) Branches(ctx context.Context) ([]*BranchInfo, error) {
	it, err := v.store.Query(ctx, Query{Collection: CollBranches, OrderBy: "name"})
	if err != nil {
		return nil, err
	}
	docs, err := All(it)
	if err != nil {
		return nil, err
	}
	out := make([]*BranchInfo, 0, len(docs))
	for _, d := range docs {
		b, err := branchFromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// CreateBranchTx forks a new branch at the parent's current head
// inside an existing transaction, so the caller can stage outbox and
// audit rows atomically with the branch row.
func (v *Versioned) CreateBranchTx(ctx context.Context, tx Tx, name, parent, who string) (*BranchInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("branch name is empty")
	}
	if parent == "" {
		parent = DefaultBranch
	}
	parentDoc, err := tx.Get(ctx, CollBranches, parent)
	if err != nil {
		return nil, fmt.Errorf("parent branch %q: %w", parent, err)
	}
	info := &BranchInfo{
		Name:      name,
		Parent:    parent,
		Head:      parentDoc.Str("head"),
		Protected: IsProtectedName(name),
		CreatedAt: v.now().UTC(),
		CreatedBy: who,
	}
	err = tx.Insert(ctx, CollBranches, Document{
		IDField:      name,
		"name":       name,
		"parent":     parent,
		"head":       info.Head,
		"protected":  info.Protected,
		"created_at": FormatTime(info.CreatedAt),
		"created_by": who,
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// CreateBranch runs CreateBranchTx in its own transaction.
func (v *Versioned) CreateBranch(ctx context.Context, name, parent, who string) (*BranchInfo, error) {
	var info *BranchInfo
	err := v.store.RunInTransaction(ctx, func(tx Tx) error {
		var err error
		info, err = v.CreateBranchTx(ctx, tx, name, parent, who)
		return err
	})
	if err != nil {
		return nil, err
	}
	v.MirrorBranch(ctx, name, parent)
	return info, nil
}

// DeleteBranchTx removes the branch row inside an existing
// transaction. Commit history is retained so ancestry queries for
// other branches keep working. Protection rules are enforced by the
// branch service, not here.
func (v *Versioned) DeleteBranchTx(ctx context.Context, tx Tx, name string) error {
	if _, err := tx.Get(ctx, CollBranches, name); err != nil {
		return err
	}
	return tx.Delete(ctx, CollBranches, name)
}

// DeleteBranch runs DeleteBranchTx in its own transaction.
func (v *Versioned) DeleteBranch(ctx context.Context, name string) error {
	err := v.store.RunInTransaction(ctx, func(tx Tx) error {
		return v.DeleteBranchTx(ctx, tx, name)
	})
	if err != nil {
		return err
	}
	v.MirrorBranchDrop(ctx, name)
	return nil
}

// Head returns the branch's current head commit id.
func (v *Versioned) Head(ctx context.Context, branch string) (string, error) {
	b, err := v.Branch(ctx, branch)
	if err != nil {
		return "", err
	}
	return b.Head, nil
}

// CommitTx writes tree as a new commit on branch inside an existing
// transaction and advances the branch head. Returns the commit id.
func (v *Versioned) CommitTx(ctx context.Context, tx Tx, branch string, tree any, author, message string) (string, error) {
	return v.commitTx(ctx, tx, branch, "", tree, author, message)
}

// CommitMergeTx is CommitTx with a second parent recording the merged
// source head, so later ancestor walks see merge history.
func (v *Versioned) CommitMergeTx(ctx context.Context, tx Tx, branch, mergedFrom string, tree any, author, message string) (string, error) {
	return v.commitTx(ctx, tx, branch, mergedFrom, tree, author, message)
}

func (v *Versioned) commitTx(ctx context.Context, tx Tx, branch, mergedFrom string, tree any, author, message string) (string, error) {
	branchDoc, err := tx.Get(ctx, CollBranches, branch)
	if err != nil {
		return "", fmt.Errorf("branch %q: %w", branch, err)
	}
	parent := branchDoc.Str("head")
	commitID, err := v.insertCommit(ctx, tx, branch, parent, mergedFrom, tree, author, message)
	if err != nil {
		return "", err
	}
	branchDoc["head"] = commitID
	if err := tx.Replace(ctx, CollBranches, branchDoc); err != nil {
		return "", err
	}
	return commitID, nil
}

// Commit runs CommitTx in its own transaction and mirrors to the
// backend's native history when supported.
func (v *Versioned) Commit(ctx context.Context, branch string, tree any, author, message string) (string, error) {
	var commitID string
	err := v.store.RunInTransaction(ctx, func(tx Tx) error {
		var err error
		commitID, err = v.CommitTx(ctx, tx, branch, tree, author, message)
		return err
	})
	if err != nil {
		return "", err
	}
	v.mirror(ctx, author, message)
	return commitID, nil
}

func (v *Versioned) mirror(ctx context.Context, author, message string) {
	if m, ok := v.store.(Mirrorer); ok {
		// Best effort: logical history is already durable.
		_ = m.Mirror(ctx, author, message)
	}
}

// MirrorCommit exposes the mirror hook for callers that batch several
// tx-scoped commits into a single backend commit.
func (v *Versioned) MirrorCommit(ctx context.Context, author, message string) {
	v.mirror(ctx, author, message)
}

// MirrorBranch reflects a new logical branch into native history when
// the backend supports it.
func (v *Versioned) MirrorBranch(ctx context.Context, name, parent string) {
	if m, ok := v.store.(BranchMirrorer); ok {
		_ = m.MirrorBranch(ctx, name, parent)
	}
}

// MirrorBranchDrop reflects a logical branch deletion into native
// history when the backend supports it.
func (v *Versioned) MirrorBranchDrop(ctx context.Context, name string) {
	if m, ok := v.store.(BranchMirrorer); ok {
		_ = m.MirrorBranchDrop(ctx, name)
	}
}

func (v *Versioned) insertCommit(ctx context.Context, tx Tx, branch, parent, mergedFrom string, tree any, author, message string) (string, error) {
	treeHash, err := schema.Hash(tree)
	if err != nil {
		return "", fmt.Errorf("hash tree: %w", err)
	}
	at := v.now().UTC()
	meta := map[string]any{
		"branch":      branch,
		"parent":      parent,
		"merged_from": mergedFrom,
		"tree_hash":   treeHash,
		"author":      author,
		"message":     message,
		"time":        FormatTime(at),
	}
	commitID := schema.HashBytes(schema.MustCanonical(meta))[:40]
	canon, err := schema.Canonical(tree)
	if err != nil {
		return "", err
	}
	err = tx.Insert(ctx, CollSchemaCommits, Document{
		IDField:       commitID,
		"branch":      branch,
		"parent":      parent,
		"merged_from": mergedFrom,
		"tree_hash":   treeHash,
		"author":      author,
		"message":     message,
		"created_at":  FormatTime(at),
		"tree":        string(canon),
	})
	if err != nil {
		return "", err
	}
	return commitID, nil
}

// Tree returns the schema tree at the branch head. A branch whose head
// chain is empty yields an empty mapping.
func (v *Versioned) Tree(ctx context.Context, branch string) (any, error) {
	head, err := v.Head(ctx, branch)
	if err != nil {
		return nil, err
	}
	if head == "" {
		return map[string]any{}, nil
	}
	return v.TreeAt(ctx, head)
}

// TreeAt returns the schema tree stored in a specific commit.
func (v *Versioned) TreeAt(ctx context.Context, commitID string) (any, error) {
	doc, err := v.store.Get(ctx, CollSchemaCommits, commitID)
	if err != nil {
		return nil, err
	}
	return schema.Parse([]byte(doc.Str("tree")))
}

// CommitAt returns commit metadata.
func (v *Versioned) CommitAt(ctx context.Context, commitID string) (*CommitInfo, error) {
	doc, err := v.store.Get(ctx, CollSchemaCommits, commitID)
	if err != nil {
		return nil, err
	}
	return commitFromDoc(doc)
}

// LCAncestor returns the lowest common ancestor of two commits,
// walking parent and merged_from edges. "" when histories are
// unrelated.
func (v *Versioned) LCAncestor(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", nil
	}
	if a == b {
		return a, nil
	}
	seen := map[string]bool{}
	frontier := []string{a}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c, err := v.CommitAt(ctx, id)
		if err != nil {
			return "", err
		}
		frontier = append(frontier, c.Parent, c.MergedFrom)
	}
	// BFS from b: the first commit already seen from a's history is
	// the lowest common ancestor.
	frontier = []string{b}
	visited := map[string]bool{}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == "" || visited[id] {
			continue
		}
		visited[id] = true
		if seen[id] {
			return id, nil
		}
		c, err := v.CommitAt(ctx, id)
		if err != nil {
			return "", err
		}
		frontier = append(frontier, c.Parent, c.MergedFrom)
	}
	return "", nil
}

func branchFromDoc(d Document) (*BranchInfo, error) {
	createdAt, err := ParseTime(d.Str("created_at"))
	if err != nil {
		return nil, fmt.Errorf("branch %q: bad created_at: %w", d.ID(), err)
	}
	return &BranchInfo{
		Name:      d.Str("name"),
		Parent:    d.Str("parent"),
		Head:      d.Str("head"),
		Protected: d.Bool("protected"),
		CreatedAt: createdAt,
		CreatedBy: d.Str("created_by"),
	}, nil
}

func commitFromDoc(d Document) (*CommitInfo, error) {
	createdAt, err := ParseTime(d.Str("created_at"))
	if err != nil {
		return nil, fmt.Errorf("commit %q: bad created_at: %w", d.ID(), err)
	}
	return &CommitInfo{
		ID:         d.ID(),
		Branch:     d.Str("branch"),
		Parent:     d.Str("parent"),
		MergedFrom: d.Str("merged_from"),
		TreeHash:   d.Str("tree_hash"),
		Author:     d.Str("author"),
		Message:    d.Str("message"),
		CreatedAt:  createdAt,
	}, nil
}
