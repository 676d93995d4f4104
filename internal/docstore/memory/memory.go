// Package memory implements docstore.Store with in-process maps. It
// backs tests and the ephemeral store mode; semantics match the dolt
// adapter: serialized writers, snapshot reads, rollback on error.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/schema"
)

// Store keeps every collection in a map keyed by document id.
type Store struct {
	mu     sync.RWMutex
	txMu   sync.Mutex
	colls  map[string]map[string]docstore.Document
	closed bool
}

var _ docstore.Store = (*Store)(nil)

// New returns an empty store. Collections are created on first use.
func New() *Store {
	return &Store{colls: make(map[string]map[string]docstore.Document)}
}

func cloneDoc(d docstore.Document) docstore.Document {
	if d == nil {
		return nil
	}
	return docstore.Document(schema.Clone(map[string]any(d)).(map[string]any))
}

// Close marks the store closed; later operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

// RunInTransaction serializes writers and applies fn's writes
// atomically. Any error from fn discards the staged writes.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx docstore.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return docstore.ErrClosed
	}

	tx := &memTx{
		s:       s,
		writes:  make(map[string]map[string]docstore.Document),
		deletes: make(map[string]map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for coll, docs := range tx.writes {
		target := s.colls[coll]
		if target == nil {
			target = make(map[string]docstore.Document)
			s.colls[coll] = target
		}
		for id, doc := range docs {
			target[id] = doc
		}
	}
	for coll, ids := range tx.deletes {
		target := s.colls[coll]
		for id := range ids {
			delete(target, id)
		}
	}
	return nil
}

// Insert stores a new document outside any transaction.
func (s *Store) Insert(ctx context.Context, collection string, doc docstore.Document) error {
	return s.RunInTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Insert(ctx, collection, doc)
	})
}

// Replace overwrites an existing document.
func (s *Store) Replace(ctx context.Context, collection string, doc docstore.Document) error {
	return s.RunInTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Replace(ctx, collection, doc)
	})
}

// Delete removes a document; absent ids are a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.RunInTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Delete(ctx, collection, id)
	})
}

// Get fetches one document by id.
func (s *Store) Get(_ context.Context, collection, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	doc, ok := s.colls[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

// Query filters, sorts and windows a collection.
func (s *Store) Query(_ context.Context, q docstore.Query) (docstore.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return docstore.NewSliceIterator(s.collectLocked(q)), nil
}

// Count returns the number of matches ignoring the query window.
func (s *Store) Count(_ context.Context, q docstore.Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range s.colls[q.Collection] {
		if q.Matches(doc) {
			n++
		}
	}
	return n, nil
}

// collectLocked gathers matching clones sorted per the query. Callers
// hold at least a read lock.
func (s *Store) collectLocked(q docstore.Query) []docstore.Document {
	var out []docstore.Document
	for _, doc := range s.colls[q.Collection] {
		if q.Matches(doc) {
			out = append(out, cloneDoc(doc))
		}
	}
	sortDocs(out, q)
	return q.ApplyWindow(out)
}

func sortDocs(docs []docstore.Document, q docstore.Query) {
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			c := docstore.CompareValues(docs[i][q.OrderBy], docs[j][q.OrderBy])
			if c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		// Stable tie-break keeps query results deterministic.
		return docs[i].ID() < docs[j].ID()
	})
}

// memTx stages writes over the base state until commit.
type memTx struct {
	s       *Store
	writes  map[string]map[string]docstore.Document
	deletes map[string]map[string]bool
}

func (t *memTx) staged(collection, id string) (docstore.Document, bool, bool) {
	if t.deletes[collection][id] {
		return nil, false, true
	}
	doc, ok := t.writes[collection][id]
	return doc, ok, false
}

func (t *memTx) lookup(collection, id string) (docstore.Document, bool) {
	doc, ok, deleted := t.staged(collection, id)
	if deleted {
		return nil, false
	}
	if ok {
		return doc, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	base, ok := t.s.colls[collection][id]
	if !ok {
		return nil, false
	}
	return base, true
}

func (t *memTx) stage(collection string, doc docstore.Document) {
	if t.writes[collection] == nil {
		t.writes[collection] = make(map[string]docstore.Document)
	}
	t.writes[collection][doc.ID()] = cloneDoc(doc)
	if t.deletes[collection] != nil {
		delete(t.deletes[collection], doc.ID())
	}
}

func (t *memTx) Insert(_ context.Context, collection string, doc docstore.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert into %s: document has no %s", collection, docstore.IDField)
	}
	if _, exists := t.lookup(collection, id); exists {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrDuplicate)
	}
	t.stage(collection, doc)
	return nil
}

func (t *memTx) Replace(_ context.Context, collection string, doc docstore.Document) error {
	id := doc.ID()
	if _, exists := t.lookup(collection, id); !exists {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	t.stage(collection, doc)
	return nil
}

func (t *memTx) Delete(_ context.Context, collection, id string) error {
	if t.deletes[collection] == nil {
		t.deletes[collection] = make(map[string]bool)
	}
	t.deletes[collection][id] = true
	if t.writes[collection] != nil {
		delete(t.writes[collection], id)
	}
	return nil
}

func (t *memTx) Get(_ context.Context, collection, id string) (docstore.Document, error) {
	doc, ok := t.lookup(collection, id)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

func (t *memTx) Query(_ context.Context, q docstore.Query) (docstore.Iterator, error) {
	docs := t.view(q)
	sortDocs(docs, q)
	return docstore.NewSliceIterator(q.ApplyWindow(docs)), nil
}

func (t *memTx) Count(_ context.Context, q docstore.Query) (int, error) {
	return len(t.view(q)), nil
}

// view merges staged writes over the committed state for one query.
func (t *memTx) view(q docstore.Query) []docstore.Document {
	seen := make(map[string]bool)
	var out []docstore.Document
	for id, doc := range t.writes[q.Collection] {
		seen[id] = true
		if q.Matches(doc) {
			out = append(out, cloneDoc(doc))
		}
	}
	for id := range t.deletes[q.Collection] {
		seen[id] = true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for id, doc := range t.s.colls[q.Collection] {
		if seen[id] {
			continue
		}
		if q.Matches(doc) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out
}
