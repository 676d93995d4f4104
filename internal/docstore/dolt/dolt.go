// Package dolt backs the document store with a dolt database. Each
// collection maps to a table holding the JSON document plus extracted
// columns for the fields queries filter and order on, so lock sweeps,
// outbox polls and audit scans hit indexes instead of decoding every
// row. Embedded mode runs the engine in-process against a local data
// directory; server mode speaks the MySQL wire protocol to a dolt
// sql-server. The dolt commit graph underneath doubles as a
// content-addressed history of every metadata change.
package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/docstore"
)

const (
	maxTxRetries   = 5
	initialTxDelay = 50 * time.Millisecond
	maxTxDelay     = 2 * time.Second
	closeTimeout   = 5 * time.Second
)

// Store implements docstore.Store on a dolt database.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
	cfg Config

	serverMode bool

	// Embedded-mode resources. The connector holds the in-process
	// engine and must be closed to release its filesystem locks.
	connector io.Closer
	access    *accessLock

	mu     sync.RWMutex
	closed bool
}

var _ docstore.Store = (*Store)(nil)

// Open connects to the configured database, provisions the collection
// tables and pins the session branch when one is set.
func Open(ctx context.Context, cfg Config, logger *logrus.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg: cfg,
		log: logger.WithField("component", "docstore.dolt"),
	}

	var err error
	switch cfg.Mode {
	case ModeServer:
		s.serverMode = true
		err = s.openServer(ctx)
	default:
		err = s.openEmbedded(ctx)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Branch != "" {
		if err := s.checkoutBranch(ctx, cfg.Branch); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"mode":     string(cfg.Mode),
		"database": cfg.Database,
	}).Debug("Docstore open")
	return s, nil
}

// checkoutBranch switches the session to branch, creating it on first
// use.
func (s *Store) checkoutBranch(ctx context.Context, branch string) error {
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_CHECKOUT(?)", branch); err == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_BRANCH(?)", branch); err != nil &&
		!strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_CHECKOUT(?)", branch); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branch, err)
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

// Close releases the connection pool and, in embedded mode, the
// in-process engine and its directory lock. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	if s.db != nil {
		if err := closeWithTimeout(s.db, "database", closeTimeout); err != nil {
			firstErr = err
		}
	}
	if s.connector != nil {
		err := closeWithTimeout(s.connector, "connector", closeTimeout)
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	if s.access != nil {
		if err := s.access.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		s.log.WithError(firstErr).Warn("Docstore close reported an error")
	}
	return firstErr
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
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var doc docstore.Document
	err := s.withRetry(ctx, func() error {
		var err error
		doc, err = getDoc(ctx, s.db, collection, id)
		return err
	})
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return doc, nil
}

// Query filters, sorts and windows a collection.
func (s *Store) Query(ctx context.Context, q docstore.Query) (docstore.Iterator, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var docs []docstore.Document
	err := s.withRetry(ctx, func() error {
		var err error
		docs, err = queryDocs(ctx, s.db, q)
		return err
	})
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return docstore.NewSliceIterator(docs), nil
}

// Count returns the number of matches ignoring the query window.
func (s *Store) Count(ctx context.Context, q docstore.Query) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.withRetry(ctx, func() error {
		var err error
		n, err = countDocs(ctx, s.db, q)
		return err
	})
	if err != nil {
		return 0, s.wrapErr(err)
	}
	return n, nil
}

// RunInTransaction executes fn atomically, retrying commit races from
// the top with doubling delays. fn may run more than once.
func (s *Store) RunInTransaction(ctx context.Context, fn func(docstore.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	delay := initialTxDelay
	var lastErr error
	for attempt := 0; attempt <= maxTxRetries; attempt++ {
		if attempt > 0 {
			s.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Retrying transaction after conflict")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > maxTxDelay {
				delay = maxTxDelay
			}
		}

		err := s.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return s.wrapErr(err)
		}
		lastErr = err
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxTxRetries, lastErr)
}

func (s *Store) runTxOnce(ctx context.Context, fn func(docstore.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&doltTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.WithError(rbErr).Warn("Transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// withRetry reruns op on transient server failures. The embedded
// engine runs in-process, so its failures are never transient and op
// runs once.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if !s.serverMode {
		return op()
	}
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryableError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newServerRetryBackoff(), ctx))
}

// wrapErr tags transient failures so callers can tell them from
// permanent ones. Sentinel errors pass through untouched.
func (s *Store) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, docstore.ErrNotFound) ||
		errors.Is(err, docstore.ErrDuplicate) ||
		errors.Is(err, docstore.ErrClosed) {
		return err
	}
	if isRetryableError(err) || isSerializationError(err) {
		return fmt.Errorf("%w: %w", docstore.ErrTransient, err)
	}
	return err
}

// doltTx adapts one sql transaction to the docstore.Tx surface.
// Retries happen a level up in RunInTransaction.
type doltTx struct {
	tx *sql.Tx
}

var _ docstore.Tx = (*doltTx)(nil)

func (t *doltTx) Insert(ctx context.Context, collection string, doc docstore.Document) error {
	return insertDoc(ctx, t.tx, collection, doc)
}

func (t *doltTx) Replace(ctx context.Context, collection string, doc docstore.Document) error {
	return replaceDoc(ctx, t.tx, collection, doc)
}

func (t *doltTx) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, t.tx, collection, id)
}

func (t *doltTx) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	return getDoc(ctx, t.tx, collection, id)
}

func (t *doltTx) Query(ctx context.Context, q docstore.Query) (docstore.Iterator, error) {
	docs, err := queryDocs(ctx, t.tx, q)
	if err != nil {
		return nil, err
	}
	return docstore.NewSliceIterator(docs), nil
}

func (t *doltTx) Count(ctx context.Context, q docstore.Query) (int, error) {
	return countDocs(ctx, t.tx, q)
}

// querier runs one statement on either the pool or a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertDoc(ctx context.Context, qr querier, collection string, doc docstore.Document) error {
	t, ok := tableFor(collection)
	if !ok {
		return fmt.Errorf("unknown collection %s", collection)
	}
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert into %s: document has no %s", collection, docstore.IDField)
	}
	raw, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	args := append([]any{id, raw}, columnArgs(t, doc)...)
	if _, err := qr.ExecContext(ctx, t.insertSQL, args...); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrDuplicate)
		}
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return nil
}

func replaceDoc(ctx context.Context, qr querier, collection string, doc docstore.Document) error {
	t, ok := tableFor(collection)
	if !ok {
		return fmt.Errorf("unknown collection %s", collection)
	}
	id := doc.ID()
	// UPDATE reports zero affected rows when nothing changed, so
	// existence needs its own probe.
	var one int
	if err := qr.QueryRowContext(ctx, t.existsSQL, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
		}
		return fmt.Errorf("replace %s/%s: %w", collection, id, err)
	}
	raw, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	args := append([]any{raw}, columnArgs(t, doc)...)
	args = append(args, id)
	if _, err := qr.ExecContext(ctx, t.replaceSQL, args...); err != nil {
		return fmt.Errorf("replace %s/%s: %w", collection, id, err)
	}
	return nil
}

func deleteDoc(ctx context.Context, qr querier, collection, id string) error {
	t, ok := tableFor(collection)
	if !ok {
		return fmt.Errorf("unknown collection %s", collection)
	}
	if _, err := qr.ExecContext(ctx, t.deleteSQL, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func getDoc(ctx context.Context, qr querier, collection, id string) (docstore.Document, error) {
	t, ok := tableFor(collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", collection)
	}
	var raw []byte
	if err := qr.QueryRowContext(ctx, t.getSQL, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeDoc(id, raw)
}

func queryDocs(ctx context.Context, qr querier, q docstore.Query) ([]docstore.Document, error) {
	t, ok := tableFor(q.Collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", q.Collection)
	}
	plan := compileSelect(t, q)
	rows, err := qr.QueryContext(ctx, plan.sql, plan.args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, err)
		}
		doc, err := decodeDoc(id, raw)
		if err != nil {
			return nil, err
		}
		if plan.filter && !plan.residual.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}

	if plan.postSort {
		sortDocs(docs, q)
	}
	if plan.window {
		docs = q.ApplyWindow(docs)
	}
	return docs, nil
}

func countDocs(ctx context.Context, qr querier, q docstore.Query) (int, error) {
	t, ok := tableFor(q.Collection)
	if !ok {
		return 0, fmt.Errorf("unknown collection %s", q.Collection)
	}
	sqlText, args, residual, filter := compileCount(t, q)
	if !filter {
		var n int
		if err := qr.QueryRowContext(ctx, sqlText, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", q.Collection, err)
		}
		return n, nil
	}

	rows, err := qr.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Collection, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return 0, fmt.Errorf("count %s: %w", q.Collection, err)
		}
		doc, err := decodeDoc(id, raw)
		if err != nil {
			return 0, err
		}
		if residual.Matches(doc) {
			n++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Collection, err)
	}
	return n, nil
}
