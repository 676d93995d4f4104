package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/docstore"
)

// Config controls store behavior. Zero values select the defaults
// from the configuration table.
type Config struct {
	// DefaultRetentionDays applies to actions outside the known
	// classes. Default 2555.
	DefaultRetentionDays int

	// BatchHashEnabled controls integrity rows for batch inserts.
	BatchHashEnabled bool
}

// Store persists audit events through a document store.
type Store struct {
	store docstore.Store
	cfg   Config
	log   *logrus.Entry
	now   func() time.Time
}

// NewStore builds an audit store. log may be nil.
func NewStore(s docstore.Store, cfg Config, log *logrus.Logger) *Store {
	if cfg.DefaultRetentionDays <= 0 {
		cfg.DefaultRetentionDays = DefaultRetentionDays
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		store: s,
		cfg:   cfg,
		log:   log.WithField("component", "audit"),
		now:   time.Now,
	}
}

// prepare fills generated fields on an event before insert.
func (s *Store) prepare(e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	} else {
		e.Time = e.Time.UTC()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	days := RetentionDays(e.Action, s.cfg.DefaultRetentionDays)
	e.RetentionUntil = e.Time.AddDate(0, 0, days)
	hash, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("hash audit event %s: %w", e.ID, err)
	}
	e.EventHash = hash
	return nil
}

// Insert appends one event in its own transaction.
func (s *Store) Insert(ctx context.Context, e *Event) error {
	return s.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		return s.InsertTx(ctx, tx, e)
	})
}

// InsertTx appends one event inside an existing transaction, so lock
// releases and outbox transitions can audit atomically with their own
// writes.
func (s *Store) InsertTx(ctx context.Context, tx docstore.Tx, e *Event) error {
	if err := s.prepare(e); err != nil {
		return err
	}
	return tx.Insert(ctx, docstore.CollAuditEvents, eventToDoc(e))
}

// InsertBatch appends events atomically and, when enabled, writes one
// integrity row covering the batch. Event order is preserved in
// storage; the batch hash sorts the event hashes first.
func (s *Store) InsertBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		hashes := make([]string, 0, len(events))
		var start, end time.Time
		for _, e := range events {
			if err := s.prepare(e); err != nil {
				return err
			}
			if start.IsZero() || e.Time.Before(start) {
				start = e.Time
			}
			if e.Time.After(end) {
				end = e.Time
			}
			hashes = append(hashes, e.EventHash)
		}
		if s.cfg.BatchHashEnabled {
			batchHash := BatchHash(hashes)
			for _, e := range events {
				e.BatchHash = batchHash
			}
			row := docstore.Document{
				docstore.IDField: uuid.NewString(),
				"batch_start":    docstore.FormatTime(start),
				"batch_end":      docstore.FormatTime(end),
				"count":          len(events),
				"batch_hash":     batchHash,
				"created_at":     docstore.FormatTime(s.now()),
			}
			if err := tx.Insert(ctx, docstore.CollAuditIntegrity, row); err != nil {
				return err
			}
		}
		for _, e := range events {
			if err := tx.Insert(ctx, docstore.CollAuditEvents, eventToDoc(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Filter selects audit events. Zero fields are ignored.
type Filter struct {
	From            time.Time
	To              time.Time
	Actors          []string
	Actions         []string
	TargetKinds     []string
	TargetIDs       []string
	Branches        []string
	Success         *bool
	RequestID       string
	CorrelationID   string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Page is one window of query results plus the unwindowed total.
type Page struct {
	Events     []*Event
	TotalCount int
}

func (f Filter) query() docstore.Query {
	q := docstore.Query{
		Collection: docstore.CollAuditEvents,
		Eq:         map[string]any{},
		In:         map[string][]any{},
		OrderBy:    "created_at",
		Desc:       true,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}
	if !f.From.IsZero() {
		q.Ranges = append(q.Ranges, docstore.Range{Field: "created_at", Op: ">=", Value: docstore.FormatTime(f.From)})
	}
	if !f.To.IsZero() {
		q.Ranges = append(q.Ranges, docstore.Range{Field: "created_at", Op: "<=", Value: docstore.FormatTime(f.To)})
	}
	addIn := func(field string, vals []string) {
		if len(vals) == 0 {
			return
		}
		set := make([]any, len(vals))
		for i, v := range vals {
			set[i] = v
		}
		q.In[field] = set
	}
	addIn("actor_id", f.Actors)
	addIn("action", f.Actions)
	addIn("target_kind", f.TargetKinds)
	addIn("target_id", f.TargetIDs)
	addIn("branch", f.Branches)
	if f.Success != nil {
		q.Eq["success"] = *f.Success
	}
	if f.RequestID != "" {
		q.Eq["request_id"] = f.RequestID
	}
	if f.CorrelationID != "" {
		q.Eq["correlation_id"] = f.CorrelationID
	}
	if !f.IncludeArchived {
		q.Eq["archived"] = false
	}
	return q
}

// Query returns a page of events matching the filter, newest first,
// plus the total match count.
func (s *Store) Query(ctx context.Context, f Filter) (*Page, error) {
	q := f.query()
	total, err := s.store.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	it, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	docs, err := docstore.All(it)
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(docs))
	for _, d := range docs {
		e, err := eventFromDoc(d)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return &Page{Events: events, TotalCount: total}, nil
}

// ByCorrelation returns a request chain oldest first.
func (s *Store) ByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	it, err := s.store.Query(ctx, docstore.Query{
		Collection: docstore.CollAuditEvents,
		Eq:         map[string]any{"correlation_id": correlationID},
		OrderBy:    "created_at",
	})
	if err != nil {
		return nil, err
	}
	docs, err := docstore.All(it)
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(docs))
	for _, d := range docs {
		e, err := eventFromDoc(d)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// IntegrityError reports events whose stored hash no longer matches.
type IntegrityError struct {
	IDs []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit integrity violated for %d event(s)", len(e.IDs))
}

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	Verified  bool
	Checked   int
	Corrupted []string
}

// Err returns an IntegrityError when the report found corruption.
func (r *IntegrityReport) Err() error {
	if r.Verified {
		return nil
	}
	return &IntegrityError{IDs: r.Corrupted}
}

// VerifyIntegrity recomputes the hash of every non-archived event and
// reports mismatches. It never mutates the store.
func (s *Store) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	it, err := s.store.Query(ctx, docstore.Query{
		Collection: docstore.CollAuditEvents,
		Eq:         map[string]any{"archived": false},
		OrderBy:    "created_at",
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	report := &IntegrityReport{Verified: true}
	for it.Next() {
		e, err := eventFromDoc(it.Doc())
		if err != nil {
			return nil, err
		}
		report.Checked++
		want, err := e.ComputeHash()
		if err != nil {
			return nil, err
		}
		if want != e.EventHash {
			report.Verified = false
			report.Corrupted = append(report.Corrupted, e.ID)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if !report.Verified {
		s.log.WithField("corrupted", len(report.Corrupted)).Error("audit integrity verification failed")
	}
	return report, nil
}

// cleanupBatch bounds how many rows one archival transaction touches.
const cleanupBatch = 500

// Cleanup archives events whose retention elapsed. Soft delete only:
// rows flip archived=true and a retention-log row records the sweep.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	cutoff := docstore.FormatTime(s.now())
	archived := 0
	for {
		n := 0
		err := s.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
			n = 0
			it, err := tx.Query(ctx, docstore.Query{
				Collection: docstore.CollAuditEvents,
				Eq:         map[string]any{"archived": false},
				Ranges:     []docstore.Range{{Field: "retention_until", Op: "<=", Value: cutoff}},
				OrderBy:    "retention_until",
				Limit:      cleanupBatch,
			})
			if err != nil {
				return err
			}
			docs, err := docstore.All(it)
			if err != nil {
				return err
			}
			for _, d := range docs {
				d["archived"] = true
				if err := tx.Replace(ctx, docstore.CollAuditEvents, d); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return archived, err
		}
		archived += n
		if n < cleanupBatch {
			break
		}
	}
	if archived > 0 {
		logRow := docstore.Document{
			docstore.IDField: uuid.NewString(),
			"ran_at":         docstore.FormatTime(s.now()),
			"archived_count": archived,
			"cutoff":         cutoff,
		}
		if err := s.store.Insert(ctx, docstore.CollAuditRetention, logRow); err != nil {
			return archived, err
		}
		s.log.WithField("archived", archived).Info("audit retention sweep archived events")
	}
	return archived, nil
}

// Statistics summarizes the store for operators.
type Statistics struct {
	Total    int
	Archived int
	ByClass  map[string]int
	Oldest   time.Time
	Newest   time.Time
}

// Stats scans the event collection and aggregates per action class.
func (s *Store) Stats(ctx context.Context) (*Statistics, error) {
	it, err := s.store.Query(ctx, docstore.Query{Collection: docstore.CollAuditEvents})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	stats := &Statistics{ByClass: make(map[string]int)}
	for it.Next() {
		d := it.Doc()
		stats.Total++
		if d.Bool("archived") {
			stats.Archived++
		}
		action := d.Str("action")
		class := action
		if i := strings.IndexByte(action, '.'); i > 0 {
			class = action[:i]
		}
		stats.ByClass[class]++
		at, err := docstore.ParseTime(d.Str("created_at"))
		if err == nil {
			if stats.Oldest.IsZero() || at.Before(stats.Oldest) {
				stats.Oldest = at
			}
			if at.After(stats.Newest) {
				stats.Newest = at
			}
		}
	}
	return stats, it.Err()
}
