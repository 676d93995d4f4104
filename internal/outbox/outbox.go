// Package outbox implements the transactional outbox: event records
// are inserted in the same transaction as the business write they
// announce, and the dispatcher delivers them to the bus afterwards.
// An idempotency index keeps the producer side exactly-once; the bus
// side is at-least-once with the key as a dedup header.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/schema"
)

// Status is the delivery lifecycle of a record. PROCESSING exits only
// to COMPLETED, FAILED, or DEAD_LETTER.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Statuses lists every delivery status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter}
}

// DefaultMaxRetries bounds delivery attempts per record.
const DefaultMaxRetries = 3

// Record is one stored outbox event.
type Record struct {
	EventID        string
	EventType      string
	Source         string
	Subject        string
	Payload        map[string]any
	CorrelationID  string
	IdempotencyKey string
	Status         Status
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	ProcessedAt    time.Time
	ErrorMessage   string
	NextAttemptAt  time.Time
}

// EventSpec describes an event to publish.
type EventSpec struct {
	// Type is the CloudEvents type, e.g. "com.oms.schema.updated".
	Type string

	// Source identifies the producer, e.g. "/oms/branchsvc".
	Source string

	// Subject names the affected entity (branch, lock id, ...).
	Subject string

	// Payload is the event data, a JSON-safe tree.
	Payload map[string]any

	// CorrelationID groups the events of one request chain.
	CorrelationID string

	// IdempotencyKey deduplicates at the producer. Empty selects the
	// content key, see ContentKey.
	IdempotencyKey string

	// MaxRetries overrides the outbox default for this record. Nil
	// inherits; zero dead-letters on the first failure.
	MaxRetries *int
}

// Validate checks the fields the envelope requires.
func (s EventSpec) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("outbox event: missing type")
	}
	if s.Source == "" {
		return fmt.Errorf("outbox event %s: missing source", s.Type)
	}
	return nil
}

// ContentKey derives the idempotency key for an event without an
// explicit one: SHA-256 over the canonical encoding of (type, source,
// subject, payload).
func ContentKey(spec EventSpec) (string, error) {
	return schema.Hash(map[string]any{
		"type":    spec.Type,
		"source":  spec.Source,
		"subject": spec.Subject,
		"payload": spec.Payload,
	})
}

// Config controls record creation. Zero values select the defaults
// from the configuration table.
type Config struct {
	// MaxRetries is stamped on each record at insert. Zero selects
	// DefaultMaxRetries; per-event overrides win.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Outbox writes and administers outbox records. Delivery is the
// Dispatcher's job.
type Outbox struct {
	store docstore.Store
	audit *audit.Store
	cfg   Config
	log   *logrus.Entry
	now   func() time.Time
}

// New builds an outbox over the given store. log may be nil.
func New(store docstore.Store, aud *audit.Store, cfg Config, log *logrus.Logger) *Outbox {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Outbox{
		store: store,
		audit: aud,
		cfg:   cfg.withDefaults(),
		log:   log.WithField("component", "outbox"),
		now:   time.Now,
	}
}

// PublishTx stages an event inside the caller's transaction so the
// event commits or rolls back with the business write. Returns the
// event id; a key already seen returns the original event's id without
// inserting anything.
func (o *Outbox) PublishTx(ctx context.Context, tx docstore.Tx, spec EventSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	key := spec.IdempotencyKey
	if key == "" {
		var err error
		key, err = ContentKey(spec)
		if err != nil {
			return "", fmt.Errorf("derive idempotency key: %w", err)
		}
	}

	eventID := uuid.NewString()
	now := o.now().UTC()
	idemRow := docstore.Document{
		docstore.IDField: key,
		"event_id":       eventID,
		"created_at":     docstore.FormatTime(now),
	}
	if err := tx.Insert(ctx, docstore.CollOutboxIdem, idemRow); err != nil {
		if errors.Is(err, docstore.ErrDuplicate) {
			existing, getErr := tx.Get(ctx, docstore.CollOutboxIdem, key)
			if getErr != nil {
				return "", fmt.Errorf("resolve duplicate idempotency key: %w", getErr)
			}
			return existing.Str("event_id"), nil
		}
		return "", fmt.Errorf("insert idempotency row: %w", err)
	}

	maxRetries := o.cfg.MaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	rec := &Record{
		EventID:        eventID,
		EventType:      spec.Type,
		Source:         spec.Source,
		Subject:        spec.Subject,
		Payload:        spec.Payload,
		CorrelationID:  spec.CorrelationID,
		IdempotencyKey: key,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		NextAttemptAt:  now,
	}
	if err := tx.Insert(ctx, docstore.CollOutbox, recordToDoc(rec)); err != nil {
		return "", fmt.Errorf("insert outbox record: %w", err)
	}
	return eventID, nil
}

// Publish wraps PublishTx in its own transaction, for callers without
// a business write of their own.
func (o *Outbox) Publish(ctx context.Context, spec EventSpec) (string, error) {
	var id string
	err := o.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		var err error
		id, err = o.PublishTx(ctx, tx, spec)
		return err
	})
	return id, err
}

// Statistics is the record count per delivery status.
type Statistics struct {
	ByStatus map[Status]int
	Total    int
}

// Statistics counts records by status.
func (o *Outbox) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{ByStatus: make(map[Status]int)}
	for _, st := range Statuses() {
		n, err := o.store.Count(ctx, docstore.Query{
			Collection: docstore.CollOutbox,
			Eq:         map[string]any{"status": string(st)},
		})
		if err != nil {
			return nil, err
		}
		stats.ByStatus[st] = n
		stats.Total += n
	}
	return stats, nil
}

// cleanupBatch bounds how many rows one delete transaction touches.
const cleanupBatch = 500

// CleanupCompleted deletes completed records processed longer than
// olderThan ago, together with their idempotency rows so the keys can
// recur. Dead letters are never auto-deleted.
func (o *Outbox) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := docstore.FormatTime(o.now().Add(-olderThan))
	deleted := 0
	for {
		n := 0
		err := o.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
			n = 0
			it, err := tx.Query(ctx, docstore.Query{
				Collection: docstore.CollOutbox,
				Eq:         map[string]any{"status": string(StatusCompleted)},
				Ranges:     []docstore.Range{{Field: "processed_at", Op: "<=", Value: cutoff}},
				OrderBy:    "processed_at",
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
				if err := tx.Delete(ctx, docstore.CollOutbox, d.ID()); err != nil {
					return err
				}
				if key := d.Str("idempotency_key"); key != "" {
					if err := tx.Delete(ctx, docstore.CollOutboxIdem, key); err != nil {
						return err
					}
				}
				n++
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n < cleanupBatch {
			break
		}
	}
	if deleted > 0 {
		o.log.WithField("deleted", deleted).Info("outbox cleanup removed completed events")
	}
	return deleted, nil
}

// RetryDeadLetter requeues one dead letter as PENDING with a fresh
// retry budget. Audited as outbox.requeued.
func (o *Outbox) RetryDeadLetter(ctx context.Context, eventID, admin string) error {
	return o.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		d, err := tx.Get(ctx, docstore.CollOutbox, eventID)
		if err != nil {
			return fmt.Errorf("load outbox record %s: %w", eventID, err)
		}
		rec, err := recordFromDoc(d)
		if err != nil {
			return err
		}
		if rec.Status != StatusDeadLetter {
			return fmt.Errorf("outbox record %s is %s, not %s", eventID, rec.Status, StatusDeadLetter)
		}
		now := o.now().UTC()
		rec.Status = StatusPending
		rec.RetryCount = 0
		rec.ErrorMessage = ""
		rec.ProcessedAt = time.Time{}
		rec.NextAttemptAt = now
		if err := tx.Replace(ctx, docstore.CollOutbox, recordToDoc(rec)); err != nil {
			return err
		}
		return o.audit.InsertTx(ctx, tx, &audit.Event{
			Action:     audit.ActionOutboxRequeued,
			ActorID:    admin,
			TargetKind: "outbox_event",
			TargetID:   eventID,
			TargetName: rec.EventType,
			Success:    true,
		})
	})
}

// DeadLetters returns dead-lettered records, newest first. limit <= 0
// means no cap.
func (o *Outbox) DeadLetters(ctx context.Context, limit int) ([]*Record, error) {
	it, err := o.store.Query(ctx, docstore.Query{
		Collection: docstore.CollOutbox,
		Eq:         map[string]any{"status": string(StatusDeadLetter)},
		OrderBy:    "created_at",
		Desc:       true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	docs, err := docstore.All(it)
	if err != nil {
		return nil, err
	}
	recs := make([]*Record, 0, len(docs))
	for _, d := range docs {
		r, err := recordFromDoc(d)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, nil
}
