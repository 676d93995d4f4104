package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/bus"
	"github.com/ontoforge/oms/internal/docstore"
)

// Dispatcher defaults.
const (
	DefaultBatchSize       = 100
	DefaultProcessInterval = 1 * time.Second
	DefaultPublishTimeout  = 10 * time.Second
	DefaultRetryBaseDelay  = 1 * time.Second
	DefaultRetryCap        = 5 * time.Minute
)

// DispatcherConfig tunes the delivery loop. Zero values select the
// defaults above.
type DispatcherConfig struct {
	BatchSize       int
	ProcessInterval time.Duration
	PublishTimeout  time.Duration
	RetryBaseDelay  time.Duration
	RetryCap        time.Duration

	// Shards is the number of delivery workers. Records partition by
	// idempotency key hash, so per-key delivery order survives
	// parallelism.
	Shards int

	// SubjectPrefix prepends every bus subject, e.g. "oms.events".
	SubjectPrefix string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = DefaultProcessInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryCap <= 0 {
		c.RetryCap = DefaultRetryCap
	}
	if c.Shards <= 0 {
		c.Shards = 1
	}
	return c
}

// Dispatcher drains the outbox to the bus. One logical instance per
// outbox; parallelism comes from shards, each a single writer over its
// key range.
type Dispatcher struct {
	ob  *Outbox
	bus bus.Bus
	cfg DispatcherConfig
	log *logrus.Entry

	dispatched   metric.Int64Counter
	deadLettered metric.Int64Counter

	mu           sync.Mutex
	shutdownChan chan struct{}
	wg           sync.WaitGroup

	now func() time.Time
	rnd func(int64) int64
}

// NewDispatcher builds a dispatcher over the outbox and bus. log may
// be nil.
func NewDispatcher(ob *Outbox, b bus.Bus, cfg DispatcherConfig, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	meter := otel.Meter("github.com/ontoforge/oms/internal/outbox")
	dispatched, _ := meter.Int64Counter("oms.outbox.dispatched",
		metric.WithDescription("Events delivered to the bus"))
	deadLettered, _ := meter.Int64Counter("oms.outbox.dead_lettered",
		metric.WithDescription("Events moved to the dead letter queue"))

	return &Dispatcher{
		ob:           ob,
		bus:          b,
		cfg:          cfg.withDefaults(),
		log:          log.WithField("component", "dispatcher"),
		dispatched:   dispatched,
		deadLettered: deadLettered,
		now:          time.Now,
		rnd:          rand.Int63n,
	}
}

// Start launches the delivery loop. ctx bounds every delivery; Stop or
// cancellation ends the loop. Idempotent: a running dispatcher is left
// alone.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdownChan != nil {
		return
	}
	d.shutdownChan = make(chan struct{})
	d.wg.Add(1)
	go d.loop(ctx, d.shutdownChan)
	d.log.WithFields(logrus.Fields{
		"batch_size": d.cfg.BatchSize,
		"shards":     d.cfg.Shards,
		"interval":   d.cfg.ProcessInterval,
	}).Debug("outbox dispatcher started")
}

// Stop signals the loop and waits for in-flight deliveries to settle.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	ch := d.shutdownChan
	d.shutdownChan = nil
	d.mu.Unlock()
	if ch == nil {
		return
	}
	close(ch)
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, shutdown <-chan struct{}) {
	defer d.wg.Done()
	timer := time.NewTimer(d.cfg.ProcessInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			n, err := d.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.log.WithError(err).Warn("dispatch pass failed")
			}
			// A full pass means backlog; re-poll without sleeping.
			if n > 0 {
				timer.Reset(0)
			} else {
				timer.Reset(d.cfg.ProcessInterval)
			}
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		}
	}
}

// RunOnce claims and delivers one batch. Returns the number of records
// whose status changed. Start calls it on the process interval; the
// CLI and tests call it directly.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	due, err := d.fetchDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch due outbox records: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	parts := make([][]*Record, d.cfg.Shards)
	for _, rec := range due {
		i := shardOf(rec.IdempotencyKey, d.cfg.Shards)
		parts[i] = append(parts[i], rec)
	}

	counts := make([]int, d.cfg.Shards)
	var wg sync.WaitGroup
	for i, part := range parts {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, part []*Record) {
			defer wg.Done()
			for _, rec := range part {
				if ctx.Err() != nil {
					return
				}
				if d.process(ctx, rec) {
					counts[i]++
				}
			}
		}(i, part)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	return total, ctx.Err()
}

func (d *Dispatcher) fetchDue(ctx context.Context) ([]*Record, error) {
	it, err := d.ob.store.Query(ctx, docstore.Query{
		Collection: docstore.CollOutbox,
		In:         map[string][]any{"status": {string(StatusPending), string(StatusFailed)}},
		Ranges:     []docstore.Range{{Field: "next_attempt_at", Op: "<=", Value: docstore.FormatTime(d.now())}},
		OrderBy:    "created_at",
		Limit:      d.cfg.BatchSize * d.cfg.Shards,
	})
	if err != nil {
		return nil, err
	}
	docs, err := docstore.All(it)
	if err != nil {
		return nil, err
	}
	recs := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			d.log.WithError(err).WithField("doc_id", doc.ID()).Warn("skipping corrupt outbox row")
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// process claims one record, attempts delivery, and records the
// outcome. Returns true when the record changed status.
func (d *Dispatcher) process(ctx context.Context, rec *Record) bool {
	claimed, err := d.claim(ctx, rec)
	if err != nil {
		d.log.WithError(err).WithField("event_id", rec.EventID).Warn("outbox claim failed")
		return false
	}
	if !claimed {
		return false
	}

	pubErr := d.deliver(ctx, rec)
	if err := d.finish(ctx, rec, pubErr); err != nil {
		d.log.WithError(err).WithField("event_id", rec.EventID).Error("recording delivery outcome failed")
		return false
	}
	return true
}

// claim CASes the record to PROCESSING. False when another writer got
// there first or the record already left the due set.
func (d *Dispatcher) claim(ctx context.Context, rec *Record) (bool, error) {
	claimed := false
	err := d.ob.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		claimed = false
		cur, err := tx.Get(ctx, docstore.CollOutbox, rec.EventID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			return err
		}
		fresh, err := recordFromDoc(cur)
		if err != nil {
			return err
		}
		if fresh.Status != StatusPending && fresh.Status != StatusFailed {
			return nil
		}
		*rec = *fresh
		rec.Status = StatusProcessing
		if err := tx.Replace(ctx, docstore.CollOutbox, recordToDoc(rec)); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (d *Dispatcher) deliver(ctx context.Context, rec *Record) error {
	data, err := Envelope(rec)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	headers := map[string]string{bus.HeaderIdempotencyKey: rec.IdempotencyKey}

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	return d.bus.Publish(pubCtx, d.subject(rec), data, headers)
}

// subject is the bus routing subject, distinct from the envelope's
// subject field (the affected entity).
func (d *Dispatcher) subject(rec *Record) string {
	if d.cfg.SubjectPrefix == "" {
		return rec.EventType
	}
	return d.cfg.SubjectPrefix + "." + rec.EventType
}

// finish writes the delivery outcome: COMPLETED on success, FAILED
// with a backoff deadline otherwise, DEAD_LETTER once the retry budget
// is spent.
func (d *Dispatcher) finish(ctx context.Context, rec *Record, pubErr error) error {
	now := d.now().UTC()
	dead := false
	if pubErr == nil {
		rec.Status = StatusCompleted
		rec.ProcessedAt = now
		rec.ErrorMessage = ""
	} else {
		delay := d.backoffDelay(rec.RetryCount)
		rec.RetryCount++
		rec.ErrorMessage = pubErr.Error()
		if rec.RetryCount >= rec.MaxRetries {
			rec.Status = StatusDeadLetter
			rec.ProcessedAt = now
			dead = true
		} else {
			rec.Status = StatusFailed
			rec.NextAttemptAt = now.Add(delay)
		}
	}

	err := d.ob.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Replace(ctx, docstore.CollOutbox, recordToDoc(rec)); err != nil {
			return err
		}
		if dead {
			return d.ob.audit.InsertTx(ctx, tx, &audit.Event{
				Action:       audit.ActionOutboxDeadLetter,
				ActorID:      "system:dispatcher",
				ActorService: true,
				TargetKind:   "outbox_event",
				TargetID:     rec.EventID,
				TargetName:   rec.EventType,
				Success:      false,
				ErrorMessage: rec.ErrorMessage,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case pubErr == nil:
		d.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("type", rec.EventType)))
	case dead:
		d.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("type", rec.EventType)))
		d.log.WithFields(logrus.Fields{
			"event_id": rec.EventID,
			"type":     rec.EventType,
			"attempts": rec.RetryCount,
		}).WithError(pubErr).Error("outbox event dead lettered")
	default:
		d.log.WithFields(logrus.Fields{
			"event_id": rec.EventID,
			"attempt":  rec.RetryCount,
			"next_at":  rec.NextAttemptAt,
		}).WithError(pubErr).Warn("outbox delivery failed, will retry")
	}
	return nil
}

// backoffDelay is base × 2^retry plus jitter up to half the step,
// capped.
func (d *Dispatcher) backoffDelay(retry int) time.Duration {
	delay := d.cfg.RetryBaseDelay
	for i := 0; i < retry && delay < d.cfg.RetryCap; i++ {
		delay *= 2
	}
	if delay > d.cfg.RetryCap {
		delay = d.cfg.RetryCap
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(d.rnd(half))
	}
	if delay > d.cfg.RetryCap {
		delay = d.cfg.RetryCap
	}
	return delay
}

// shardOf keeps every key on one worker so per-key delivery order is
// stable.
func shardOf(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// Envelope renders the CloudEvents 1.0 JSON for a record. The
// idempotency key travels as a protocol header, not in the envelope.
func Envelope(rec *Record) ([]byte, error) {
	env := map[string]any{
		"specversion":     "1.0",
		"id":              rec.EventID,
		"type":            rec.EventType,
		"source":          rec.Source,
		"time":            rec.CreatedAt.UTC().Format(time.RFC3339),
		"datacontenttype": "application/json",
	}
	if rec.Subject != "" {
		env["subject"] = rec.Subject
	}
	if rec.Payload != nil {
		env["data"] = rec.Payload
	}
	return json.Marshal(env)
}
