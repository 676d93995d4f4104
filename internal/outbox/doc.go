package outbox

import (
	"fmt"

	"github.com/ontoforge/oms/internal/docstore"
)

func recordToDoc(r *Record) docstore.Document {
	d := docstore.Document{
		docstore.IDField:  r.EventID,
		"event_type":      r.EventType,
		"source":          r.Source,
		"idempotency_key": r.IdempotencyKey,
		"status":          string(r.Status),
		"retry_count":     r.RetryCount,
		"max_retries":     r.MaxRetries,
		"created_at":      docstore.FormatTime(r.CreatedAt),
		"next_attempt_at": docstore.FormatTime(r.NextAttemptAt),
	}
	if r.Subject != "" {
		d["subject"] = r.Subject
	}
	if r.Payload != nil {
		d["payload"] = r.Payload
	}
	if r.CorrelationID != "" {
		d["correlation_id"] = r.CorrelationID
	}
	if !r.ProcessedAt.IsZero() {
		d["processed_at"] = docstore.FormatTime(r.ProcessedAt)
	}
	if r.ErrorMessage != "" {
		d["error_message"] = r.ErrorMessage
	}
	return d
}

func recordFromDoc(d docstore.Document) (*Record, error) {
	if d.ID() == "" || d.Str("event_type") == "" {
		return nil, fmt.Errorf("outbox document missing id or event_type")
	}
	createdAt, err := docstore.ParseTime(d.Str("created_at"))
	if err != nil {
		return nil, fmt.Errorf("outbox %s: bad created_at: %w", d.ID(), err)
	}
	processedAt, err := docstore.ParseTime(d.Str("processed_at"))
	if err != nil {
		return nil, fmt.Errorf("outbox %s: bad processed_at: %w", d.ID(), err)
	}
	nextAt, err := docstore.ParseTime(d.Str("next_attempt_at"))
	if err != nil {
		return nil, fmt.Errorf("outbox %s: bad next_attempt_at: %w", d.ID(), err)
	}

	r := &Record{
		EventID:        d.ID(),
		EventType:      d.Str("event_type"),
		Source:         d.Str("source"),
		Subject:        d.Str("subject"),
		CorrelationID:  d.Str("correlation_id"),
		IdempotencyKey: d.Str("idempotency_key"),
		Status:         Status(d.Str("status")),
		RetryCount:     int(d.Int64("retry_count")),
		MaxRetries:     int(d.Int64("max_retries")),
		CreatedAt:      createdAt,
		ProcessedAt:    processedAt,
		ErrorMessage:   d.Str("error_message"),
		NextAttemptAt:  nextAt,
	}
	if p, ok := d["payload"].(map[string]any); ok {
		r.Payload = p
	}
	return r, nil
}
