package audit

import (
	"encoding/json"
	"fmt"

	"github.com/ontoforge/oms/internal/docstore"
)

// eventToDoc flattens an event into its stored form. Timestamps use
// the store's wire format; created_year/created_month are the
// partition keys from the index plan.
func eventToDoc(e *Event) docstore.Document {
	d := docstore.Document{
		docstore.IDField:  e.ID,
		"created_at":      docstore.FormatTime(e.Time),
		"created_year":    e.Time.UTC().Year(),
		"created_month":   int(e.Time.UTC().Month()),
		"action":          e.Action,
		"actor_id":        e.ActorID,
		"actor_name":      e.ActorName,
		"actor_service":   e.ActorService,
		"target_kind":     e.TargetKind,
		"target_id":       e.TargetID,
		"target_name":     e.TargetName,
		"branch":          e.Branch,
		"success":         e.Success,
		"error_code":      e.ErrorCode,
		"error_message":   e.ErrorMessage,
		"duration_ms":     e.DurationMS,
		"request_id":      e.RequestID,
		"correlation_id":  e.CorrelationID,
		"causation_id":    e.CausationID,
		"event_hash":      e.EventHash,
		"batch_hash":      e.BatchHash,
		"retention_until": docstore.FormatTime(e.RetentionUntil),
		"archived":        e.Archived,
	}
	if len(e.Changes) > 0 {
		d["changes"] = e.Changes
	}
	if len(e.Metadata) > 0 {
		d["metadata"] = e.Metadata
	}
	if len(e.Tags) > 0 {
		d["tags"] = toAnySlice(e.Tags)
	}
	if len(e.Compliance) > 0 {
		d["compliance"] = toAnySlice(e.Compliance)
	}
	return d
}

func eventFromDoc(d docstore.Document) (*Event, error) {
	at, err := docstore.ParseTime(d.Str("created_at"))
	if err != nil {
		return nil, fmt.Errorf("audit event %s: bad created_at: %w", d.ID(), err)
	}
	until, err := docstore.ParseTime(d.Str("retention_until"))
	if err != nil {
		return nil, fmt.Errorf("audit event %s: bad retention_until: %w", d.ID(), err)
	}
	e := &Event{
		ID:             d.ID(),
		Time:           at,
		Action:         d.Str("action"),
		ActorID:        d.Str("actor_id"),
		ActorName:      d.Str("actor_name"),
		ActorService:   d.Bool("actor_service"),
		TargetKind:     d.Str("target_kind"),
		TargetID:       d.Str("target_id"),
		TargetName:     d.Str("target_name"),
		Branch:         d.Str("branch"),
		Success:        d.Bool("success"),
		ErrorCode:      d.Str("error_code"),
		ErrorMessage:   d.Str("error_message"),
		DurationMS:     toInt64(d["duration_ms"]),
		RequestID:      d.Str("request_id"),
		CorrelationID:  d.Str("correlation_id"),
		CausationID:    d.Str("causation_id"),
		EventHash:      d.Str("event_hash"),
		BatchHash:      d.Str("batch_hash"),
		RetentionUntil: until,
		Archived:       d.Bool("archived"),
	}
	if m, ok := d["changes"].(map[string]any); ok {
		e.Changes = m
	}
	if m, ok := d["metadata"].(map[string]any); ok {
		e.Metadata = m
	}
	e.Tags = toStringSlice(d["tags"])
	e.Compliance = toStringSlice(d["compliance"])
	return e, nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
