package lock

import (
	"fmt"
	"time"

	"github.com/ontoforge/oms/internal/docstore"
)

// lockDoc flattens a lease for storage. Heartbeat intervals are stored
// as milliseconds so the dolt adapter can keep them in an integer
// column.
func lockDoc(l *Lock) docstore.Document {
	d := docstore.Document{
		docstore.IDField: l.ID,
		"branch":         l.Branch,
		"scope":          string(l.Scope),
		"kind":           string(l.Kind),
		"holder_id":      l.HolderID,
		"acquired_at":    docstore.FormatTime(l.AcquiredAt),
		"expires_at":     docstore.FormatTime(l.ExpiresAt),
		"last_heartbeat": docstore.FormatTime(l.LastHeartbeat),
		"auto_release":   l.AutoRelease,
	}
	if l.ResourceType != "" {
		d["resource_type"] = l.ResourceType
	}
	if l.ResourceID != "" {
		d["resource_id"] = l.ResourceID
	}
	if l.HeartbeatInterval > 0 {
		d["heartbeat_interval_ms"] = l.HeartbeatInterval.Milliseconds()
	}
	if l.Reason != "" {
		d["reason"] = l.Reason
	}
	return d
}

func lockFromDoc(d docstore.Document) (*Lock, error) {
	if d.ID() == "" || d.Str("branch") == "" {
		return nil, fmt.Errorf("lock document missing id or branch")
	}
	acquired, err := docstore.ParseTime(d.Str("acquired_at"))
	if err != nil {
		return nil, fmt.Errorf("lock %s: bad acquired_at: %w", d.ID(), err)
	}
	expires, err := docstore.ParseTime(d.Str("expires_at"))
	if err != nil {
		return nil, fmt.Errorf("lock %s: bad expires_at: %w", d.ID(), err)
	}
	lastHB, err := docstore.ParseTime(d.Str("last_heartbeat"))
	if err != nil {
		return nil, fmt.Errorf("lock %s: bad last_heartbeat: %w", d.ID(), err)
	}

	l := &Lock{
		ID:            d.ID(),
		Branch:        d.Str("branch"),
		Scope:         Scope(d.Str("scope")),
		ResourceType:  d.Str("resource_type"),
		ResourceID:    d.Str("resource_id"),
		Kind:          Kind(d.Str("kind")),
		HolderID:      d.Str("holder_id"),
		Reason:        d.Str("reason"),
		AcquiredAt:    acquired,
		ExpiresAt:     expires,
		LastHeartbeat: lastHB,
		AutoRelease:   d.Bool("auto_release"),
	}
	if ms := d.Int64("heartbeat_interval_ms"); ms > 0 {
		l.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}
	return l, nil
}

func stateDoc(r *StateRecord) docstore.Document {
	return docstore.Document{
		docstore.IDField:   r.Branch,
		"state":            string(r.State),
		"state_changed_at": docstore.FormatTime(r.ChangedAt),
		"state_changed_by": r.ChangedBy,
		"reason":           r.Reason,
	}
}

func stateFromDoc(d docstore.Document) (*StateRecord, error) {
	if d.ID() == "" {
		return nil, fmt.Errorf("branch state document missing id")
	}
	changedAt, err := docstore.ParseTime(d.Str("state_changed_at"))
	if err != nil {
		return nil, fmt.Errorf("branch state %s: bad state_changed_at: %w", d.ID(), err)
	}
	st := State(d.Str("state"))
	if st == "" {
		st = StateActive
	}
	return &StateRecord{
		Branch:    d.ID(),
		State:     st,
		ChangedAt: changedAt,
		ChangedBy: d.Str("state_changed_by"),
		Reason:    d.Str("reason"),
	}, nil
}
