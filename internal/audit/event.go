// Package audit provides the append-only audit store: per-event hash,
// per-batch integrity rows, action-class retention, and archival.
package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ontoforge/oms/internal/schema"
)

// Actions recorded by the core. The segment before the first dot is
// the action class and selects the retention period.
const (
	ActionLockAcquired     = "lock.acquired"
	ActionLockReleased     = "lock.released"
	ActionLockExtended     = "lock.extended"
	ActionLockForced       = "lock.force_released"
	ActionBranchCreated    = "branch.created"
	ActionBranchDeleted    = "branch.deleted"
	ActionBranchState      = "branch.state_changed"
	ActionMergeCompleted   = "merge.completed"
	ActionMergeBlocked     = "merge.blocked"
	ActionMergeFailed      = "merge.failed"
	ActionSchemaCreated    = "schema.created"
	ActionSchemaUpdated    = "schema.updated"
	ActionSchemaDeleted    = "schema.deleted"
	ActionIndexStarted     = "indexing.started"
	ActionIndexCompleted   = "indexing.completed"
	ActionIndexFailed      = "indexing.failed"
	ActionOutboxDeadLetter = "outbox.dead_letter"
	ActionOutboxRequeued   = "outbox.requeued"
	ActionAuthLogin        = "auth.login"
	ActionAuthLoginFailed  = "auth.login_failed"
	ActionAuthACLChanged   = "auth.acl_changed"
	ActionPolicyTampering  = "policy.tampering_detected"
	ActionPolicySnapshot   = "policy.snapshot_taken"
	ActionRetentionSweep   = "audit.retention_sweep"
	ActionDaemonPanic      = "daemon.task_panic"
)

// DefaultRetentionDays is the fallback for unclassified actions (7y).
const DefaultRetentionDays = 2555

// RetentionDays returns the retention period for an action.
// defaultDays applies to actions outside the known classes; pass 0 to
// use DefaultRetentionDays.
func RetentionDays(action string, defaultDays int) int {
	if defaultDays <= 0 {
		defaultDays = DefaultRetentionDays
	}
	if action == ActionIndexFailed {
		return 180
	}
	class := action
	if i := strings.IndexByte(action, '.'); i > 0 {
		class = action[:i]
	}
	switch class {
	case "auth":
		return 2555
	case "schema":
		return 1825
	case "branch":
		return 365
	case "merge":
		return 730
	case "indexing":
		return 90
	default:
		return defaultDays
	}
}

// Event is one audit record. Events are append-only: after insert the
// only mutable field is Archived.
type Event struct {
	ID            string         `json:"id"`
	Time          time.Time      `json:"time"`
	Action        string         `json:"action"`
	ActorID       string         `json:"actor_id"`
	ActorName     string         `json:"actor_name,omitempty"`
	ActorService  bool           `json:"actor_is_service,omitempty"`
	TargetKind    string         `json:"target_kind,omitempty"`
	TargetID      string         `json:"target_id,omitempty"`
	TargetName    string         `json:"target_name,omitempty"`
	Branch        string         `json:"branch,omitempty"`
	Success       bool           `json:"success"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Changes       map[string]any `json:"changes,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Compliance    []string       `json:"compliance,omitempty"`

	EventHash      string    `json:"event_hash"`
	BatchHash      string    `json:"batch_hash,omitempty"`
	RetentionUntil time.Time `json:"retention_until"`
	Archived       bool      `json:"archived"`
}

// TargetKey is the stable target identity used in the event hash.
func (e *Event) TargetKey() string {
	return e.TargetKind + ":" + e.TargetID
}

// Validate checks the fields required before insert.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("audit event: missing id")
	}
	if e.Action == "" {
		return fmt.Errorf("audit event %s: missing action", e.ID)
	}
	if e.ActorID == "" {
		return fmt.Errorf("audit event %s: missing actor_id", e.ID)
	}
	if e.Time.IsZero() {
		return fmt.Errorf("audit event %s: missing time", e.ID)
	}
	return nil
}

// ComputeHash returns the canonical hash over the tamper-relevant
// subset: id, time, action, actor_id, target_key, success.
func (e *Event) ComputeHash() (string, error) {
	subset := map[string]any{
		"id":         e.ID,
		"time":       e.Time,
		"action":     e.Action,
		"actor_id":   e.ActorID,
		"target_key": e.TargetKey(),
		"success":    e.Success,
	}
	return schema.Hash(subset)
}

// BatchHash combines per-event hashes into the batch integrity hash:
// SHA-256 over the sorted hashes joined with "|". Sorting makes the
// batch hash independent of insert order while storage keeps the
// original order.
func BatchHash(eventHashes []string) string {
	sorted := make([]string, len(eventHashes))
	copy(sorted, eventHashes)
	sort.Strings(sorted)
	return schema.HashBytes([]byte(strings.Join(sorted, "|")))
}
