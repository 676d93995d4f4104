// Package lock implements the branch lock manager: lease-based locks
// with branch / resource-type / resource scopes, a branch state
// machine with a journaled transition table, and background sweepers
// that reconcile expired leases and crashed holders.
//
// In-memory tables are a cache over the docstore; Load rebuilds them
// on startup. Critical sections never block on I/O: acquisition
// reserves the lock in memory, persists outside the mutex, and rolls
// the reservation back when the write fails.
package lock

import (
	"fmt"
	"time"
)

// Scope is the breadth of a lock.
type Scope string

const (
	// ScopeBranch locks the whole branch.
	ScopeBranch Scope = "BRANCH"

	// ScopeResourceType locks one entity kind on a branch.
	ScopeResourceType Scope = "RESOURCE_TYPE"

	// ScopeResource locks a single entity.
	ScopeResource Scope = "RESOURCE"
)

// Kind describes why a lock is held and selects its default TTL.
type Kind string

const (
	KindIndexing    Kind = "INDEXING"
	KindMaintenance Kind = "MAINTENANCE"
	KindMigration   Kind = "MIGRATION"
	KindBackup      Kind = "BACKUP"
	KindManual      Kind = "MANUAL"
)

// Release reasons recorded in audit metadata.
const (
	ReasonReleased        = "RELEASED"
	ReasonTTLExpired      = "TTL_EXPIRED"
	ReasonHeartbeatMissed = "HEARTBEAT_MISSED"
	ReasonForced          = "FORCED"
	ReasonBranchError     = "BRANCH_ERROR"
)

// Lock is one lease. Immutable after acquisition except for
// ExpiresAt (extensions) and LastHeartbeat.
type Lock struct {
	ID                string        `json:"id"`
	Branch            string        `json:"branch"`
	Scope             Scope         `json:"scope"`
	ResourceType      string        `json:"resource_type,omitempty"`
	ResourceID        string        `json:"resource_id,omitempty"`
	Kind              Kind          `json:"kind"`
	HolderID          string        `json:"holder_id"`
	AcquiredAt        time.Time     `json:"acquired_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LastHeartbeat     time.Time     `json:"last_heartbeat,omitempty"`
	AutoRelease       bool          `json:"auto_release"`
	Reason            string        `json:"reason,omitempty"`

	// pending marks a reservation whose docstore write is still in
	// flight. Pending locks participate in conflict checks but cannot
	// be released or extended yet.
	pending bool
}

// Live reports whether the lease is still valid at now: not expired,
// and not past the heartbeat deadline when heartbeats are enabled.
func (l *Lock) Live(now time.Time, grace int) bool {
	if !now.Before(l.ExpiresAt) {
		return false
	}
	if l.HeartbeatInterval <= 0 {
		return true
	}
	if grace <= 0 {
		grace = DefaultHeartbeatGrace
	}
	last := l.LastHeartbeat
	if last.IsZero() {
		last = l.AcquiredAt
	}
	return now.Sub(last) <= time.Duration(grace)*l.HeartbeatInterval
}

// Conflicts reports whether two locks may not be live simultaneously.
// Two locks conflict iff they are on the same branch and (a) either
// has BRANCH scope, or (b) both are RESOURCE_TYPE with the same
// resource type, or (c) both are RESOURCE with the same (type, id).
// Different resource types never conflict at RESOURCE_TYPE scope,
// which is what allows concurrent indexing of object_type and
// link_type on one branch.
func Conflicts(a, b *Lock) bool {
	if a.Branch != b.Branch {
		return false
	}
	if a.Scope == ScopeBranch || b.Scope == ScopeBranch {
		return true
	}
	if a.Scope == ScopeResourceType && b.Scope == ScopeResourceType {
		return a.ResourceType == b.ResourceType
	}
	if a.Scope == ScopeResource && b.Scope == ScopeResource {
		return a.ResourceType == b.ResourceType && a.ResourceID == b.ResourceID
	}
	return false
}

// Default lease durations by kind.
const (
	DefaultTTL            = 2 * time.Hour
	DefaultIndexingTTL    = 4 * time.Hour
	DefaultMaintenanceTTL = 1 * time.Hour
	DefaultMigrationTTL   = 6 * time.Hour
	DefaultBackupTTL      = 2 * time.Hour
	DefaultManualTTL      = 24 * time.Hour
)

// Default sweeper and heartbeat settings.
const (
	DefaultHeartbeatGrace         = 3
	DefaultHeartbeatCheckInterval = 30 * time.Second
	DefaultTTLCheckInterval       = 5 * time.Minute
)

// Config tunes the manager. Zero values select the defaults above.
type Config struct {
	// DefaultTTL applies to kinds without a specific default.
	DefaultTTL time.Duration

	// IndexingTTL overrides the INDEXING lease duration.
	IndexingTTL time.Duration

	// HeartbeatGrace multiplies the heartbeat interval to get the
	// miss deadline.
	HeartbeatGrace int

	// HeartbeatCheckInterval is the heartbeat sweeper period.
	HeartbeatCheckInterval time.Duration

	// TTLCheckInterval is the TTL sweeper period.
	TTLCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.IndexingTTL <= 0 {
		c.IndexingTTL = DefaultIndexingTTL
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = DefaultHeartbeatGrace
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = DefaultHeartbeatCheckInterval
	}
	if c.TTLCheckInterval <= 0 {
		c.TTLCheckInterval = DefaultTTLCheckInterval
	}
	return c
}

// ttlFor returns the lease duration for a lock kind.
func (c Config) ttlFor(kind Kind) time.Duration {
	switch kind {
	case KindIndexing:
		return c.IndexingTTL
	case KindMaintenance:
		return DefaultMaintenanceTTL
	case KindMigration:
		return DefaultMigrationTTL
	case KindBackup:
		return DefaultBackupTTL
	case KindManual:
		return DefaultManualTTL
	default:
		return c.DefaultTTL
	}
}

// Request describes a lock acquisition.
type Request struct {
	Branch       string
	Kind         Kind
	Scope        Scope
	ResourceType string
	ResourceID   string
	HolderID     string
	Reason       string

	// TTL overrides the kind default. A negative TTL is invalid; a
	// zero TTL with TTLSet makes the lease immediately expirable.
	TTL    time.Duration
	TTLSet bool

	// HeartbeatInterval enables heartbeat liveness when positive.
	HeartbeatInterval time.Duration

	// AutoRelease lets the TTL sweeper reclaim the lease. Defaults to
	// true for every kind except MANUAL.
	AutoRelease *bool

	// CorrelationID threads the acquisition into audit chains.
	CorrelationID string
}

// Validate checks structural requirements before acquisition.
func (r *Request) Validate() error {
	if r.Branch == "" {
		return fmt.Errorf("lock request: missing branch")
	}
	if r.HolderID == "" {
		return fmt.Errorf("lock request: missing holder")
	}
	switch r.Scope {
	case ScopeBranch:
		// Resource fields ignored.
	case ScopeResourceType:
		if r.ResourceType == "" {
			return fmt.Errorf("lock request: RESOURCE_TYPE scope requires a resource type")
		}
	case ScopeResource:
		if r.ResourceType == "" || r.ResourceID == "" {
			return fmt.Errorf("lock request: RESOURCE scope requires resource type and id")
		}
	default:
		return fmt.Errorf("lock request: unknown scope %q", r.Scope)
	}
	switch r.Kind {
	case KindIndexing, KindMaintenance, KindMigration, KindBackup, KindManual:
	default:
		return fmt.Errorf("lock request: unknown kind %q", r.Kind)
	}
	if r.TTLSet && r.TTL < 0 {
		return fmt.Errorf("lock request: negative ttl")
	}
	if r.HeartbeatInterval < 0 {
		return fmt.Errorf("lock request: negative heartbeat interval")
	}
	return nil
}

// autoRelease resolves the effective auto-release flag.
func (r *Request) autoRelease() bool {
	if r.AutoRelease != nil {
		return *r.AutoRelease
	}
	return r.Kind != KindManual
}

// ConflictError reports a failed acquisition and carries the id of
// the live lock it collided with.
type ConflictError struct {
	Branch        string
	ConflictsWith string
	Holder        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock conflict on branch %q: held by %s (lock %s)", e.Branch, e.Holder, e.ConflictsWith)
}

// InvalidTransitionError reports a branch state change outside the
// transition table.
type InvalidTransitionError struct {
	Branch string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid branch state transition %s -> %s on %q", e.From, e.To, e.Branch)
}
