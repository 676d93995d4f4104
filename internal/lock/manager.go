package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/lock/progress"
	"github.com/ontoforge/oms/internal/schema"
)

// Manager owns lock leases and branch states. The in-memory tables are
// the source of truth for conflict checks; the DocStore is the
// durability record, rebuilt into the tables by Load on startup.
//
// Critical sections under mu never suspend. DocStore writes happen
// outside the mutex with a pending reservation held in the table, so
// conflicting acquires are refused while the write is in flight; a
// failed write rolls the reservation back.
type Manager struct {
	store docstore.Store
	audit *audit.Store
	cfg   Config
	log   *logrus.Entry
	prog  progress.Store

	acquired metric.Int64Counter
	released metric.Int64Counter

	mu     sync.Mutex
	locks  map[string]*Lock
	states map[string]*StateRecord

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithProgressStore records heartbeat status updates, typically to
// Redis. Progress failures are logged, never surfaced to holders.
func WithProgressStore(ps progress.Store) Option {
	return func(m *Manager) { m.prog = ps }
}

// NewManager wires a lock manager over the given store. Call Load
// before serving requests so the tables reflect persisted leases.
func NewManager(store docstore.Store, aud *audit.Store, cfg Config, log *logrus.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	meter := otel.Meter("github.com/ontoforge/oms/internal/lock")
	acquired, _ := meter.Int64Counter("oms.locks.acquired",
		metric.WithDescription("Lock leases granted"))
	released, _ := meter.Int64Counter("oms.locks.released",
		metric.WithDescription("Lock leases released, by reason"))

	m := &Manager{
		store:    store,
		audit:    aud,
		cfg:      cfg.withDefaults(),
		log:      log.WithField("component", "lock"),
		acquired: acquired,
		released: released,
		locks:    make(map[string]*Lock),
		states:   make(map[string]*StateRecord),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load rebuilds the in-memory tables from the DocStore. Corrupt rows
// are logged and skipped rather than failing startup.
func (m *Manager) Load(ctx context.Context) error {
	lockIt, err := m.store.Query(ctx, docstore.Query{Collection: docstore.CollLocks})
	if err != nil {
		return fmt.Errorf("load locks: %w", err)
	}
	lockDocs, err := docstore.All(lockIt)
	if err != nil {
		return fmt.Errorf("load locks: %w", err)
	}
	stateIt, err := m.store.Query(ctx, docstore.Query{Collection: docstore.CollBranchState})
	if err != nil {
		return fmt.Errorf("load branch states: %w", err)
	}
	stateDocs, err := docstore.All(stateIt)
	if err != nil {
		return fmt.Errorf("load branch states: %w", err)
	}

	locks := make(map[string]*Lock, len(lockDocs))
	for _, d := range lockDocs {
		l, err := lockFromDoc(d)
		if err != nil {
			m.log.WithError(err).WithField("doc_id", d.ID()).Warn("skipping corrupt lock row")
			continue
		}
		locks[l.ID] = l
	}
	states := make(map[string]*StateRecord, len(stateDocs))
	for _, d := range stateDocs {
		r, err := stateFromDoc(d)
		if err != nil {
			m.log.WithError(err).WithField("doc_id", d.ID()).Warn("skipping corrupt branch state row")
			continue
		}
		states[r.Branch] = r
	}

	m.mu.Lock()
	m.locks = locks
	m.states = states
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"locks": len(locks), "branches": len(states)}).Debug("lock tables loaded")
	return nil
}

// stateLocked returns the tracked record or an ACTIVE default. Callers
// hold mu.
func (m *Manager) stateLocked(branch string) *StateRecord {
	if r, ok := m.states[branch]; ok {
		return r
	}
	return &StateRecord{Branch: branch, State: StateActive}
}

// branchLocksLocked returns the branch's locks ordered by acquisition,
// so conflict errors deterministically name the oldest holder. Callers
// hold mu.
func (m *Manager) branchLocksLocked(branch string) []*Lock {
	var out []*Lock
	for _, l := range m.locks {
		if l.Branch == branch {
			out = append(out, l)
		}
	}
	sortLocks(out)
	return out
}

func sortLocks(locks []*Lock) {
	sort.Slice(locks, func(i, j int) bool {
		if !locks[i].AcquiredAt.Equal(locks[j].AcquiredAt) {
			return locks[i].AcquiredAt.Before(locks[j].AcquiredAt)
		}
		return locks[i].ID < locks[j].ID
	})
}

// BranchState returns the current state record for a branch. Unknown
// branches report ACTIVE.
func (m *Manager) BranchState(_ context.Context, branch string) *StateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(branch).clone()
}

// SetBranchState applies a state transition, journals it, and audits
// it. Transitions outside the table fail with InvalidTransitionError
// and no side effects. Entering ERROR releases every lock held on the
// branch in the same transaction.
func (m *Manager) SetBranchState(ctx context.Context, branch string, to State, who, reason string) error {
	now := m.now().UTC()

	m.mu.Lock()
	cur := m.stateLocked(branch)
	if !ValidTransition(cur.State, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{Branch: branch, From: cur.State, To: to}
	}
	rec := &StateRecord{Branch: branch, State: to, ChangedAt: now, ChangedBy: who, Reason: reason}
	prev, hadPrev := m.states[branch]
	m.states[branch] = rec

	var released []*Lock
	if to == StateError {
		for id, l := range m.locks {
			if l.Branch == branch && !l.pending {
				released = append(released, l)
				delete(m.locks, id)
			}
		}
		sortLocks(released)
	}
	m.mu.Unlock()

	err := m.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := m.writeStateTx(ctx, tx, cur.State, rec); err != nil {
			return err
		}
		for _, l := range released {
			if err := tx.Delete(ctx, docstore.CollLocks, l.ID); err != nil {
				return err
			}
			if err := m.audit.InsertTx(ctx, tx, releaseEvent(l, who, ReasonBranchError, now)); err != nil {
				return err
			}
		}
		return m.audit.InsertTx(ctx, tx, &audit.Event{
			Time:       now,
			Action:     audit.ActionBranchState,
			ActorID:    who,
			TargetKind: "branch",
			TargetID:   branch,
			Branch:     branch,
			Success:    true,
			Changes: map[string]any{
				"from": string(cur.State),
				"to":   string(to),
			},
			Metadata: map[string]any{"reason": reason},
		})
	})
	if err != nil {
		m.mu.Lock()
		if m.states[branch] == rec {
			if hadPrev {
				m.states[branch] = prev
			} else {
				delete(m.states, branch)
			}
		}
		for _, l := range released {
			if _, exists := m.locks[l.ID]; !exists {
				m.locks[l.ID] = l
			}
		}
		m.mu.Unlock()
		return fmt.Errorf("set branch %s state to %s: %w", branch, to, err)
	}

	for _, l := range released {
		m.dropProgress(ctx, l.ID)
		m.released.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonBranchError)))
	}
	m.log.WithFields(logrus.Fields{
		"branch": branch, "from": cur.State, "to": to,
		"by": who, "locks_released": len(released),
	}).Info("branch state changed")
	return nil
}

// writeStateTx upserts the branch state row and appends a journal row.
func (m *Manager) writeStateTx(ctx context.Context, tx docstore.Tx, from State, rec *StateRecord) error {
	doc := stateDoc(rec)
	_, err := tx.Get(ctx, docstore.CollBranchState, rec.Branch)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		if err := tx.Insert(ctx, docstore.CollBranchState, doc); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := tx.Replace(ctx, docstore.CollBranchState, doc); err != nil {
			return err
		}
	}
	return tx.Insert(ctx, docstore.CollBranchJournal, docstore.Document{
		docstore.IDField: uuid.NewString(),
		"branch":         rec.Branch,
		"from":           string(from),
		"to":             string(rec.State),
		"changed_by":     rec.ChangedBy,
		"reason":         rec.Reason,
		"at":             docstore.FormatTime(rec.ChangedAt),
	})
}

// Acquire grants a lease when no live lock conflicts. The conflict
// check and the reservation happen under the mutex; persistence runs
// outside it and rolls the reservation back on failure. Acquiring an
// INDEXING lock at BRANCH scope on an ACTIVE branch also transitions
// it to LOCKED_FOR_WRITE, atomically with the lock insert.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Lock, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	l := m.newLock(req, now)

	m.mu.Lock()
	st := m.stateLocked(req.Branch)
	if st.State == StateArchived || st.State == StateError {
		m.mu.Unlock()
		return nil, &BranchStateError{Branch: req.Branch, State: st.State}
	}
	for _, held := range m.branchLocksLocked(req.Branch) {
		if !held.pending && !held.Live(now, m.cfg.HeartbeatGrace) {
			continue
		}
		if Conflicts(l, held) {
			m.mu.Unlock()
			return nil, &ConflictError{Branch: req.Branch, ConflictsWith: held.ID, Holder: held.HolderID}
		}
	}
	var trans *StateRecord
	prev, hadPrev := m.states[req.Branch]
	if l.Kind == KindIndexing && l.Scope == ScopeBranch && st.State == StateActive {
		trans = &StateRecord{
			Branch: req.Branch, State: StateLockedForWrite,
			ChangedAt: now, ChangedBy: req.HolderID, Reason: "indexing lock acquired",
		}
		m.states[req.Branch] = trans
	}
	m.locks[l.ID] = l
	m.mu.Unlock()

	err := m.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Insert(ctx, docstore.CollLocks, lockDoc(l)); err != nil {
			return err
		}
		if trans != nil {
			if err := m.writeStateTx(ctx, tx, st.State, trans); err != nil {
				return err
			}
		}
		return m.audit.InsertTx(ctx, tx, &audit.Event{
			Time:          now,
			Action:        audit.ActionLockAcquired,
			ActorID:       req.HolderID,
			TargetKind:    "lock",
			TargetID:      l.ID,
			Branch:        req.Branch,
			Success:       true,
			CorrelationID: req.CorrelationID,
			Metadata: map[string]any{
				"kind":          string(l.Kind),
				"scope":         string(l.Scope),
				"resource_type": l.ResourceType,
				"resource_id":   l.ResourceID,
				"expires_at":    l.ExpiresAt.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		m.mu.Lock()
		delete(m.locks, l.ID)
		if trans != nil && m.states[req.Branch] == trans {
			if hadPrev {
				m.states[req.Branch] = prev
			} else {
				delete(m.states, req.Branch)
			}
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire %s lock on %s: %w", req.Kind, req.Branch, err)
	}

	m.mu.Lock()
	l.pending = false
	m.mu.Unlock()

	m.acquired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(l.Kind)),
		attribute.String("scope", string(l.Scope)),
	))
	m.log.WithFields(logrus.Fields{
		"lock_id": l.ID, "branch": l.Branch, "kind": l.Kind,
		"scope": l.Scope, "holder": l.HolderID,
	}).Info("lock acquired")

	cp := *l
	cp.pending = false
	return &cp, nil
}

func (m *Manager) newLock(req Request, now time.Time) *Lock {
	ttl := req.TTL
	if !req.TTLSet {
		ttl = m.cfg.ttlFor(req.Kind)
	}
	return &Lock{
		ID:                uuid.NewString(),
		Branch:            req.Branch,
		Scope:             req.Scope,
		ResourceType:      req.ResourceType,
		ResourceID:        req.ResourceID,
		Kind:              req.Kind,
		HolderID:          req.HolderID,
		Reason:            req.Reason,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(ttl),
		HeartbeatInterval: req.HeartbeatInterval,
		LastHeartbeat:     now,
		AutoRelease:       req.autoRelease(),
		pending:           true,
	}
}

// Release drops a lease. Unknown or already-released locks return
// (false, nil): double release is routine when sweepers race holders.
func (m *Manager) Release(ctx context.Context, lockID, who string) (bool, error) {
	return m.release(ctx, lockID, who, ReasonReleased)
}

func (m *Manager) release(ctx context.Context, lockID, who, reason string) (bool, error) {
	now := m.now().UTC()

	m.mu.Lock()
	l, ok := m.locks[lockID]
	if !ok || l.pending {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"lock_id": lockID, "by": who}).Debug("release of unknown lock")
		return false, nil
	}
	delete(m.locks, lockID)
	m.mu.Unlock()

	err := m.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Delete(ctx, docstore.CollLocks, lockID); err != nil {
			return err
		}
		return m.audit.InsertTx(ctx, tx, releaseEvent(l, who, reason, now))
	})
	if err != nil {
		m.mu.Lock()
		if _, exists := m.locks[lockID]; !exists {
			m.locks[lockID] = l
		}
		m.mu.Unlock()
		return false, fmt.Errorf("release lock %s: %w", lockID, err)
	}

	m.dropProgress(ctx, lockID)
	m.released.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.log.WithFields(logrus.Fields{
		"lock_id": lockID, "branch": l.Branch, "by": who, "reason": reason,
	}).Info("lock released")
	return true, nil
}

func releaseEvent(l *Lock, who, reason string, at time.Time) *audit.Event {
	action := audit.ActionLockReleased
	if reason == ReasonForced {
		action = audit.ActionLockForced
	}
	return &audit.Event{
		Time:       at,
		Action:     action,
		ActorID:    who,
		TargetKind: "lock",
		TargetID:   l.ID,
		Branch:     l.Branch,
		Success:    true,
		Metadata: map[string]any{
			"reason": reason,
			"kind":   string(l.Kind),
			"scope":  string(l.Scope),
			"holder": l.HolderID,
		},
	}
}

func (m *Manager) dropProgress(ctx context.Context, lockID string) {
	if m.prog == nil {
		return
	}
	if err := m.prog.Delete(ctx, lockID); err != nil {
		m.log.WithError(err).WithField("lock_id", lockID).Debug("progress delete failed")
	}
}

// Heartbeat refreshes a lease's liveness and records optional status.
// Unknown or released locks report (false, nil); the holder finds out
// its lease is gone without an error path to handle.
func (m *Manager) Heartbeat(ctx context.Context, lockID, holder, status string, pct float64) (bool, error) {
	now := m.now().UTC()

	m.mu.Lock()
	l, ok := m.locks[lockID]
	if !ok || l.pending {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"lock_id": lockID, "holder": holder}).Warn("heartbeat for unknown or released lock")
		return false, nil
	}
	l.LastHeartbeat = now
	snapshot := *l
	m.mu.Unlock()

	if err := m.store.Replace(ctx, docstore.CollLocks, lockDoc(&snapshot)); err != nil {
		return false, fmt.Errorf("heartbeat lock %s: %w", lockID, err)
	}

	if m.prog != nil && (status != "" || pct > 0) {
		u := progress.Update{LockID: lockID, HolderID: holder, Status: status, Percent: pct, At: now}
		if err := m.prog.Put(ctx, u); err != nil {
			m.log.WithError(err).WithField("lock_id", lockID).Debug("progress update failed")
		}
	}
	return true, nil
}

// ExtendTTL pushes a live lease's expiry out by d. Dead or unknown
// locks return (false, nil).
func (m *Manager) ExtendTTL(ctx context.Context, lockID string, d time.Duration, who, reason string) (bool, error) {
	if d <= 0 {
		return false, fmt.Errorf("extend lock %s: non-positive duration", lockID)
	}
	now := m.now().UTC()

	m.mu.Lock()
	l, ok := m.locks[lockID]
	if !ok || l.pending || !l.Live(now, m.cfg.HeartbeatGrace) {
		m.mu.Unlock()
		return false, nil
	}
	oldExpiry := l.ExpiresAt
	l.ExpiresAt = l.ExpiresAt.Add(d)
	snapshot := *l
	m.mu.Unlock()

	err := m.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		if err := tx.Replace(ctx, docstore.CollLocks, lockDoc(&snapshot)); err != nil {
			return err
		}
		return m.audit.InsertTx(ctx, tx, &audit.Event{
			Time:       now,
			Action:     audit.ActionLockExtended,
			ActorID:    who,
			TargetKind: "lock",
			TargetID:   lockID,
			Branch:     snapshot.Branch,
			Success:    true,
			Changes: map[string]any{
				"expires_at": map[string]any{
					"from": oldExpiry.Format(time.RFC3339),
					"to":   snapshot.ExpiresAt.Format(time.RFC3339),
				},
			},
			Metadata: map[string]any{"reason": reason},
		})
	})
	if err != nil {
		m.mu.Lock()
		if cur, exists := m.locks[lockID]; exists && cur == l {
			cur.ExpiresAt = oldExpiry
		}
		m.mu.Unlock()
		return false, fmt.Errorf("extend lock %s: %w", lockID, err)
	}

	m.log.WithFields(logrus.Fields{
		"lock_id": lockID, "by": who, "until": snapshot.ExpiresAt.Format(time.RFC3339),
	}).Info("lock extended")
	return true, nil
}

// ForceUnlock releases every durable lock on a branch regardless of
// holder or liveness and returns how many went away. Admin override;
// each release is audited as lock.force_released.
func (m *Manager) ForceUnlock(ctx context.Context, branch, admin, reason string) (int, error) {
	now := m.now().UTC()

	m.mu.Lock()
	var victims []*Lock
	for id, l := range m.locks {
		if l.Branch == branch && !l.pending {
			victims = append(victims, l)
			delete(m.locks, id)
		}
	}
	m.mu.Unlock()
	if len(victims) == 0 {
		return 0, nil
	}
	sortLocks(victims)

	err := m.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		for _, l := range victims {
			if err := tx.Delete(ctx, docstore.CollLocks, l.ID); err != nil {
				return err
			}
			ev := releaseEvent(l, admin, ReasonForced, now)
			if reason != "" {
				ev.Metadata["note"] = reason
			}
			if err := m.audit.InsertTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.mu.Lock()
		for _, l := range victims {
			if _, exists := m.locks[l.ID]; !exists {
				m.locks[l.ID] = l
			}
		}
		m.mu.Unlock()
		return 0, fmt.Errorf("force unlock %s: %w", branch, err)
	}

	for _, l := range victims {
		m.dropProgress(ctx, l.ID)
		m.released.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonForced)))
	}
	m.log.WithFields(logrus.Fields{
		"branch": branch, "by": admin, "count": len(victims),
	}).Warn("branch force unlocked")
	return len(victims), nil
}

// CheckWritePermission reports whether a write may proceed given the
// branch state and live locks. An empty resourceType means a
// branch-wide write (a schema commit), which any live lock blocks.
func (m *Manager) CheckWritePermission(_ context.Context, branch, action, resourceType, resourceID string) (bool, string) {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(branch)
	switch st.State {
	case StateArchived:
		return false, "branch is archived"
	case StateError:
		return false, "branch is in error state"
	case StateLockedForWrite:
		return false, "branch is locked for indexing"
	case StateMerging:
		return false, "merge in progress"
	}

	for _, l := range m.branchLocksLocked(branch) {
		// Pending reservations block writes too: they are about to
		// be durable.
		if !l.pending && !l.Live(now, m.cfg.HeartbeatGrace) {
			continue
		}
		if blocksWrite(l, resourceType, resourceID) {
			m.log.WithFields(logrus.Fields{
				"branch": branch, "action": action, "lock_id": l.ID,
			}).Debug("write denied by lock")
			return false, fmt.Sprintf("%s lock held by %s (scope %s, expires %s)",
				l.Kind, l.HolderID, l.Scope, l.ExpiresAt.Format(time.RFC3339))
		}
	}
	return true, ""
}

// blocksWrite reports whether a lock covers the data a write touches.
// This is coverage, not the acquisition matrix: a RESOURCE_TYPE lock
// covers every entity of its type, so an entity write inside the type
// is blocked even though an entity LOCK would not conflict.
func blocksWrite(l *Lock, resourceType, resourceID string) bool {
	if l.Scope == ScopeBranch || resourceType == "" {
		// Branch locks cover everything; branch-wide writes touch
		// everything.
		return true
	}
	if l.ResourceType != resourceType {
		return false
	}
	switch l.Scope {
	case ScopeResourceType:
		return true
	case ScopeResource:
		return resourceID == "" || l.ResourceID == resourceID
	}
	return false
}

// LockForIndexing acquires indexing leases for a reindex job. The
// default is one RESOURCE_TYPE lock per requested type (all kinds when
// none are named) so unrelated types index concurrently; force takes a
// single BRANCH lock instead, which moves an ACTIVE branch to
// LOCKED_FOR_WRITE. Partial failures release what was already taken.
func (m *Manager) LockForIndexing(ctx context.Context, branch, holder string, resourceTypes []string, force bool) ([]*Lock, error) {
	if force {
		l, err := m.Acquire(ctx, Request{
			Branch:   branch,
			Kind:     KindIndexing,
			Scope:    ScopeBranch,
			HolderID: holder,
			Reason:   "full reindex",
		})
		if err != nil {
			return nil, err
		}
		return []*Lock{l}, nil
	}

	types := resourceTypes
	if len(types) == 0 {
		types = schema.Kinds()
	}
	locks := make([]*Lock, 0, len(types))
	for _, rt := range types {
		l, err := m.Acquire(ctx, Request{
			Branch:       branch,
			Kind:         KindIndexing,
			Scope:        ScopeResourceType,
			ResourceType: rt,
			HolderID:     holder,
			Reason:       "indexing " + rt,
		})
		if err != nil {
			for _, held := range locks {
				if _, rerr := m.Release(ctx, held.ID, holder); rerr != nil {
					m.log.WithError(rerr).WithField("lock_id", held.ID).Warn("rollback release failed")
				}
			}
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// CompleteIndexing releases the branch's indexing leases for the named
// resource types (all of them when none are named) and, when the
// branch is LOCKED_FOR_WRITE and no indexing lease remains, moves it
// to READY. The bool reports whether that transition happened.
func (m *Manager) CompleteIndexing(ctx context.Context, branch, who string, resourceTypes []string) (bool, error) {
	now := m.now().UTC()
	typeSet := make(map[string]bool, len(resourceTypes))
	for _, t := range resourceTypes {
		typeSet[t] = true
	}

	m.mu.Lock()
	var victims []*Lock
	remaining := 0
	for id, l := range m.locks {
		if l.Branch != branch || l.Kind != KindIndexing || l.pending {
			continue
		}
		match := len(typeSet) == 0 || l.Scope == ScopeBranch || typeSet[l.ResourceType]
		if match {
			victims = append(victims, l)
			delete(m.locks, id)
		} else {
			remaining++
		}
	}
	st := m.stateLocked(branch)
	var trans *StateRecord
	prev, hadPrev := m.states[branch]
	if st.State == StateLockedForWrite && remaining == 0 {
		trans = &StateRecord{
			Branch: branch, State: StateReady,
			ChangedAt: now, ChangedBy: who, Reason: "indexing complete",
		}
		m.states[branch] = trans
	}
	m.mu.Unlock()

	if len(victims) == 0 && trans == nil {
		return false, nil
	}
	sortLocks(victims)

	err := m.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		for _, l := range victims {
			if err := tx.Delete(ctx, docstore.CollLocks, l.ID); err != nil {
				return err
			}
			if err := m.audit.InsertTx(ctx, tx, releaseEvent(l, who, ReasonReleased, now)); err != nil {
				return err
			}
		}
		if trans != nil {
			if err := m.writeStateTx(ctx, tx, st.State, trans); err != nil {
				return err
			}
			return m.audit.InsertTx(ctx, tx, &audit.Event{
				Time:       now,
				Action:     audit.ActionBranchState,
				ActorID:    who,
				TargetKind: "branch",
				TargetID:   branch,
				Branch:     branch,
				Success:    true,
				Changes: map[string]any{
					"from": string(st.State),
					"to":   string(StateReady),
				},
				Metadata: map[string]any{"reason": "indexing complete"},
			})
		}
		return nil
	})
	if err != nil {
		m.mu.Lock()
		for _, l := range victims {
			if _, exists := m.locks[l.ID]; !exists {
				m.locks[l.ID] = l
			}
		}
		if trans != nil && m.states[branch] == trans {
			if hadPrev {
				m.states[branch] = prev
			} else {
				delete(m.states, branch)
			}
		}
		m.mu.Unlock()
		return false, fmt.Errorf("complete indexing on %s: %w", branch, err)
	}

	for _, l := range victims {
		m.dropProgress(ctx, l.ID)
		m.released.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonReleased)))
	}
	m.log.WithFields(logrus.Fields{
		"branch": branch, "by": who,
		"released": len(victims), "ready": trans != nil,
	}).Info("indexing completed")
	return trans != nil, nil
}

// ActiveLocks snapshots the live locks, on one branch or everywhere
// when branch is empty, ordered by acquisition.
func (m *Manager) ActiveLocks(_ context.Context, branch string) []*Lock {
	now := m.now().UTC()

	m.mu.Lock()
	var out []*Lock
	for _, l := range m.locks {
		if l.pending || (branch != "" && l.Branch != branch) {
			continue
		}
		if !l.Live(now, m.cfg.HeartbeatGrace) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	m.mu.Unlock()

	sortLocks(out)
	return out
}

// Statistics summarizes held locks for the CLI and telemetry.
type Statistics struct {
	Total    int            `json:"total"`
	Expired  int            `json:"expired"`
	ByKind   map[Kind]int   `json:"by_kind"`
	ByScope  map[Scope]int  `json:"by_scope"`
	ByBranch map[string]int `json:"by_branch"`
}

// Stats counts live locks by kind, scope, and branch. Expired counts
// leases still in the table that the sweepers haven't reclaimed yet.
func (m *Manager) Stats(_ context.Context) *Statistics {
	now := m.now().UTC()
	stats := &Statistics{
		ByKind:   make(map[Kind]int),
		ByScope:  make(map[Scope]int),
		ByBranch: make(map[string]int),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.locks {
		if l.pending {
			continue
		}
		if !l.Live(now, m.cfg.HeartbeatGrace) {
			stats.Expired++
			continue
		}
		stats.Total++
		stats.ByKind[l.Kind]++
		stats.ByScope[l.Scope]++
		stats.ByBranch[l.Branch]++
	}
	return stats
}

// SweepExpired releases every expired auto-release lease. Exposed for
// the sweeper loop and tests; idempotent, so overlapping sweeps are
// harmless.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now().UTC()

	m.mu.Lock()
	var victims []*Lock
	for _, l := range m.locks {
		if l.pending || !l.AutoRelease {
			continue
		}
		if !now.Before(l.ExpiresAt) {
			victims = append(victims, l)
		}
	}
	m.mu.Unlock()
	sortLocks(victims)

	released := 0
	var errs []error
	for _, l := range victims {
		ok, err := m.release(ctx, l.ID, "lock-sweeper", ReasonTTLExpired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}

// SweepHeartbeats releases leases whose holders stopped heartbeating:
// now - last_heartbeat > interval * grace. Leases without heartbeat
// intervals are left to the TTL sweeper.
func (m *Manager) SweepHeartbeats(ctx context.Context) (int, error) {
	now := m.now().UTC()
	grace := time.Duration(m.cfg.HeartbeatGrace)

	m.mu.Lock()
	var victims []*Lock
	for _, l := range m.locks {
		if l.pending || l.HeartbeatInterval <= 0 {
			continue
		}
		last := l.LastHeartbeat
		if last.IsZero() {
			last = l.AcquiredAt
		}
		if now.Sub(last) > l.HeartbeatInterval*grace {
			victims = append(victims, l)
		}
	}
	m.mu.Unlock()
	sortLocks(victims)

	released := 0
	var errs []error
	for _, l := range victims {
		ok, err := m.release(ctx, l.ID, "heartbeat-sweeper", ReasonHeartbeatMissed)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}
