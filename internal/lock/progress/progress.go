// Package progress records heartbeat status for long-running lock
// holders so operators can watch indexing jobs. The store is advisory:
// lock liveness never depends on it, and a failing backend must not
// fail a heartbeat.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long an update outlives its last write. Progress
// is ephemeral; anything older is noise.
const DefaultTTL = 1 * time.Hour

// Update is one heartbeat's worth of status for a lock.
type Update struct {
	LockID   string    `json:"lock_id"`
	HolderID string    `json:"holder_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Percent  float64   `json:"percent"`
	At       time.Time `json:"at"`
}

// Store persists progress updates keyed by lock id.
type Store interface {
	// Put records the latest update for a lock, replacing any prior
	// one and resetting its TTL.
	Put(ctx context.Context, u Update) error

	// Get returns the latest update for a lock. The bool reports
	// whether one exists.
	Get(ctx context.Context, lockID string) (*Update, bool, error)

	// List returns all live updates ordered by lock id.
	List(ctx context.Context) ([]*Update, error)

	// Delete drops a lock's update. Unknown ids are a no-op.
	Delete(ctx context.Context, lockID string) error

	Close() error
}

type memoryEntry struct {
	update  Update
	expires time.Time
}

// Memory is an in-process Store for tests and single-node deployments
// without Redis.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-process store. ttl <= 0 selects
// DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Put(_ context.Context, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[u.LockID] = memoryEntry{update: u, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, lockID string) (*Update, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[lockID]
	m.mu.RUnlock()
	if !ok || m.now().After(e.expires) {
		return nil, false, nil
	}
	cp := e.update
	return &cp, true, nil
}

func (m *Memory) List(_ context.Context) ([]*Update, error) {
	now := m.now()
	m.mu.RLock()
	out := make([]*Update, 0, len(m.entries))
	for _, e := range m.entries {
		if now.After(e.expires) {
			continue
		}
		cp := e.update
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LockID < out[j].LockID })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, lockID)
	return nil
}

func (m *Memory) Close() error { return nil }
