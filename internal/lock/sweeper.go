package lock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sweepTimeout bounds one sweep pass so a stuck store cannot wedge the
// loop.
const sweepTimeout = 30 * time.Second

// Sweeper runs the manager's two reclaim loops in the background: the
// TTL sweeper releases expired auto-release leases, the heartbeat
// sweeper releases leases whose holders went quiet. Both passes are
// idempotent, so restarts and overlapping deployments are safe.
type Sweeper struct {
	mgr *Manager
	log *logrus.Entry

	ttlInterval time.Duration
	hbInterval  time.Duration

	mu           sync.Mutex
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewSweeper builds a sweeper over the manager using the manager's
// configured intervals.
func NewSweeper(m *Manager, log *logrus.Logger) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{
		mgr:         m,
		log:         log.WithField("component", "lock-sweeper"),
		ttlInterval: m.cfg.TTLCheckInterval,
		hbInterval:  m.cfg.HeartbeatCheckInterval,
	}
}

// Start launches both loops. Idempotent: a running sweeper is left
// alone.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownChan != nil {
		return
	}
	s.shutdownChan = make(chan struct{})
	s.wg.Add(2)
	go s.ttlLoop(s.shutdownChan)
	go s.heartbeatLoop(s.shutdownChan)
	s.log.WithFields(logrus.Fields{
		"ttl_interval":       s.ttlInterval,
		"heartbeat_interval": s.hbInterval,
	}).Debug("lock sweepers started")
}

// Stop signals both loops and waits for them to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	ch := s.shutdownChan
	s.shutdownChan = nil
	s.mu.Unlock()
	if ch == nil {
		return
	}
	close(ch)
	s.wg.Wait()
}

func (s *Sweeper) ttlLoop(shutdown <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ttlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runPass("ttl", s.mgr.SweepExpired)
		case <-shutdown:
			return
		}
	}
}

func (s *Sweeper) heartbeatLoop(shutdown <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runPass("heartbeat", s.mgr.SweepHeartbeats)
		case <-shutdown:
			return
		}
	}
}

func (s *Sweeper) runPass(name string, sweep func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := sweep(ctx)
	if err != nil {
		s.log.WithError(err).WithField("sweep", name).Warn("sweep pass failed")
		return
	}
	if n > 0 {
		s.log.WithFields(logrus.Fields{"sweep": name, "released": n}).Info("stale locks reclaimed")
	}
}
