// Package daemon runs the background half of OMS under one lifecycle:
// the lock sweepers, the outbox dispatcher, periodic retention
// cleanup, and the optional policy tamper watcher. A flock-held pid
// file keeps the daemon single-instance per host, and shutdown drains
// in-flight work inside a fixed budget.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/outbox"
	"github.com/ontoforge/oms/internal/tamper"
)

// Defaults for zero Config fields.
const (
	DefaultShutdownBudget  = 30 * time.Second
	DefaultCleanupInterval = 24 * time.Hour
	DefaultOutboxRetention = 24 * time.Hour

	// cleanupTimeout bounds one retention pass.
	cleanupTimeout = 5 * time.Minute
)

// ErrAlreadyRunning means another daemon holds the pid file.
var ErrAlreadyRunning = errors.New("daemon already running")

// Config tunes the runner. Zero values select the defaults above.
type Config struct {
	// PIDFile enforces single-instance when set.
	PIDFile string

	// ShutdownBudget bounds how long Stop waits for in-flight work.
	ShutdownBudget time.Duration

	// CleanupInterval is the period of the retention pass (audit
	// archival + completed outbox deletion).
	CleanupInterval time.Duration

	// OutboxRetention is how long completed outbox records stay.
	OutboxRetention time.Duration

	// TamperPolicyDir and TamperWatch enable the policy watcher.
	TamperPolicyDir string
	TamperWatch     bool
}

func (c Config) withDefaults() Config {
	if c.ShutdownBudget <= 0 {
		c.ShutdownBudget = DefaultShutdownBudget
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.OutboxRetention <= 0 {
		c.OutboxRetention = DefaultOutboxRetention
	}
	return c
}

// Tasks are the components the runner supervises. Tamper may be nil;
// everything else is required.
type Tasks struct {
	Locks      *lock.Sweeper
	Dispatcher *outbox.Dispatcher
	Outbox     *outbox.Outbox
	Audit      *audit.Store
	Tamper     *tamper.Detector
}

// Runner owns the daemon lifecycle. Build one per process and call Run
// with a context cancelled on SIGINT/SIGTERM.
type Runner struct {
	cfg   Config
	tasks Tasks
	log   *logrus.Entry

	pid *flock.Flock
}

// New builds a runner. log may be nil.
func New(tasks Tasks, cfg Config, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		cfg:   cfg.withDefaults(),
		tasks: tasks,
		log:   log.WithField("component", "daemon"),
	}
}

// Run starts every task and blocks until ctx is cancelled or a
// supervised task fails, then stops the sweepers and dispatcher inside
// the shutdown budget. A clean cancellation returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.acquirePIDFile(); err != nil {
		return err
	}
	defer r.releasePIDFile()

	r.tasks.Locks.Start()
	r.tasks.Dispatcher.Start(ctx)
	r.log.WithFields(logrus.Fields{
		"cleanup_interval": r.cfg.CleanupInterval,
		"tamper_watch":     r.cfg.TamperWatch,
	}).Info("daemon started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.cleanupLoop(gctx)
	})
	if r.cfg.TamperWatch && r.tasks.Tamper != nil {
		g.Go(func() error {
			return r.watchPolicies(gctx)
		})
	}
	err := g.Wait()

	r.stopWithBudget()
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.WithError(err).Error("daemon stopped on task failure")
		return err
	}
	r.log.Info("daemon stopped")
	return nil
}

// stopWithBudget stops intake and waits for in-flight batches, but no
// longer than the shutdown budget.
func (r *Runner) stopWithBudget() {
	done := make(chan struct{})
	go func() {
		r.tasks.Dispatcher.Stop()
		r.tasks.Locks.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownBudget):
		r.log.WithField("budget", r.cfg.ShutdownBudget).Warn("shutdown budget exhausted, abandoning in-flight work")
	}
}

func (r *Runner) acquirePIDFile() error {
	if r.cfg.PIDFile == "" {
		return nil
	}
	fl := flock.New(r.cfg.PIDFile)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock pid file %s: %w", r.cfg.PIDFile, err)
	}
	if !locked {
		return fmt.Errorf("%w: pid file %s is held", ErrAlreadyRunning, r.cfg.PIDFile)
	}
	r.pid = fl
	// Advisory: the flock is the real guard, the content is for ps.
	if err := os.WriteFile(r.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		r.log.WithError(err).Warn("pid not written to pid file")
	}
	return nil
}

func (r *Runner) releasePIDFile() {
	if r.pid == nil {
		return
	}
	if err := r.pid.Unlock(); err != nil {
		r.log.WithError(err).Warn("pid file not released")
	}
	_ = os.Remove(r.cfg.PIDFile)
	r.pid = nil
}

func (r *Runner) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cleanupPass(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// cleanupPass archives audit rows past retention and deletes completed
// outbox records. Each half runs guarded, so one failing pass never
// takes the loop down.
func (r *Runner) cleanupPass(ctx context.Context) {
	r.guard(ctx, "audit-cleanup", func() error {
		ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		defer cancel()
		n, err := r.tasks.Audit.Cleanup(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.WithField("archived", n).Info("audit retention pass completed")
		}
		return nil
	})
	r.guard(ctx, "outbox-cleanup", func() error {
		ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		defer cancel()
		n, err := r.tasks.Outbox.CleanupCompleted(ctx, r.cfg.OutboxRetention)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.WithField("deleted", n).Info("outbox retention pass completed")
		}
		return nil
	})
}

// guard runs one task pass, keeping panics and errors inside it.
// Panics are audited so an operator can spot a crashing task without
// scraping logs.
func (r *Runner) guard(ctx context.Context, task string, fn func() error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		r.log.WithField("task", task).Errorf("task panicked: %v", p)
		if err := r.tasks.Audit.Insert(ctx, &audit.Event{
			Action:       audit.ActionDaemonPanic,
			ActorID:      "system:daemon",
			ActorService: true,
			TargetKind:   "task",
			TargetID:     task,
			Success:      false,
			ErrorMessage: fmt.Sprint(p),
		}); err != nil {
			r.log.WithError(err).Warn("panic not audited")
		}
	}()
	if err := fn(); err != nil {
		r.log.WithError(err).WithField("task", task).Warn("task pass failed")
	}
}

func (r *Runner) watchPolicies(ctx context.Context) error {
	err := r.tasks.Tamper.Watch(ctx, r.cfg.TamperPolicyDir)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
