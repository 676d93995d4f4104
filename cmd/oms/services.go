package main

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/branchsvc"
	"github.com/ontoforge/oms/internal/bus"
	"github.com/ontoforge/oms/internal/config"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/lock/progress"
	"github.com/ontoforge/oms/internal/logging"
	"github.com/ontoforge/oms/internal/merge"
	"github.com/ontoforge/oms/internal/outbox"
	"github.com/ontoforge/oms/internal/tamper"
)

// services is the component stack the one-shot admin commands operate
// on. serve wires its own richer set (sweepers, dispatcher, bus).
type services struct {
	opts      *config.Options
	log       *logrus.Logger
	store     docstore.Store
	versioned *docstore.Versioned
	audit     *audit.Store
	locks     *lock.Manager
	outbox    *outbox.Outbox
}

// openServices opens the configured store and builds the admin stack
// over it. Component logs stay at warn level so command output owns
// stdout; --verbose lifts the level. Callers must Close.
func openServices(ctx context.Context) (*services, error) {
	opts, err := loadOptions()
	if err != nil {
		return nil, err
	}
	logOpts := opts.Log
	if !verbose && !quiet {
		logOpts.Level = "warn"
	}
	log := logging.New(logOpts)

	store, err := openStore(ctx, opts, log)
	if err != nil {
		return nil, err
	}
	versioned := docstore.NewVersioned(store)
	if err := versioned.EnsureDefault(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	aud := audit.NewStore(store, auditConfig(opts.Audit), log)
	locks := lock.NewManager(store, aud, lockConfig(opts.Lock), log)
	if err := locks.Load(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	ob := outbox.New(store, aud, outbox.Config{MaxRetries: opts.Outbox.MaxRetries}, log)

	return &services{
		opts:      opts,
		log:       log,
		store:     store,
		versioned: versioned,
		audit:     aud,
		locks:     locks,
		outbox:    ob,
	}, nil
}

func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		s.log.WithError(err).Warn("store close failed")
	}
}

// branchService builds the branch write path over the open stores.
func (s *services) branchService(dryRun bool) *branchsvc.Service {
	cfg := mergeConfig(s.opts.Merge)
	cfg.DryRun = dryRun
	return branchsvc.New(s.versioned, s.locks, s.outbox, s.audit, cfg, s.log)
}

// detector builds a tamper detector that reports findings locally.
func (s *services) detector() *tamper.Detector {
	return tamper.NewDetector(s.store, s.audit, tamper.NewLogSIEM(s.log), s.log)
}

func auditConfig(o config.AuditOptions) audit.Config {
	return audit.Config{
		DefaultRetentionDays: o.DefaultRetentionDays,
		BatchHashEnabled:     o.BatchHashEnabled,
	}
}

func lockConfig(o config.LockOptions) lock.Config {
	return lock.Config{
		DefaultTTL:             o.DefaultTTL,
		IndexingTTL:            o.IndexingTTL,
		HeartbeatGrace:         o.HeartbeatGrace,
		HeartbeatCheckInterval: o.HeartbeatCheckInterval,
		TTLCheckInterval:       o.TTLCheckInterval,
	}
}

func mergeConfig(o config.MergeOptions) merge.Config {
	cfg := merge.DefaultConfig()
	cfg.Threshold = merge.ParseSeverity(o.AutoResolveThreshold)
	cfg.StrictMode = o.StrictMode
	if len(o.IDFields) > 0 {
		cfg.IDFields = o.IDFields
	}
	cfg.IgnoreKeys = o.IgnoreFields
	cfg.DisableWidening = !o.EnableTypeWidening
	return cfg
}

// progressStore selects where heartbeat progress lives. A bare
// host:port is accepted alongside a full redis:// URL.
func progressStore(o config.LockOptions) (progress.Store, error) {
	if o.ProgressRedisAddr == "" {
		return progress.NewMemory(0), nil
	}
	url := o.ProgressRedisAddr
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	return progress.NewRedis(url)
}

// openBus connects the configured broker. Backend "none" selects the
// in-process bus: dispatched events are marked delivered without
// leaving the host.
func openBus(o config.BusOptions) (bus.Bus, error) {
	switch o.Backend {
	case "nats":
		return bus.NewNATS(o.URL, "oms")
	case "amqp":
		return bus.NewAMQP(o.URL)
	default:
		return bus.NewMemory(), nil
	}
}
