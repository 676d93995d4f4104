package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/daemon"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/logging"
	"github.com/ontoforge/oms/internal/outbox"
	"github.com/ontoforge/oms/internal/tamper"
	"github.com/ontoforge/oms/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OMS daemon",
	Long: `Start the background daemon: lock TTL and heartbeat sweepers, the
outbox dispatcher, periodic audit and outbox retention, and the
optional policy tamper watcher.

The daemon holds the store open for its lifetime. An embedded Dolt
data directory is single-writer, so admin commands against the same
directory wait until the daemon stops. Stop with SIGINT or SIGTERM;
in-flight work drains inside daemon.shutdown_budget.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	log := logging.New(opts.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "oms", Version); err != nil {
		log.WithError(err).Warn("telemetry init failed, continuing without")
	}
	defer func() {
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shctx)
	}()

	store, err := openStore(ctx, opts, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("store close failed")
		}
	}()

	versioned := docstore.NewVersioned(store)
	if err := versioned.EnsureDefault(ctx); err != nil {
		return err
	}

	aud := audit.NewStore(store, auditConfig(opts.Audit), log)

	prog, err := progressStore(opts.Lock)
	if err != nil {
		return err
	}
	defer func() { _ = prog.Close() }()

	locks := lock.NewManager(store, aud, lockConfig(opts.Lock), log, lock.WithProgressStore(prog))
	if err := locks.Load(ctx); err != nil {
		return err
	}
	sweeper := lock.NewSweeper(locks, log)

	b, err := openBus(opts.Bus)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	ob := outbox.New(store, aud, outbox.Config{MaxRetries: opts.Outbox.MaxRetries}, log)
	disp := outbox.NewDispatcher(ob, b, outbox.DispatcherConfig{
		BatchSize:       opts.Outbox.BatchSize,
		ProcessInterval: opts.Outbox.ProcessInterval,
		RetryBaseDelay:  opts.Outbox.RetryBaseDelay,
		RetryCap:        opts.Outbox.RetryCap,
		Shards:          opts.Outbox.Shards,
		SubjectPrefix:   opts.Bus.SubjectPrefix,
	}, log)

	// The detector only runs when a policy dir is configured; SIEM
	// forwarding additionally needs a bus subject.
	var det *tamper.Detector
	if opts.Tamper.PolicyDir != "" {
		var siem tamper.SIEM
		if opts.SIEM.Subject != "" && opts.Bus.Backend != "none" {
			siem = tamper.NewBusSIEM(b, opts.SIEM.Subject)
		} else {
			siem = tamper.NewLogSIEM(log)
		}
		det = tamper.NewDetector(store, aud, siem, log)
	}

	runner := daemon.New(daemon.Tasks{
		Locks:      sweeper,
		Dispatcher: disp,
		Outbox:     ob,
		Audit:      aud,
		Tamper:     det,
	}, daemon.Config{
		PIDFile:         opts.Daemon.PIDFile,
		ShutdownBudget:  opts.Daemon.ShutdownBudget,
		CleanupInterval: opts.Audit.CleanupInterval,
		OutboxRetention: opts.Outbox.Retention,
		TamperPolicyDir: opts.Tamper.PolicyDir,
		TamperWatch:     opts.Tamper.Watch,
	}, log)
	return runner.Run(ctx)
}
