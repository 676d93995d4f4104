// Package config loads the OMS configuration: built-in defaults, then
// an optional YAML file, then OMS_* environment overrides. Components
// never read configuration themselves; the daemon and CLI load an
// Options once and pass the pieces down.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Error reports an invalid configuration value. Configuration errors
// fail fast: the process must not start on a bad config.
type Error struct {
	Key    string
	Value  any
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s=%v: %s", e.Key, e.Value, e.Reason)
}

// Options is the full configuration tree.
type Options struct {
	Lock   LockOptions
	Merge  MergeOptions
	Outbox OutboxOptions
	Audit  AuditOptions
	Store  StoreOptions
	Bus    BusOptions
	Tamper TamperOptions
	SIEM   SIEMOptions
	Log    LogOptions
	Daemon DaemonOptions
}

// LockOptions tunes the lock manager and its sweepers.
type LockOptions struct {
	DefaultTTL             time.Duration
	IndexingTTL            time.Duration
	HeartbeatGrace         int
	HeartbeatCheckInterval time.Duration
	TTLCheckInterval       time.Duration

	// ProgressRedisAddr enables the Redis-backed indexing progress
	// store when set; empty keeps progress in memory.
	ProgressRedisAddr string
}

// MergeOptions tunes the three-way merge engine.
type MergeOptions struct {
	// AutoResolveThreshold is the highest conflict severity the
	// engine may auto-resolve: INFO, WARN, ERROR, or BLOCK.
	AutoResolveThreshold string
	StrictMode           bool
	IDFields             []string
	IgnoreFields         []string
	EnableTypeWidening   bool
}

// OutboxOptions tunes the outbox and its dispatcher.
type OutboxOptions struct {
	BatchSize       int
	ProcessInterval time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryCap        time.Duration
	Shards          int

	// Retention is how long completed records stay before cleanup.
	Retention time.Duration
}

// AuditOptions tunes the audit store.
type AuditOptions struct {
	// DefaultRetentionDays applies to actions outside the known
	// retention classes.
	DefaultRetentionDays int
	BatchHashEnabled     bool
	CleanupInterval      time.Duration
}

// StoreOptions selects and configures the document store backend.
type StoreOptions struct {
	// Backend is "memory" or "dolt".
	Backend string

	// Path is the data directory for the embedded dolt backend.
	Path string

	// Mode is "embedded" or "server" (dolt only).
	Mode string

	// Server-mode connection settings.
	Addr     string
	User     string
	Password string
	Database string
}

// BusOptions selects and configures the message bus backend.
type BusOptions struct {
	// Backend is "nats", "amqp", or "none".
	Backend string
	URL     string

	// SubjectPrefix is prepended to every published event type.
	SubjectPrefix string
}

// TamperOptions configures policy tamper detection.
type TamperOptions struct {
	PolicyDir string
	Watch     bool
}

// SIEMOptions configures tamper event forwarding. An empty subject
// disables the bus forwarder.
type SIEMOptions struct {
	Subject string
}

// LogOptions configures the process logger.
type LogOptions struct {
	Level  string
	Format string
	File   string
}

// DaemonOptions configures the background runner.
type DaemonOptions struct {
	ShutdownBudget time.Duration
	PIDFile        string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lock.default_ttl", 2*time.Hour)
	v.SetDefault("lock.indexing_ttl", 4*time.Hour)
	v.SetDefault("lock.heartbeat_grace", 3)
	v.SetDefault("lock.heartbeat_check_interval", 30*time.Second)
	v.SetDefault("lock.ttl_check_interval", 5*time.Minute)
	v.SetDefault("lock.progress.redis_addr", "")

	v.SetDefault("merge.auto_resolve_threshold", "WARN")
	v.SetDefault("merge.strict_mode", false)
	v.SetDefault("merge.id_fields", []string{"@id", "name", "id"})
	v.SetDefault("merge.ignore_fields", []string{"@timestamp", "@version"})
	v.SetDefault("merge.enable_type_widening", true)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.process_interval", time.Second)
	v.SetDefault("outbox.max_retries", 3)
	v.SetDefault("outbox.retry_base_delay", time.Second)
	v.SetDefault("outbox.retry_cap", 5*time.Minute)
	v.SetDefault("outbox.shards", 1)
	v.SetDefault("outbox.retention", 24*time.Hour)

	v.SetDefault("audit.default_retention", 2555)
	v.SetDefault("audit.batch_hash_enabled", true)
	v.SetDefault("audit.cleanup_interval", 24*time.Hour)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "")
	v.SetDefault("store.mode", "embedded")
	v.SetDefault("store.addr", "")
	v.SetDefault("store.user", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.database", "oms")

	v.SetDefault("bus.backend", "none")
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.subject_prefix", "")

	v.SetDefault("tamper.policy_dir", "")
	v.SetDefault("tamper.watch", false)

	v.SetDefault("siem.subject", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("daemon.shutdown_budget", 30*time.Second)
	v.SetDefault("daemon.pid_file", "")
}

func fromViper(v *viper.Viper) *Options {
	return &Options{
		Lock: LockOptions{
			DefaultTTL:             v.GetDuration("lock.default_ttl"),
			IndexingTTL:            v.GetDuration("lock.indexing_ttl"),
			HeartbeatGrace:         v.GetInt("lock.heartbeat_grace"),
			HeartbeatCheckInterval: v.GetDuration("lock.heartbeat_check_interval"),
			TTLCheckInterval:       v.GetDuration("lock.ttl_check_interval"),
			ProgressRedisAddr:      v.GetString("lock.progress.redis_addr"),
		},
		Merge: MergeOptions{
			AutoResolveThreshold: v.GetString("merge.auto_resolve_threshold"),
			StrictMode:           v.GetBool("merge.strict_mode"),
			IDFields:             v.GetStringSlice("merge.id_fields"),
			IgnoreFields:         v.GetStringSlice("merge.ignore_fields"),
			EnableTypeWidening:   v.GetBool("merge.enable_type_widening"),
		},
		Outbox: OutboxOptions{
			BatchSize:       v.GetInt("outbox.batch_size"),
			ProcessInterval: v.GetDuration("outbox.process_interval"),
			MaxRetries:      v.GetInt("outbox.max_retries"),
			RetryBaseDelay:  v.GetDuration("outbox.retry_base_delay"),
			RetryCap:        v.GetDuration("outbox.retry_cap"),
			Shards:          v.GetInt("outbox.shards"),
			Retention:       v.GetDuration("outbox.retention"),
		},
		Audit: AuditOptions{
			DefaultRetentionDays: v.GetInt("audit.default_retention"),
			BatchHashEnabled:     v.GetBool("audit.batch_hash_enabled"),
			CleanupInterval:      v.GetDuration("audit.cleanup_interval"),
		},
		Store: StoreOptions{
			Backend:  v.GetString("store.backend"),
			Path:     v.GetString("store.path"),
			Mode:     v.GetString("store.mode"),
			Addr:     v.GetString("store.addr"),
			User:     v.GetString("store.user"),
			Password: v.GetString("store.password"),
			Database: v.GetString("store.database"),
		},
		Bus: BusOptions{
			Backend:       v.GetString("bus.backend"),
			URL:           v.GetString("bus.url"),
			SubjectPrefix: v.GetString("bus.subject_prefix"),
		},
		Tamper: TamperOptions{
			PolicyDir: v.GetString("tamper.policy_dir"),
			Watch:     v.GetBool("tamper.watch"),
		},
		SIEM: SIEMOptions{
			Subject: v.GetString("siem.subject"),
		},
		Log: LogOptions{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		Daemon: DaemonOptions{
			ShutdownBudget: v.GetDuration("daemon.shutdown_budget"),
			PIDFile:        v.GetString("daemon.pid_file"),
		},
	}
}

// Load reads the configuration. path selects an explicit file; when
// empty, oms.yaml is searched in ".", "$HOME/.oms", and "/etc/oms",
// and a missing file means defaults only. OMS_* environment variables
// override both, with dots spelled as underscores
// (OMS_LOCK_DEFAULT_TTL=1h overrides lock.default_ttl).
func Load(path string) (*Options, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("OMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Key: "config", Value: path, Reason: err.Error()}
		}
	} else {
		v.SetConfigName("oms")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.oms")
		v.AddConfigPath("/etc/oms")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &Error{Key: "config", Value: "oms.yaml", Reason: err.Error()}
			}
		}
	}

	opts := fromViper(v)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

var severityNames = map[string]bool{"INFO": true, "WARN": true, "ERROR": true, "BLOCK": true}

// Validate checks cross-field constraints and enumerated values.
// Returns the first problem as an *Error.
func (o *Options) Validate() error {
	if o.Lock.DefaultTTL <= 0 {
		return &Error{Key: "lock.default_ttl", Value: o.Lock.DefaultTTL, Reason: "must be positive"}
	}
	if o.Lock.IndexingTTL <= 0 {
		return &Error{Key: "lock.indexing_ttl", Value: o.Lock.IndexingTTL, Reason: "must be positive"}
	}
	if o.Lock.HeartbeatGrace < 1 {
		return &Error{Key: "lock.heartbeat_grace", Value: o.Lock.HeartbeatGrace, Reason: "must be at least 1"}
	}
	if o.Lock.HeartbeatCheckInterval <= 0 {
		return &Error{Key: "lock.heartbeat_check_interval", Value: o.Lock.HeartbeatCheckInterval, Reason: "must be positive"}
	}
	if o.Lock.TTLCheckInterval <= 0 {
		return &Error{Key: "lock.ttl_check_interval", Value: o.Lock.TTLCheckInterval, Reason: "must be positive"}
	}

	threshold := strings.ToUpper(o.Merge.AutoResolveThreshold)
	if !severityNames[threshold] {
		return &Error{Key: "merge.auto_resolve_threshold", Value: o.Merge.AutoResolveThreshold, Reason: "must be INFO, WARN, ERROR, or BLOCK"}
	}

	if o.Outbox.BatchSize < 1 {
		return &Error{Key: "outbox.batch_size", Value: o.Outbox.BatchSize, Reason: "must be at least 1"}
	}
	if o.Outbox.ProcessInterval <= 0 {
		return &Error{Key: "outbox.process_interval", Value: o.Outbox.ProcessInterval, Reason: "must be positive"}
	}
	if o.Outbox.MaxRetries < 0 {
		return &Error{Key: "outbox.max_retries", Value: o.Outbox.MaxRetries, Reason: "must not be negative"}
	}
	if o.Outbox.Shards < 1 {
		return &Error{Key: "outbox.shards", Value: o.Outbox.Shards, Reason: "must be at least 1"}
	}

	if o.Audit.DefaultRetentionDays < 1 {
		return &Error{Key: "audit.default_retention", Value: o.Audit.DefaultRetentionDays, Reason: "must be at least 1 day"}
	}

	switch o.Store.Backend {
	case "memory":
	case "dolt":
		switch o.Store.Mode {
		case "embedded":
			if o.Store.Path == "" {
				return &Error{Key: "store.path", Value: "", Reason: "required for embedded dolt"}
			}
		case "server":
			if o.Store.Addr == "" {
				return &Error{Key: "store.addr", Value: "", Reason: "required for dolt server mode"}
			}
		default:
			return &Error{Key: "store.mode", Value: o.Store.Mode, Reason: "must be embedded or server"}
		}
	default:
		return &Error{Key: "store.backend", Value: o.Store.Backend, Reason: "must be memory or dolt"}
	}

	switch o.Bus.Backend {
	case "none":
	case "nats", "amqp":
		if o.Bus.URL == "" {
			return &Error{Key: "bus.url", Value: "", Reason: "required for " + o.Bus.Backend}
		}
	default:
		return &Error{Key: "bus.backend", Value: o.Bus.Backend, Reason: "must be nats, amqp, or none"}
	}

	if o.SIEM.Subject != "" && o.Bus.Backend == "none" {
		return &Error{Key: "siem.subject", Value: o.SIEM.Subject, Reason: "requires a bus backend"}
	}
	if o.Tamper.Watch && o.Tamper.PolicyDir == "" {
		return &Error{Key: "tamper.policy_dir", Value: "", Reason: "required when tamper.watch is on"}
	}

	switch strings.ToLower(o.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return &Error{Key: "log.level", Value: o.Log.Level, Reason: "not a log level"}
	}
	switch o.Log.Format {
	case "", "text", "json":
	default:
		return &Error{Key: "log.format", Value: o.Log.Format, Reason: "must be text or json"}
	}

	if o.Daemon.ShutdownBudget <= 0 {
		return &Error{Key: "daemon.shutdown_budget", Value: o.Daemon.ShutdownBudget, Reason: "must be positive"}
	}
	return nil
}
