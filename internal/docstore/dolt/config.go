package dolt

import (
	"fmt"
	"regexp"
	"time"
)

// Mode selects how the store reaches Dolt.
type Mode string

const (
	// ModeEmbedded runs the Dolt engine in-process (requires cgo).
	ModeEmbedded Mode = "embedded"

	// ModeServer connects to a running dolt sql-server over the MySQL
	// wire protocol.
	ModeServer Mode = "server"
)

// Config describes a Dolt-backed document store.
type Config struct {
	// Path is the data directory for embedded mode.
	Path string

	// Mode defaults to embedded.
	Mode Mode

	// Addr is the host:port of a dolt sql-server (server mode).
	Addr     string
	User     string
	Password string

	// Database is the Dolt database name.
	Database string

	// Branch pins the session to a Dolt branch, creating it on first
	// use. Empty keeps the server's default.
	Branch string

	// CommitterName and CommitterEmail identify mirrored history
	// commits. CommitterName is the fallback when the logical commit
	// has no author.
	CommitterName  string
	CommitterEmail string

	// OpenTimeout bounds the wait for the embedded access lock.
	OpenTimeout time.Duration

	// ReadOnly opens embedded mode with a shared access lock and
	// disables schema init and mirroring.
	ReadOnly bool
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeEmbedded
	}
	if c.Database == "" {
		c.Database = "oms"
	}
	if c.CommitterName == "" {
		c.CommitterName = "oms"
	}
	if c.CommitterEmail == "" {
		c.CommitterEmail = "oms@localhost"
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	switch c.Mode {
	case ModeEmbedded:
		if c.Path == "" {
			return fmt.Errorf("dolt: embedded mode needs a path")
		}
	case ModeServer:
		if c.Addr == "" {
			return fmt.Errorf("dolt: server mode needs an address")
		}
		if c.User == "" {
			return fmt.Errorf("dolt: server mode needs a user")
		}
	default:
		return fmt.Errorf("dolt: unknown mode %q", c.Mode)
	}
	if err := validateDatabaseName(c.Database); err != nil {
		return err
	}
	if c.Branch != "" {
		return validateRef(c.Branch)
	}
	return nil
}

var databaseNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// validateDatabaseName rejects names that could escape the backtick
// quoting in CREATE DATABASE.
func validateDatabaseName(name string) error {
	if name == "" || len(name) > 64 || !databaseNameRe.MatchString(name) {
		return fmt.Errorf("dolt: invalid database name %q", name)
	}
	return nil
}

var refRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// validateRef rejects branch names and commit hashes that cannot be
// handed to DOLT_* procedures.
func validateRef(ref string) error {
	if ref == "" || len(ref) > 128 || !refRe.MatchString(ref) {
		return fmt.Errorf("dolt: invalid ref %q", ref)
	}
	return nil
}
