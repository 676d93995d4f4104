//go:build cgo

package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	embedded "github.com/dolthub/driver"
)

// openEmbedded starts the in-process engine against cfg.Path. The
// database and schema are provisioned through short-lived connectors
// before the long-lived one opens.
func (s *Store) openEmbedded(ctx context.Context) error {
	cfg := s.cfg

	if info, statErr := os.Stat(cfg.Path); statErr == nil && !info.IsDir() {
		return fmt.Errorf("database path %q is a file, not a directory", cfg.Path)
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	// The embedded driver stacks relative paths onto its own working
	// directory, so the DSN must carry an absolute one.
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return fmt.Errorf("resolve database directory: %w", err)
	}

	access, err := acquireAccessLock(ctx, absPath, cfg.ReadOnly, cfg.OpenTimeout)
	if err != nil {
		return err
	}

	initDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s",
		absPath, cfg.CommitterName, cfg.CommitterEmail)
	dbDSN := fmt.Sprintf("%s&database=%s", initDSN, cfg.Database)

	if !cfg.ReadOnly {
		err := withEmbedded(ctx, initDSN, func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
			return err
		})
		if err != nil {
			_ = access.release()
			return fmt.Errorf("create dolt database: %w", err)
		}
		err = withEmbedded(ctx, dbDSN, func(ctx context.Context, db *sql.DB) error {
			return initSchema(ctx, db)
		})
		if err != nil {
			_ = access.release()
			return fmt.Errorf("initialize schema: %w", err)
		}
	}

	db, connector, err := openEmbeddedConnection(dbDSN)
	if err != nil {
		_ = access.release()
		return err
	}

	// The engine reuses the session context from its first connection
	// across later statements, so a caller context that gets canceled
	// after open would poison the pool. Ping with a background one.
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		_ = connector.Close()
		_ = access.release()
		return fmt.Errorf("ping dolt database: %w", err)
	}

	s.db = db
	s.connector = connector
	s.access = access
	return nil
}

// withEmbedded runs one unit of work on a short-lived embedded
// connector, closing it afterwards to release the engine's filesystem
// locks.
func withEmbedded(ctx context.Context, dsn string, fn func(context.Context, *sql.DB) error) (err error) {
	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return err
	}
	cfg.BackOff = newOpenBackoff()

	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	defer func() {
		cerr := errors.Join(
			ignoreCanceled(db.Close()),
			ignoreCanceled(connector.Close()),
		)
		err = errors.Join(err, cerr)
	}()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return fn(ctx, db)
}

// ignoreCanceled drops the context.Canceled noise the engine's
// shutdown plumbing can surface from close paths.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openEmbeddedConnection(dsn string) (*sql.DB, *embedded.Connector, error) {
	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dolt DSN: %w", err)
	}
	cfg.BackOff = newOpenBackoff()

	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// The embedded engine is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, connector, nil
}
