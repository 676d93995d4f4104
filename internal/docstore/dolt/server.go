package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// serverDSN renders a go-sql-driver DSN for the dolt sql-server.
func serverDSN(cfg Config, database string) string {
	cred := cfg.User
	if cfg.Password != "" {
		cred += ":" + cfg.Password
	}
	return fmt.Sprintf("%s@tcp(%s)/%s?parseTime=true", cred, cfg.Addr, database)
}

// openServer connects to a dolt sql-server, creating the database and
// the collection tables on first contact.
func (s *Store) openServer(ctx context.Context) error {
	cfg := s.cfg

	if !cfg.ReadOnly {
		if err := s.ensureServerDatabase(ctx); err != nil {
			return err
		}
	}

	db, err := sql.Open("mysql", serverDSN(cfg, cfg.Database))
	if err != nil {
		return fmt.Errorf("open dolt server connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return serverConnectError(cfg.Addr, err)
	}

	if !cfg.ReadOnly {
		if err := initSchema(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
	}

	s.db = db
	return nil
}

// ensureServerDatabase creates the database through a connection that
// names no schema, since the target may not exist yet.
func (s *Store) ensureServerDatabase(ctx context.Context) error {
	init, err := sql.Open("mysql", serverDSN(s.cfg, ""))
	if err != nil {
		return fmt.Errorf("open dolt server connection: %w", err)
	}
	defer init.Close()

	_, err = init.ExecContext(ctx,
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", s.cfg.Database))
	if err != nil && !isDatabaseExists(err) {
		if isConnectionRefused(err) {
			return serverConnectError(s.cfg.Addr, err)
		}
		return fmt.Errorf("create database %s: %w", s.cfg.Database, err)
	}
	return nil
}

func serverConnectError(addr string, err error) error {
	if isConnectionRefused(err) {
		return fmt.Errorf("dolt sql-server not reachable at %s (is it running?): %w", addr, err)
	}
	return fmt.Errorf("connect to dolt sql-server at %s: %w", addr, err)
}

func isConnectionRefused(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection refused")
}

// isDatabaseExists tolerates racing CREATE DATABASE calls.
func isDatabaseExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database exists") || strings.Contains(msg, "error 1007")
}
