package dolt

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mirror records the current working set as a native dolt commit so
// the storage-level history tracks every logical commit. Clean
// working sets and read-only stores are no-ops.
func (s *Store) Mirror(ctx context.Context, author, message string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, s.commitAuthor(author))
	if err != nil && !isNothingToCommit(err) {
		return fmt.Errorf("dolt commit: %w", err)
	}
	return nil
}

// commitAuthor renders a git author string. Procedure mode attributes
// commits to the SQL user unless an author is passed explicitly.
func (s *Store) commitAuthor(author string) string {
	name := author
	if name == "" {
		name = s.cfg.CommitterName
	}
	return fmt.Sprintf("%s <%s>", name, s.cfg.CommitterEmail)
}

// MirrorBranch creates the native branch behind a logical one.
// Branches that already exist are left alone.
func (s *Store) MirrorBranch(ctx context.Context, name, parent string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return nil
	}
	if err := validateRef(name); err != nil {
		return err
	}

	var err error
	if parent != "" {
		if err := validateRef(parent); err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, "CALL DOLT_BRANCH(?, ?)", name, parent)
	} else {
		_, err = s.db.ExecContext(ctx, "CALL DOLT_BRANCH(?)", name)
	}
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("dolt branch %s: %w", name, err)
	}
	return nil
}

// MirrorBranchDrop force-deletes the native branch behind a logical
// one. Missing branches are a no-op.
func (s *Store) MirrorBranchDrop(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return nil
	}
	if err := validateRef(name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_BRANCH('-D', ?)", name); err != nil && !isBranchNotFound(err) {
		return fmt.Errorf("dolt branch -D %s: %w", name, err)
	}
	return nil
}

func isBranchNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}

// MergeBase resolves the nearest common ancestor of two native
// branches in the dolt commit graph.
func (s *Store) MergeBase(ctx context.Context, a, b string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if err := validateRef(a); err != nil {
		return "", err
	}
	if err := validateRef(b); err != nil {
		return "", err
	}
	var base string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT DOLT_MERGE_BASE(?, ?)", a, b).Scan(&base)
	})
	if err != nil {
		return "", s.wrapErr(fmt.Errorf("dolt merge-base %s %s: %w", a, b, err))
	}
	return base, nil
}

// NativeBranches lists branches in the dolt commit graph. These can
// trail the logical branch list between mirror calls.
func (s *Store) NativeBranches(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM dolt_branches ORDER BY name")
	if err != nil {
		return nil, s.wrapErr(fmt.Errorf("list dolt branches: %w", err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list dolt branches: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dolt branches: %w", err)
	}
	return names, nil
}

// CommitInfo is one entry from the native dolt log.
type CommitInfo struct {
	Hash      string
	Committer string
	Email     string
	Date      time.Time
	Message   string
}

// Log returns up to limit entries from the native commit history,
// newest first.
func (s *Store) Log(ctx context.Context, limit int) ([]CommitInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT commit_hash, committer, email, date, message FROM dolt_log ORDER BY date DESC LIMIT %d", limit))
	if err != nil {
		return nil, s.wrapErr(fmt.Errorf("dolt log: %w", err))
	}
	defer rows.Close()

	var commits []CommitInfo
	for rows.Next() {
		var c CommitInfo
		if err := rows.Scan(&c.Hash, &c.Committer, &c.Email, &c.Date, &c.Message); err != nil {
			return nil, fmt.Errorf("dolt log: %w", err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dolt log: %w", err)
	}
	return commits, nil
}
