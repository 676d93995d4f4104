package dolt

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
)

// newOpenBackoff returns the retry policy used while an embedded
// database starts up. BackOff implementations are stateful, so every
// open gets a fresh instance.
func newOpenBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// newServerRetryBackoff returns the retry policy for transient failures
// against a dolt sql-server.
func newServerRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// isRetryableError reports whether a server-mode error is worth
// retrying: dropped connections, restarts, replica failover.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, probe := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}

// isSerializationError reports whether a transaction failed a commit
// race and should be retried from the top. Dolt surfaces these as
// optimistic lock failures or generic 1213/1105 errors.
func isSerializationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	// Empty commits are reported as errors by some dolt versions but
	// are not conflicts.
	if strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "no changes to commit") {
		return false
	}
	return strings.Contains(msg, "optimistic lock failed") ||
		strings.Contains(msg, "serialization failure") ||
		strings.Contains(msg, "error 1213") ||
		strings.Contains(msg, "error 1105")
}

// isDuplicateKeyError matches primary and unique key violations from
// both the mysql wire driver and the embedded engine.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate primary key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate unique key")
}

// isNothingToCommit matches the error DOLT_COMMIT raises when the
// working set is clean.
func isNothingToCommit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nothing to commit") ||
		strings.Contains(msg, "no changes to commit")
}

// closeWithTimeout guards Close calls that can wedge when the embedded
// engine is mid-flush.
func closeWithTimeout(c io.Closer, name string, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Close()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%s close timed out after %s", name, timeout)
	}
}
