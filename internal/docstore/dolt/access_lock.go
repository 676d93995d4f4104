package dolt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrBusy reports that another process holds the embedded data
// directory.
var ErrBusy = errors.New("dolt data directory is locked by another process")

const lockPollInterval = 50 * time.Millisecond

// accessLock serializes process access to an embedded data directory.
// Writers hold it exclusively; read-only opens share it.
type accessLock struct {
	fl *flock.Flock
}

// acquireAccessLock polls for the directory lock until the timeout
// passes. The lock file sits beside the data directory so the engine
// keeps full ownership of everything inside it.
func acquireAccessLock(ctx context.Context, dir string, readOnly bool, timeout time.Duration) (*accessLock, error) {
	lockPath := filepath.Join(filepath.Dir(dir), filepath.Base(dir)+".lock")
	fl := flock.New(lockPath)

	deadline := time.Now().Add(timeout)
	for {
		var (
			got bool
			err error
		)
		if readOnly {
			got, err = fl.TryRLock()
		} else {
			got, err = fl.TryLock()
		}
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", lockPath, err)
		}
		if got {
			return &accessLock{fl: fl}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, lockPath)
		}
		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release drops the lock. Nil-safe and idempotent.
func (l *accessLock) release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	fl := l.fl
	l.fl = nil
	return fl.Unlock()
}
