package models

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultLockTimeout is the default timeout for acquiring file locks.
const DefaultLockTimeout = 30 * time.Second

// lockRetryDelay is the polling interval while waiting for a file lock.
const lockRetryDelay = 50 * time.Millisecond

// Locker provides mutual exclusion for file operations.
type Locker interface {
	// Lock acquires an exclusive lock on the file.
	// Blocks until lock is acquired, the context ends or the timeout expires.
	Lock(ctx context.Context) error

	// Unlock releases the lock.
	// Safe to call multiple times.
	Unlock() error
}

// fileLock implements Locker with an advisory lock file shared between processes.
type fileLock struct {
	lock *flock.Flock

	// timeout is the maximum duration to wait for lock acquisition.
	timeout time.Duration
}

var _ Locker = (*fileLock)(nil)

// newFileLock creates a lock backed by path. The parent directory is created
// if needed; the lock file itself is created on first Lock.
func newFileLock(path string, timeout time.Duration) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &fileLock{lock: flock.New(path), timeout: timeout}, nil
}

// Lock polls for the exclusive lock until it is acquired or the timeout elapses.
func (l *fileLock) Lock(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	locked, err := l.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("lock %s: timeout after %v: %w", l.lock.Path(), l.timeout, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", l.lock.Path())
	}
	return nil
}

// Unlock releases the lock and closes the lock file handle.
func (l *fileLock) Unlock() error {
	return l.lock.Unlock()
}

// withFileLock runs fn while holding the lock file at path.
func withFileLock(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	lock, err := newFileLock(path, timeout)
	if err != nil {
		return fmt.Errorf("%w: failed to create lock: %v", ErrStorageError, err)
	}
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("%w: failed to acquire lock: %v", ErrStorageError, err)
	}
	defer lock.Unlock()
	return fn()
}
