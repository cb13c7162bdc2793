package models

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "m1.lock")

	first, err := newFileLock(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Lock(context.Background()))

	second, err := newFileLock(path, 150*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	err = second.Lock(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock(context.Background()))
	require.NoError(t, second.Unlock())

	// Unlock is safe to repeat.
	assert.NoError(t, second.Unlock())
}

func TestFileLockContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m1.lock")

	holder, err := newFileLock(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, holder.Lock(context.Background()))
	defer holder.Unlock()

	waiter, err := newFileLock(path, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err = waiter.Lock(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFileLockDefaultTimeout(t *testing.T) {
	l, err := newFileLock(filepath.Join(t.TempDir(), "x.lock"), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLockTimeout, l.timeout)
}

func TestWithFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json.lock")

	ran := false
	err := withFileLock(context.Background(), path, time.Second, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	boom := errors.New("boom")
	err = withFileLock(context.Background(), path, time.Second, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	t.Run("contended", func(t *testing.T) {
		holder, err := newFileLock(path, time.Second)
		require.NoError(t, err)
		require.NoError(t, holder.Lock(context.Background()))
		defer holder.Unlock()

		err = withFileLock(context.Background(), path, 100*time.Millisecond, func() error {
			t.Error("fn must not run without the lock")
			return nil
		})
		assert.ErrorIs(t, err, ErrStorageError)
	})
}
