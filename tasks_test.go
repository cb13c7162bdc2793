package models

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitStarted blocks until the blocking server has sent its first chunk.
func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not start")
	}
}

func TestTaskLifecycle(t *testing.T) {
	_, _, _, d := testStack(t)
	srv := newArtifactServer(t)
	data := []byte("task payload")
	meta := srv.add("m1", "m1.gguf", data)

	var rec eventRecorder
	task, joined, err := d.Start(context.Background(), testCatalog("1.0", meta), "m1", WithProgress(rec.record))
	require.NoError(t, err)
	assert.False(t, joined)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "m1", task.ModelID)
	assert.False(t, task.StartedAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), res.SizeBytes)
	assert.Equal(t, StatePublished, task.State())

	// Finished tasks are no longer tracked.
	_, ok := d.InFlight("m1")
	assert.False(t, ok)
	assert.Empty(t, d.Active())
	assert.False(t, d.Cancel("m1"))

	assert.Len(t, rec.terminal(), 1)
}

func TestTaskStartNotFound(t *testing.T) {
	_, _, _, d := testStack(t)

	var rec eventRecorder
	task, joined, err := d.Start(context.Background(), testCatalog("1.0", testModel("m1")), "missing", WithProgress(rec.record))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, task)
	assert.False(t, joined)
	assert.Empty(t, rec.all(), "no progress is emitted for unknown ids")

	_, _, err = d.Start(context.Background(), nil, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskJoin(t *testing.T) {
	_, _, _, d := testStack(t)
	srv, started, release := blockingServer(t, bytes.Repeat([]byte("a"), 64), 128)

	meta := testModel("m1")
	meta.DownloadURL = srv.URL + "/m1.gguf"

	first, joined := d.StartMetadata(context.Background(), meta)
	require.False(t, joined)
	waitStarted(t, started)

	second, joined := d.StartMetadata(context.Background(), meta, WithForce())
	assert.True(t, joined)
	assert.Same(t, first, second)

	inFlight, ok := d.InFlight("m1")
	require.True(t, ok)
	assert.Same(t, first, inFlight)
	assert.Equal(t, StateFetching, first.State())

	active := d.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "m1", active[0].ModelID)

	// The server never sends the rest; releasing it truncates the body.
	close(release)
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	_, err := second.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, first.State())
}

func TestTaskCancel(t *testing.T) {
	_, _, _, d := testStack(t)
	srv, started, _ := blockingServer(t, bytes.Repeat([]byte("a"), 64), 1<<20)

	meta := testModel("m1")
	meta.DownloadURL = srv.URL + "/m1.gguf"

	var rec eventRecorder
	task, _ := d.StartMetadata(context.Background(), meta, WithProgress(rec.record))
	waitStarted(t, started)

	assert.True(t, d.Cancel("m1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, task.State())

	terminal := rec.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, ProgressStatusCancelled, terminal[0].Status)

	// Cancelling a finished task is a no-op.
	assert.NotPanics(t, task.Cancel)
}

func TestTaskOutlivesCallerContext(t *testing.T) {
	_, _, _, d := testStack(t)
	srv := newArtifactServer(t)
	meta := srv.add("m1", "m1.gguf", []byte("payload"))

	ctx, cancel := context.WithCancel(context.Background())
	task, _ := d.StartMetadata(ctx, meta)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	_, err := task.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, StatePublished, task.State())
}

func TestTaskWaitContext(t *testing.T) {
	_, _, _, d := testStack(t)
	srv, started, _ := blockingServer(t, []byte("a"), 1<<20)

	meta := testModel("m1")
	meta.DownloadURL = srv.URL + "/m1.gguf"

	task, _ := d.StartMetadata(context.Background(), meta)
	waitStarted(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Giving up on waiting leaves the task running.
	_, ok := d.InFlight("m1")
	assert.True(t, ok)

	task.Cancel()
	<-task.Done()
}
