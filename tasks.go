package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is a background download of one artifact. At most one Task per
// artifact id is in flight; Start joins callers onto the existing one.
type Task struct {
	// ID identifies this attempt.
	ID string

	// ModelID is the artifact being downloaded.
	ModelID string

	// StartedAt is when the task was started.
	StartedAt time.Time

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	// result and err are set before done is closed.
	result DownloadResult
	err    error
	once   sync.Once
}

// State returns the current state of the attempt.
func (t *Task) State() DownloadState {
	return DownloadState(t.state.Load())
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cancellation. It is a no-op once the task has finished.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes or ctx is done. Cancelling ctx stops
// waiting but does not cancel the task.
func (t *Task) Wait(ctx context.Context) (DownloadResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return DownloadResult{}, ctx.Err()
	}
}

func (t *Task) finish(res DownloadResult, err error) {
	t.once.Do(func() {
		t.result = res
		t.err = err
		close(t.done)
	})
}

// Start launches a background download of the catalog model id. An unknown
// id fails with ErrNotFound before anything is started and no progress
// event is emitted. If a download of id is already in flight, that task is
// returned with joined set and opts are ignored.
func (d *Downloader) Start(ctx context.Context, catalog *CatalogDocument, id string, opts ...DownloadOption) (task *Task, joined bool, err error) {
	var models []ModelMetadata
	if catalog != nil {
		models = catalog.Models
	}
	meta, ok := FindModel(models, id)
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	task, joined = d.StartMetadata(ctx, meta, opts...)
	return task, joined, nil
}

// StartMetadata launches a background download of meta, or joins the
// download of meta.ID already in flight.
func (d *Downloader) StartMetadata(ctx context.Context, meta ModelMetadata, opts ...DownloadOption) (*Task, bool) {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()

	if existing, ok := d.tasks[meta.ID]; ok {
		d.logger.Debug("joining in-flight download", "model", meta.ID, "task", existing.ID)
		return existing, true
	}

	// The task outlives the caller's request; only values are inherited.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task := &Task{
		ID:        uuid.NewString(),
		ModelID:   meta.ID,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	d.tasks[meta.ID] = task
	d.metrics.setInFlight(len(d.tasks))

	cfg := newDownloadConfig(opts...)
	go func() {
		defer cancel()
		res, err := d.download(taskCtx, meta, cfg, func(s DownloadState) {
			task.state.Store(int32(s))
		})

		d.tasksMu.Lock()
		if d.tasks[meta.ID] == task {
			delete(d.tasks, meta.ID)
		}
		d.metrics.setInFlight(len(d.tasks))
		d.tasksMu.Unlock()

		task.finish(res, err)
	}()
	return task, false
}

// InFlight returns the running task for id, if any.
func (d *Downloader) InFlight(id string) (*Task, bool) {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	t, ok := d.tasks[id]
	return t, ok
}

// Active returns the running tasks sorted by model id.
func (d *Downloader) Active() []*Task {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	tasks := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ModelID < tasks[j].ModelID })
	return tasks
}

// Cancel cancels the running download of id. Reports whether one was running.
func (d *Downloader) Cancel(id string) bool {
	t, ok := d.InFlight(id)
	if ok {
		t.Cancel()
	}
	return ok
}
