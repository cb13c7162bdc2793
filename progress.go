package models

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Terminal progress statuses. Successful and intermediate events carry no status.
const (
	ProgressStatusError     = "error"
	ProgressStatusCancelled = "cancelled"
)

// ProgressEvent is the progress notification emitted for a download.
// Progress and TotalBytes are nil when the server did not send a length.
type ProgressEvent struct {
	ModelID         string   `json:"model_id"`
	Progress        *float64 `json:"progress"`
	DownloadedBytes int64    `json:"downloadedBytes"`
	TotalBytes      *int64   `json:"totalBytes"`
	Status          string   `json:"status,omitempty"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`

	// Final marks the single terminal event of a download attempt.
	Final bool `json:"-"`
}

// Failed reports whether the event terminates a failed or cancelled attempt.
func (e ProgressEvent) Failed() bool {
	return e.Status == ProgressStatusError || e.Status == ProgressStatusCancelled
}

// ProgressFunc receives progress events. Returned errors and panics are
// logged and never interrupt the download.
type ProgressFunc func(ProgressEvent) error

// newProgressEvent builds an intermediate event. total < 0 means unknown.
func newProgressEvent(id string, downloaded, total int64) ProgressEvent {
	ev := ProgressEvent{ModelID: id, DownloadedBytes: downloaded}
	if total >= 0 {
		t := total
		ev.TotalBytes = &t
		var pct float64 = 100
		if total > 0 {
			pct = float64(downloaded) / float64(total) * 100
		}
		ev.Progress = &pct
	}
	return ev
}

// progressNotifier delivers events for one download attempt. Intermediate
// events pass through a one-slot mailbox read by a separate goroutine, so a
// slow callback drops stale updates instead of stalling the stream. The
// terminal event is delivered after the mailbox drains.
type progressNotifier struct {
	modelID string
	fn      ProgressFunc
	logger  Logger

	// limiter spaces intermediate events. Nil means unlimited.
	limiter *rate.Limiter

	mailbox chan ProgressEvent
	drained chan struct{}
	once    sync.Once
}

func newProgressNotifier(modelID string, fn ProgressFunc, interval time.Duration, logger Logger) *progressNotifier {
	n := &progressNotifier{
		modelID: modelID,
		fn:      fn,
		logger:  orNop(logger),
		mailbox: make(chan ProgressEvent, 1),
		drained: make(chan struct{}),
	}
	if interval > 0 {
		n.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	go n.run()
	return n
}

func (n *progressNotifier) run() {
	defer close(n.drained)
	for ev := range n.mailbox {
		n.deliver(ev)
	}
}

// update posts an intermediate event, replacing any undelivered one.
// Must be called from a single goroutine.
func (n *progressNotifier) update(downloaded, total int64) {
	if n.fn == nil {
		return
	}
	if n.limiter != nil && !n.limiter.Allow() {
		return
	}
	ev := newProgressEvent(n.modelID, downloaded, total)
	select {
	case n.mailbox <- ev:
	default:
		select {
		case <-n.mailbox:
		default:
		}
		n.mailbox <- ev
	}
}

// finish delivers the terminal event. Only the first call has an effect.
func (n *progressNotifier) finish(ev ProgressEvent) {
	n.once.Do(func() {
		close(n.mailbox)
		<-n.drained
		ev.Final = true
		if ev.ModelID == "" {
			ev.ModelID = n.modelID
		}
		n.deliver(ev)
	})
}

// succeeded delivers the terminal success event for a file of size bytes.
func (n *progressNotifier) succeeded(size int64) {
	n.finish(newProgressEvent(n.modelID, size, size))
}

// failed delivers the terminal error event.
func (n *progressNotifier) failed(status string, downloaded, total int64, err error) {
	ev := newProgressEvent(n.modelID, downloaded, total)
	ev.Status = status
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	n.finish(ev)
}

func (n *progressNotifier) deliver(ev ProgressEvent) {
	if n.fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("progress callback panicked", "model", n.modelID, "panic", fmt.Sprint(r))
		}
	}()
	if err := n.fn(ev); err != nil {
		n.logger.Warn("progress callback failed", "model", n.modelID, "error", err)
	}
}
