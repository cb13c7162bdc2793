package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// partSuffix marks an artifact that is still being fetched or verified.
const partSuffix = ".part"

// Downloader fetches, verifies and publishes artifacts, recording each
// published artifact in the Registry. It is safe for concurrent use;
// downloads that resolve to the same file are serialized.
type Downloader struct {
	// httpClient is used for artifact requests.
	httpClient HTTPClient

	// registry records published artifacts.
	registry *Registry

	// storage resolves the models and lock directories.
	storage *storage

	// timeout bounds one download attempt.
	timeout time.Duration

	logger  Logger
	metrics *Metrics

	// fileLocks serializes attempts per artifact file within this process.
	fileLocks keyedMutex

	// tasksMu guards tasks.
	tasksMu sync.Mutex

	// tasks holds the in-flight download of each artifact id.
	tasks map[string]*Task
}

// NewDownloader creates a Downloader that publishes into reg's models directory.
func NewDownloader(cfg Config, reg *Registry, opts ...ManagerOption) (*Downloader, error) {
	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}
	st, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}
	return newDownloader(st, cfg.withDefaults(), reg, mcfg), nil
}

func newDownloader(st *storage, cfg Config, reg *Registry, mcfg *managerConfig) *Downloader {
	return &Downloader{
		httpClient: mcfg.httpClient,
		registry:   reg,
		storage:    st,
		timeout:    cfg.DownloadTimeout,
		logger:     orNop(mcfg.logger),
		metrics:    mcfg.metrics,
		tasks:      make(map[string]*Task),
	}
}

// attempt is the mutable state of one download.
type attempt struct {
	meta     ModelMetadata
	expected checksum
	final    string
	part     string

	// onState observes state transitions. May be nil.
	onState func(DownloadState)

	state      atomic.Int32
	downloaded int64
	total      int64
}

func (a *attempt) setState(s DownloadState) {
	a.state.Store(int32(s))
	if a.onState != nil {
		a.onState(s)
	}
}

// Download runs one blocking download attempt for meta. Exactly one terminal
// progress event is emitted, whatever the outcome. Cancelling ctx aborts the
// transfer, removes the partial file and returns ErrCancelled.
func (d *Downloader) Download(ctx context.Context, meta ModelMetadata, opts ...DownloadOption) (DownloadResult, error) {
	return d.download(ctx, meta, newDownloadConfig(opts...), nil)
}

func (d *Downloader) download(ctx context.Context, meta ModelMetadata, cfg *downloadConfig, onState func(DownloadState)) (DownloadResult, error) {
	notifier := newProgressNotifier(meta.ID, cfg.progressFn, cfg.progressInterval, d.logger)
	att := &attempt{meta: meta, onState: onState, total: -1}
	att.setState(StatePending)

	start := time.Now()

	res, err := d.run(ctx, att, cfg, notifier)

	outcome := "published"
	switch {
	case err == nil && res.AlreadyInstalled:
		outcome = "already_installed"
		att.setState(StatePublished)
		notifier.succeeded(res.SizeBytes)
	case err == nil:
		att.setState(StatePublished)
		notifier.succeeded(res.SizeBytes)
		d.logger.Info("artifact published", "model", meta.ID, "path", res.Path, "bytes", res.SizeBytes)
	case isCancellation(ctx, err):
		outcome = "cancelled"
		err = fmt.Errorf("%s: %w", meta.ID, ErrCancelled)
		att.setState(StateCancelled)
		notifier.failed(ProgressStatusCancelled, att.downloaded, att.total, err)
		d.logger.Info("download cancelled", "model", meta.ID, "bytes", att.downloaded)
	default:
		outcome = "failed"
		if errors.Is(err, ErrChecksumMismatch) {
			outcome = "checksum_mismatch"
		}
		att.setState(StateFailed)
		notifier.failed(ProgressStatusError, att.downloaded, att.total, err)
		d.logger.Error("download failed", "model", meta.ID, "error", err)
	}
	d.metrics.downloadFinished(outcome, time.Since(start))
	return res, err
}

func (d *Downloader) run(ctx context.Context, att *attempt, cfg *downloadConfig, notifier *progressNotifier) (DownloadResult, error) {
	meta := att.meta
	expected, err := parseChecksum(meta.Checksum)
	if err != nil {
		return DownloadResult{}, &ValidationError{Field: "checksum", Reason: err.Error()}
	}
	att.expected = expected
	att.final = filepath.Join(d.storage.modelsDir(), artifactFileName(meta))
	att.part = att.final + partSuffix

	// Different ids may resolve to the same file, so the locks are keyed
	// by the file rather than the id.
	unlock := d.fileLocks.lock(att.final)
	defer unlock()

	lease, err := newFileLock(d.storage.downloadLockPath(filepath.Base(att.final)), d.timeout)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := lease.Lock(ctx); err != nil {
		return DownloadResult{}, fmt.Errorf("%w: download lease for %s: %w", ErrStorageError, meta.ID, err)
	}
	defer lease.Unlock()

	owner, ok, err := d.registry.ownerOf(ctx, att.final)
	if err != nil {
		return DownloadResult{}, err
	}
	if ok && owner != meta.ID {
		return DownloadResult{}, fmt.Errorf("%w: %s would overwrite %s, which is installed as %s",
			ErrStorageError, meta.ID, filepath.Base(att.final), owner)
	}

	if !cfg.force {
		if res, ok, err := d.alreadyInstalled(ctx, att); err != nil || ok {
			return res, err
		}
	}

	if err := removeIfExists(att.part); err != nil {
		return DownloadResult{}, err
	}
	if err := removeIfExists(att.final); err != nil {
		return DownloadResult{}, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	att.setState(StateFetching)
	d.logger.Info("downloading artifact", "model", meta.ID, "url", meta.DownloadURL, "file", att.final)
	if err := d.fetch(ctx, att, notifier); err != nil {
		os.Remove(att.part)
		return DownloadResult{}, err
	}

	att.setState(StateVerifying)
	if err := verifyFile(att.part, att.expected); err != nil {
		os.Remove(att.part)
		return DownloadResult{}, fmt.Errorf("%s: %w", meta.ID, err)
	}

	if err := os.Rename(att.part, att.final); err != nil {
		os.Remove(att.part)
		return DownloadResult{}, fmt.Errorf("%w: publishing %s: %v", ErrStorageError, att.final, err)
	}

	// The file is published; record it even if ctx ends now.
	entry, err := d.registry.Register(context.WithoutCancel(ctx), meta.ID, att.final, meta)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("registering %s: %w", meta.ID, err)
	}

	return DownloadResult{
		ModelID:      meta.ID,
		Path:         entry.Path,
		SizeBytes:    entry.SizeBytes,
		BytesFetched: att.downloaded,
		Entry:        entry,
	}, nil
}

// alreadyInstalled reports whether a verified file is already published.
// A published file that fails verification is left for the caller to replace.
func (d *Downloader) alreadyInstalled(ctx context.Context, att *attempt) (DownloadResult, bool, error) {
	info, err := os.Stat(att.final)
	if err != nil || info.IsDir() {
		return DownloadResult{}, false, nil
	}

	att.setState(StateVerifying)
	if err := verifyFile(att.final, att.expected); err != nil {
		d.logger.Warn("published artifact failed verification, downloading again", "model", att.meta.ID, "error", err)
		return DownloadResult{}, false, nil
	}

	abs, _ := filepath.Abs(att.final)
	entry, err := d.registry.Get(ctx, att.meta.ID)
	if err != nil || entry.Path != abs || entry.SizeBytes != info.Size() {
		entry, err = d.registry.Register(ctx, att.meta.ID, att.final, att.meta)
		if err != nil {
			return DownloadResult{}, false, fmt.Errorf("registering %s: %w", att.meta.ID, err)
		}
	}

	d.logger.Info("artifact already installed", "model", att.meta.ID, "path", entry.Path)
	return DownloadResult{
		ModelID:          att.meta.ID,
		Path:             entry.Path,
		SizeBytes:        info.Size(),
		AlreadyInstalled: true,
		Entry:            entry,
	}, true, nil
}

// fetch streams the artifact into the part file in ChunkSize reads,
// reporting progress after every chunk.
func (d *Downloader) fetch(ctx context.Context, att *attempt, notifier *progressNotifier) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.meta.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching %s: %w", ErrNetworkError, att.meta.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: fetching %s: status %d", ErrNetworkError, att.meta.ID, resp.StatusCode)
	}
	att.total = resp.ContentLength

	out, err := os.OpenFile(att.part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorageError, att.part, err)
	}
	defer out.Close()

	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: writing %s: %v", ErrStorageError, att.part, err)
			}
			att.downloaded += int64(n)
			d.metrics.bytesFetched(n)
			notifier.update(att.downloaded, att.total)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: reading %s after %d bytes: %w", ErrNetworkError, att.meta.ID, att.downloaded, rerr)
		}
	}

	if att.total >= 0 && att.downloaded != att.total {
		return fmt.Errorf("%w: %s stream ended after %d of %d bytes", ErrNetworkError, att.meta.ID, att.downloaded, att.total)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrStorageError, att.part, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrStorageError, att.part, err)
	}
	return nil
}

// artifactFileName derives the file name from the last segment of the
// download URL path, or <id>.bin when the URL has none.
func artifactFileName(meta ModelMetadata) string {
	if u, err := url.Parse(meta.DownloadURL); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" {
			return safeFileName(base)
		}
	}
	return safeFileName(meta.ID) + ".bin"
}

// isCancellation reports whether err stems from the caller cancelling ctx,
// as opposed to the download timeout expiring.
func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing stale %s: %v", ErrStorageError, path, err)
	}
	return nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
