package models

import (
	"net/http"
	"time"
)

// Defaults shared by the catalog store, download engine and registry.
const (
	// DefaultAppName names the data directory when Config.AppName is empty.
	DefaultAppName = "jarvis"

	// DefaultCacheTTL is how long a cached catalog is served without a reload.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultCatalogTimeout bounds the remote catalog request.
	DefaultCatalogTimeout = 10 * time.Second

	// DefaultDownloadTimeout bounds one artifact download, large enough for
	// multi-gigabyte files on slow links.
	DefaultDownloadTimeout = time.Hour

	// ChunkSize is the read size used while streaming an artifact.
	ChunkSize = 8 * 1024

	// DefaultBackend is recorded on registry entries without a catalog backend.
	DefaultBackend = "llama.cpp"

	// FallbackExtension is used for artifact files whose path cannot be derived.
	FallbackExtension = ".gguf"
)

// DownloadOption configures a download.
type DownloadOption func(*downloadConfig)

// downloadConfig holds configuration for a download.
type downloadConfig struct {
	// force skips the already-installed short-circuit.
	force bool

	// progressFn receives progress events. May be nil.
	progressFn ProgressFunc

	// progressInterval is the minimum spacing of intermediate events. Zero means no limit.
	progressInterval time.Duration
}

// newDownloadConfig returns a downloadConfig with options applied.
func newDownloadConfig(opts ...DownloadOption) *downloadConfig {
	cfg := &downloadConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithForce re-downloads even when a verified file is already published.
func WithForce() DownloadOption {
	return func(c *downloadConfig) {
		c.force = true
	}
}

// WithProgress sets a callback for progress events.
// Intermediate events are delivered from a separate goroutine and may be
// coalesced when the callback is slow; the terminal event is always delivered.
func WithProgress(fn ProgressFunc) DownloadOption {
	return func(c *downloadConfig) {
		c.progressFn = fn
	}
}

// WithProgressInterval limits intermediate progress events to one per interval.
// Non-positive values disable the limit.
func WithProgressInterval(d time.Duration) DownloadOption {
	return func(c *downloadConfig) {
		if d < 0 {
			d = 0
		}
		c.progressInterval = d
	}
}

// LoadOption configures a catalog load.
type LoadOption func(*loadConfig)

// loadConfig holds configuration for a catalog load.
type loadConfig struct {
	// remoteURL is the remote catalog. Empty skips the remote source.
	remoteURL string

	// useCache enables serving a fresh cache.
	useCache bool

	// cacheTTL is the maximum age of a usable cache.
	cacheTTL time.Duration
}

// WithRemoteURL sets the remote catalog URL for this load.
func WithRemoteURL(url string) LoadOption {
	return func(c *loadConfig) {
		c.remoteURL = url
	}
}

// WithCache enables or disables serving the catalog from cache.
func WithCache(enabled bool) LoadOption {
	return func(c *loadConfig) {
		c.useCache = enabled
	}
}

// WithCacheTTL sets the maximum cache age for this load.
func WithCacheTTL(ttl time.Duration) LoadOption {
	return func(c *loadConfig) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

// managerConfig holds configuration for Manager construction.
type managerConfig struct {
	// httpClient is used for catalog and artifact requests.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// metrics records download and catalog activity. May be nil.
	metrics *Metrics

	// now is the clock used for cache freshness and timestamps.
	now func() time.Time
}

// newManagerConfig returns a managerConfig with default values.
func newManagerConfig() *managerConfig {
	return &managerConfig{
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
}

// WithHTTPClient sets a custom HTTP client for catalog and artifact requests.
// Useful for testing with mock servers or customizing transports.
// If not set, http.DefaultClient is used; timeouts are applied per request.
func WithHTTPClient(client HTTPClient) ManagerOption {
	return func(c *managerConfig) {
		c.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithMetrics records activity on the given collectors.
func WithMetrics(m *Metrics) ManagerOption {
	return func(c *managerConfig) {
		c.metrics = m
	}
}

// WithClock overrides the clock used for cache freshness and timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(c *managerConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog, zap, logrus, and other structured loggers.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// orNop returns l, or a discarding logger when l is nil.
func orNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
