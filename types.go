package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Config configures the models module.
type Config struct {
	// AppName determines the storage directory name and environment variable prefix.
	// Example: "jarvis" → ~/.local/share/jarvis/models/ on Linux
	AppName string `yaml:"app_name"`

	// DataDir overrides the default data directory.
	// If empty, uses platform-appropriate default.
	// Can also be set via environment variable: <APPNAME>_MODELS_DIR
	DataDir string `yaml:"data_dir"`

	// CatalogURL is the remote catalog document. Optional; when empty only
	// the cache and the local catalog file are consulted.
	CatalogURL string `yaml:"catalog_url"`

	// CatalogFile is the local fallback catalog. Relative paths are resolved
	// against the data directory. Defaults to "catalog.json".
	CatalogFile string `yaml:"catalog_file"`

	// CacheTTL is how long a cached catalog stays usable. Defaults to DefaultCacheTTL.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CatalogTimeout bounds the remote catalog request. Defaults to DefaultCatalogTimeout.
	CatalogTimeout time.Duration `yaml:"catalog_timeout"`

	// DownloadTimeout bounds a single artifact download. Defaults to DefaultDownloadTimeout.
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// DefaultBackend is recorded on registry entries whose catalog metadata
	// does not name a backend. Defaults to DefaultBackend.
	DefaultBackend string `yaml:"default_backend"`
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	if c.CatalogFile == "" {
		c.CatalogFile = "catalog.json"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.CatalogTimeout <= 0 {
		c.CatalogTimeout = DefaultCatalogTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.DefaultBackend == "" {
		c.DefaultBackend = DefaultBackend
	}
	return c
}

// Timestamp is a time.Time that also accepts ISO-8601 values without a zone
// offset, as written by tools that emit naive local timestamps.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// UnmarshalJSON parses RFC 3339 or zone-less ISO-8601 strings. Zone-less
// values are interpreted as UTC.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// MarshalJSON writes the timestamp as RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// ModelMetadata describes one downloadable artifact. Values are produced by
// parsing a catalog document and are never mutated afterwards.
type ModelMetadata struct {
	ID                  string   `json:"id" validate:"required,notblank"`
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	Categories          []string `json:"categories" validate:"required,min=1,dive,notblank"`
	Languages           []string `json:"languages" validate:"required,min=1,dive,notblank"`
	Tags                []string `json:"tags" validate:"dive,notblank"`
	DownloadURL         string   `json:"downloadUrl" validate:"required,httpurl"`
	Checksum            string   `json:"checksum" validate:"required,checksum"`
	SizeGB              float64  `json:"sizeGb" validate:"gt=0"`
	Rating              float64  `json:"rating" validate:"gte=0,lte=5"`
	ContextLength       int      `json:"contextLength" validate:"gte=1"`
	License             string   `json:"license,omitempty"`
	Quantization        string   `json:"quantization,omitempty"`
	RecommendedHardware string   `json:"recommendedHardware,omitempty"`

	// Backend names the inference backend expected to load the artifact.
	Backend string `json:"backend,omitempty"`
}

// CatalogDocument is a complete, validated catalog.
type CatalogDocument struct {
	Version     string          `json:"version" validate:"required,notblank"`
	GeneratedAt Timestamp       `json:"generatedAt" validate:"required"`
	Models      []ModelMetadata `json:"models" validate:"required,dive"`
}

// CachedCatalog is the on-disk form of the catalog cache. The payload is kept
// verbatim so the cache replays exactly what the source returned.
type CachedCatalog struct {
	CachedAt Timestamp       `json:"cachedAt"`
	Payload  json.RawMessage `json:"payload"`
}

// RegistryEntry records one verified, installed artifact.
type RegistryEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"sizeBytes"`
	InstalledAt time.Time `json:"installedAt"`
	Backend     string    `json:"backend"`
	Active      bool      `json:"active"`
}

// ArtifactStatus is the live state of an artifact reported by ListInstalled.
type ArtifactStatus string

const (
	// StatusInstalled means the registry entry's file exists.
	StatusInstalled ArtifactStatus = "installed"

	// StatusMissing means the registry entry's file no longer exists.
	StatusMissing ArtifactStatus = "missing"

	// StatusUnregistered means a file in the models directory has no registry entry.
	StatusUnregistered ArtifactStatus = "unregistered"
)

// InstalledArtifact is a registry entry or an unregistered file annotated
// with its live status.
type InstalledArtifact struct {
	RegistryEntry
	Status ArtifactStatus `json:"status"`
}

// DownloadState is a step of the per-download state machine:
// Pending → Fetching → Verifying → Published | Failed | Cancelled.
type DownloadState int32

const (
	StatePending DownloadState = iota
	StateFetching
	StateVerifying
	StatePublished
	StateFailed
	StateCancelled
)

func (s DownloadState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateVerifying:
		return "verifying"
	case StatePublished:
		return "published"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s DownloadState) Terminal() bool {
	return s >= StatePublished
}

// DownloadResult describes a published artifact.
type DownloadResult struct {
	// ModelID is the artifact id.
	ModelID string `json:"model_id"`

	// Path is the final, verified file.
	Path string `json:"path"`

	// SizeBytes is the size of the published file.
	SizeBytes int64 `json:"size_bytes"`

	// BytesFetched is the number of bytes read from the network in this attempt.
	// Zero when the artifact was already installed.
	BytesFetched int64 `json:"bytes_fetched"`

	// AlreadyInstalled is true when a verified file was found and no fetch happened.
	AlreadyInstalled bool `json:"already_installed"`

	// Entry is the registry entry recorded for the artifact.
	Entry RegistryEntry `json:"entry"`
}
