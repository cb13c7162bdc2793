package models

import (
	"context"
	"fmt"
	"net/url"
)

// Manager provides programmatic access to the catalog, downloads and the
// artifact registry. All methods are safe for concurrent use.
// For CLI integration, use NewCommand instead.
type Manager interface {
	// FetchCatalog loads the catalog from the best available source and
	// makes it the current catalog. A catalog with an older version than
	// the current one is ignored and the current one is returned.
	FetchCatalog(ctx context.Context, opts ...LoadOption) (*CatalogDocument, error)

	// Catalog returns the current catalog, or nil if none was loaded yet.
	Catalog() *CatalogDocument

	// SearchCatalog filters the current catalog, loading it first if needed.
	SearchCatalog(ctx context.Context, f Filter) ([]ModelMetadata, error)

	// CatalogModel returns the catalog entry for id.
	// Returns ErrNotFound if the catalog has no such model.
	CatalogModel(ctx context.Context, id string) (ModelMetadata, error)

	// StartDownload starts a background download of id and returns at once.
	// Returns ErrNotFound, without emitting progress, if id is unknown.
	// If id is already downloading, the running task is returned with
	// joined set and opts are ignored.
	StartDownload(ctx context.Context, id string, opts ...DownloadOption) (task *Task, joined bool, err error)

	// Download downloads id and waits for the outcome. Cancelling ctx
	// cancels a download started by this call.
	Download(ctx context.Context, id string, opts ...DownloadOption) (DownloadResult, error)

	// IsDownloading reports whether a download of id is in flight.
	IsDownloading(id string) bool

	// CancelDownload cancels the in-flight download of id.
	// Reports whether one was running.
	CancelDownload(id string) bool

	// ActiveDownloads returns the in-flight downloads.
	ActiveDownloads() []*Task

	// ListInstalled reconciles the registry with the models directory.
	ListInstalled(ctx context.Context) ([]InstalledArtifact, error)

	// GetInstalled returns the registry entry for id.
	// Returns ErrNotInstalled if there is none.
	GetInstalled(ctx context.Context, id string) (RegistryEntry, error)

	// RemoveEntry deletes the registry entry for id, keeping the file.
	RemoveEntry(ctx context.Context, id string) (bool, error)

	// DeleteArtifact deletes the artifact file for id, keeping the entry.
	DeleteArtifact(ctx context.Context, id string) (bool, error)

	// SetActive marks id as the active artifact.
	// Returns ErrNotInstalled if there is no entry for id.
	SetActive(ctx context.Context, id string) (RegistryEntry, error)
}

// Ensure manager implements Manager interface.
var _ Manager = (*manager)(nil)

// NewManager creates a new Manager with the given configuration.
// Returns an error if the configuration is invalid or the data directory
// cannot be created.
func NewManager(cfg Config, opts ...ManagerOption) (Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.CatalogURL != "" {
		u, err := url.Parse(cfg.CatalogURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("models: CatalogURL must be an absolute http(s) URL: %q", cfg.CatalogURL)
		}
	}

	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}

	st, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}

	reg, err := newRegistry(st, cfg, mcfg)
	if err != nil {
		return nil, err
	}

	return &manager{
		cfg:        cfg,
		logger:     orNop(mcfg.logger),
		catalog:    newCatalogStore(st, cfg, mcfg),
		registry:   reg,
		downloader: newDownloader(st, cfg, reg, mcfg),
	}, nil
}
