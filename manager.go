package models

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// manager is the concrete implementation of the Manager interface.
type manager struct {
	// cfg holds the module configuration.
	cfg Config

	// logger receives diagnostic messages.
	logger Logger

	// catalog loads catalog documents.
	catalog *CatalogStore

	// registry records installed artifacts.
	registry *Registry

	// downloader runs downloads and tracks in-flight tasks.
	downloader *Downloader

	// mu guards current.
	mu sync.RWMutex

	// current is the last catalog accepted by FetchCatalog.
	current *CatalogDocument
}

// FetchCatalog loads a catalog and makes it current unless it is older.
func (m *manager) FetchCatalog(ctx context.Context, opts ...LoadOption) (*CatalogDocument, error) {
	doc, source, err := m.catalog.load(ctx, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && olderVersion(doc.Version, m.current.Version) {
		m.logger.Warn("ignoring older catalog",
			"source", source, "version", doc.Version, "current", m.current.Version)
		return m.current, nil
	}
	m.current = doc
	return doc, nil
}

// olderVersion reports whether candidate is a lower semantic version than
// current. Versions that do not parse are never considered older.
func olderVersion(candidate, current string) bool {
	c, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	return c.LessThan(cur)
}

// Catalog returns the current catalog.
func (m *manager) Catalog() *CatalogDocument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ensureCatalog returns the current catalog, loading one if needed.
func (m *manager) ensureCatalog(ctx context.Context) (*CatalogDocument, error) {
	if doc := m.Catalog(); doc != nil {
		return doc, nil
	}
	return m.FetchCatalog(ctx)
}

// SearchCatalog filters the current catalog.
func (m *manager) SearchCatalog(ctx context.Context, f Filter) ([]ModelMetadata, error) {
	doc, err := m.ensureCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return Query(doc, f), nil
}

// CatalogModel returns the catalog entry for id.
func (m *manager) CatalogModel(ctx context.Context, id string) (ModelMetadata, error) {
	doc, err := m.ensureCatalog(ctx)
	if err != nil {
		return ModelMetadata{}, err
	}
	meta, ok := FindModel(doc.Models, id)
	if !ok {
		return ModelMetadata{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return meta, nil
}

// StartDownload starts or joins a background download of id.
func (m *manager) StartDownload(ctx context.Context, id string, opts ...DownloadOption) (*Task, bool, error) {
	doc, err := m.ensureCatalog(ctx)
	if err != nil {
		return nil, false, err
	}
	return m.downloader.Start(ctx, doc, id, opts...)
}

// Download starts or joins a download of id and waits for it.
func (m *manager) Download(ctx context.Context, id string, opts ...DownloadOption) (DownloadResult, error) {
	task, joined, err := m.StartDownload(ctx, id, opts...)
	if err != nil {
		return DownloadResult{}, err
	}

	res, err := task.Wait(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		if joined {
			return DownloadResult{}, err
		}
		// The caller gave up; stop the download and report its outcome.
		task.Cancel()
		<-task.Done()
		return task.result, task.err
	}
	return res, err
}

// IsDownloading reports whether id has a download in flight.
func (m *manager) IsDownloading(id string) bool {
	_, ok := m.downloader.InFlight(id)
	return ok
}

// CancelDownload cancels the in-flight download of id.
func (m *manager) CancelDownload(id string) bool {
	return m.downloader.Cancel(id)
}

// ActiveDownloads returns the in-flight downloads.
func (m *manager) ActiveDownloads() []*Task {
	return m.downloader.Active()
}

// ListInstalled reconciles the registry with the models directory.
func (m *manager) ListInstalled(ctx context.Context) ([]InstalledArtifact, error) {
	return m.registry.ListInstalled(ctx)
}

// GetInstalled returns the registry entry for id.
func (m *manager) GetInstalled(ctx context.Context, id string) (RegistryEntry, error) {
	return m.registry.Get(ctx, id)
}

// RemoveEntry deletes the registry entry for id.
func (m *manager) RemoveEntry(ctx context.Context, id string) (bool, error) {
	if m.IsDownloading(id) {
		return false, fmt.Errorf("%w: %s is downloading", ErrStorageError, id)
	}
	return m.registry.Remove(ctx, id)
}

// DeleteArtifact deletes the artifact file for id.
func (m *manager) DeleteArtifact(ctx context.Context, id string) (bool, error) {
	if m.IsDownloading(id) {
		return false, fmt.Errorf("%w: %s is downloading", ErrStorageError, id)
	}
	return m.registry.DeleteArtifactFile(ctx, id)
}

// SetActive marks id as the active artifact.
func (m *manager) SetActive(ctx context.Context, id string) (RegistryEntry, error) {
	return m.registry.SetActive(ctx, id)
}
