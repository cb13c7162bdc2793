package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// registryFile is the on-disk form of registry.json.
type registryFile struct {
	Models map[string]RegistryEntry `json:"models"`
}

// Registry is the persisted record of installed artifacts. It exclusively
// owns registry.json; every change is a read-modify-write of the whole file
// under an in-process mutex and a cross-process file lock.
type Registry struct {
	// path is the registry.json file.
	path string

	// modelsDir is scanned for unregistered artifacts.
	modelsDir string

	// lockPath is the cross-process lock guarding writes.
	lockPath string

	// lockTimeout bounds waiting for lockPath.
	lockTimeout time.Duration

	// defaultBackend is recorded when metadata names none.
	defaultBackend string

	// now stamps installedAt.
	now func() time.Time

	logger Logger

	// mu serializes access within this process.
	mu sync.Mutex
}

// OpenRegistry opens the registry of the configured data directory.
func OpenRegistry(cfg Config, opts ...ManagerOption) (*Registry, error) {
	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}
	st, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}
	return newRegistry(st, cfg.withDefaults(), mcfg)
}

func newRegistry(st *storage, cfg Config, mcfg *managerConfig) (*Registry, error) {
	modelsDir, err := filepath.Abs(st.modelsDir())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return &Registry{
		path:           st.registryPath(),
		modelsDir:      modelsDir,
		lockPath:       st.registryPath() + ".lock",
		lockTimeout:    DefaultLockTimeout,
		defaultBackend: cfg.DefaultBackend,
		now:            mcfg.now,
		logger:         orNop(mcfg.logger),
	}, nil
}

// ModelsDir returns the directory holding artifact files.
func (r *Registry) ModelsDir() string {
	return r.modelsDir
}

// Register records the artifact at path under id, replacing any previous
// entry for the id. The active flag of an existing entry is preserved.
func (r *Registry) Register(ctx context.Context, id, path string, meta ModelMetadata) (RegistryEntry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("%w: artifact file: %v", ErrStorageError, err)
	}

	entry := RegistryEntry{
		ID:          id,
		Name:        meta.Name,
		Path:        abs,
		SizeBytes:   info.Size(),
		InstalledAt: r.now().UTC(),
		Backend:     meta.Backend,
	}
	if entry.Name == "" {
		entry.Name = id
	}
	if entry.Backend == "" {
		entry.Backend = r.defaultBackend
	}

	err = r.update(ctx, func(models map[string]RegistryEntry) error {
		if prev, ok := models[id]; ok {
			entry.Active = prev.Active
		}
		models[id] = entry
		return nil
	})
	if err != nil {
		return RegistryEntry{}, err
	}
	r.logger.Debug("artifact registered", "model", id, "path", abs, "size", entry.SizeBytes)
	return entry, nil
}

// Get returns the entry for id, or ErrNotInstalled.
func (r *Registry) Get(ctx context.Context, id string) (RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.load()
	if err != nil {
		return RegistryEntry{}, err
	}
	entry, ok := reg.Models[id]
	if !ok {
		return RegistryEntry{}, fmt.Errorf("%s: %w", id, ErrNotInstalled)
	}
	return entry, nil
}

// Remove deletes the entry for id. The artifact file is left in place.
// Reports whether an entry existed.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := r.update(ctx, func(models map[string]RegistryEntry) error {
		_, removed = models[id]
		delete(models, id)
		return nil
	})
	return removed, err
}

// SetActive marks id as the active artifact and clears the flag on all others.
func (r *Registry) SetActive(ctx context.Context, id string) (RegistryEntry, error) {
	var entry RegistryEntry
	err := r.update(ctx, func(models map[string]RegistryEntry) error {
		target, ok := models[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrNotInstalled)
		}
		for k, e := range models {
			e.Active = k == id
			models[k] = e
		}
		target.Active = true
		entry = target
		return nil
	})
	return entry, err
}

// Entries returns all registry entries sorted by id.
func (r *Registry) Entries(ctx context.Context) ([]RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	entries := make([]RegistryEntry, 0, len(reg.Models))
	for _, e := range reg.Models {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// ListInstalled reconciles the registry with the models directory. Every
// entry is reported as installed or missing, followed by files in the models
// directory that no entry references, reported as unregistered.
func (r *Registry) ListInstalled(ctx context.Context) ([]InstalledArtifact, error) {
	entries, err := r.Entries(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]InstalledArtifact, 0, len(entries))
	referenced := make(map[string]bool, len(entries))
	for _, e := range entries {
		referenced[filepath.Clean(e.Path)] = true

		status := StatusMissing
		if info, err := os.Stat(e.Path); err == nil && !info.IsDir() {
			status = StatusInstalled
		}
		result = append(result, InstalledArtifact{RegistryEntry: e, Status: status})
	}

	dirEntries, err := os.ReadDir(r.modelsDir)
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading models directory: %v", ErrStorageError, err)
	}

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !isArtifactFileName(name) {
			continue
		}
		path := filepath.Join(r.modelsDir, name)
		if referenced[path] {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		r.logger.Debug("found unregistered artifact", "path", path)
		result = append(result, InstalledArtifact{
			RegistryEntry: RegistryEntry{
				ID:          strings.TrimSuffix(name, filepath.Ext(name)),
				Name:        name,
				Path:        path,
				SizeBytes:   info.Size(),
				InstalledAt: info.ModTime().UTC(),
			},
			Status: StatusUnregistered,
		})
	}
	return result, nil
}

// ownerOf returns the id of the entry recorded for the file at path.
func (r *Registry) ownerOf(ctx context.Context, path string) (string, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	entries, err := r.Entries(ctx)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if filepath.Clean(e.Path) == abs {
			return e.ID, true, nil
		}
	}
	return "", false, nil
}

// Adopt registers an unregistered file from the models directory under id.
func (r *Registry) Adopt(ctx context.Context, id, fileName string) (RegistryEntry, error) {
	if fileName != filepath.Base(fileName) || !isArtifactFileName(fileName) {
		return RegistryEntry{}, fmt.Errorf("%w: invalid artifact file name %q", ErrStorageError, fileName)
	}
	return r.Register(ctx, id, filepath.Join(r.modelsDir, fileName), ModelMetadata{Name: id})
}

// DeleteArtifactFile removes the artifact file for id. The path comes from
// the registry entry, or <models>/<id>.gguf when there is none. The entry
// itself is kept. Reports whether a file was removed.
func (r *Registry) DeleteArtifactFile(ctx context.Context, id string) (bool, error) {
	path := r.fallbackPath(id)
	entry, err := r.Get(ctx, id)
	switch {
	case err == nil:
		path = entry.Path
	case !errors.Is(err, ErrNotInstalled):
		return false, err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: deleting %s: %v", ErrStorageError, path, err)
	}
	r.logger.Info("artifact file deleted", "model", id, "path", path)
	return true, nil
}

// fallbackPath is the conventional location of an artifact without an entry.
func (r *Registry) fallbackPath(id string) string {
	return filepath.Join(r.modelsDir, safeFileName(id)+FallbackExtension)
}

// update runs fn on the freshly loaded registry and persists the result.
func (r *Registry) update(ctx context.Context, fn func(models map[string]RegistryEntry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return withFileLock(ctx, r.lockPath, r.lockTimeout, func() error {
		reg, err := r.load()
		if err != nil {
			return err
		}
		if err := fn(reg.Models); err != nil {
			return err
		}
		return r.save(reg)
	})
}

// load reads registry.json. A missing file is an empty registry; an
// unreadable one is an error so that a later save cannot discard entries.
func (r *Registry) load() (*registryFile, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return &registryFile{Models: make(map[string]RegistryEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %v", ErrStorageError, filepath.Base(r.path), err)
	}
	if reg.Models == nil {
		reg.Models = make(map[string]RegistryEntry)
	}
	return &reg, nil
}

func (r *Registry) save(reg *registryFile) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal registry: %v", ErrStorageError, err)
	}
	return atomicWrite(r.path, data)
}

// isArtifactFileName reports whether a models directory entry can be an
// artifact: not hidden, not an in-progress download, not a temp file.
func isArtifactFileName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, suffix := range []string{partSuffix, ".tmp", ".lock"} {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}
