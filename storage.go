package models

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// storage resolves the on-disk layout under the data directory:
//
//	<data>/registry.json        installed artifact registry
//	<data>/catalog_cache.json   cached catalog document
//	<data>/catalog.json         local fallback catalog (default name)
//	<data>/models/              artifact files
//	<data>/locks/               cross-process lock files
type storage struct {
	// baseDir is the base directory for all storage operations.
	baseDir string

	// appName is the application name.
	appName string
}

// envVarName constructs an environment variable name from the app name.
// Example: envVarName("jarvis", "MODELS_DIR") returns "JARVIS_MODELS_DIR".
func envVarName(appName, suffix string) string {
	return strings.ToUpper(appName) + "_" + suffix
}

// newStorage creates a storage rooted at the configured data directory and
// makes sure its directories exist.
func newStorage(cfg Config) (*storage, error) {
	cfg = cfg.withDefaults()
	var baseDir string

	// Priority: env var > Config.DataDir > platform default
	if envDir := os.Getenv(envVarName(cfg.AppName, "MODELS_DIR")); envDir != "" {
		baseDir = envDir
	} else if cfg.DataDir != "" {
		baseDir = cfg.DataDir
	} else {
		defaultDir, err := defaultDataDir(cfg.AppName)
		if err != nil {
			return nil, fmt.Errorf("failed to get default data dir: %w", err)
		}
		baseDir = defaultDir
	}

	s := &storage{baseDir: baseDir, appName: cfg.AppName}
	for _, dir := range []string{baseDir, s.modelsDir(), s.locksDir()} {
		if err := s.ensureDir(dir); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// defaultDataDir returns the platform-appropriate data directory:
//   - Linux: $XDG_DATA_HOME/<app>/ or ~/.local/share/<app>/
//   - macOS: ~/Library/Application Support/<app>/
//   - Windows: %APPDATA%\<app>\
func defaultDataDir(appName string) (string, error) {
	if appName == "" {
		appName = DefaultAppName
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, appName), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, appName), nil
		}
		return filepath.Join(home, ".local", "share", appName), nil
	}
}

func (s *storage) modelsDir() string { return filepath.Join(s.baseDir, "models") }

func (s *storage) locksDir() string { return filepath.Join(s.baseDir, "locks") }

func (s *storage) registryPath() string { return filepath.Join(s.baseDir, "registry.json") }

func (s *storage) cachePath() string { return filepath.Join(s.baseDir, "catalog_cache.json") }

// catalogPath resolves the local catalog file; relative names live in the data dir.
func (s *storage) catalogPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.baseDir, name)
}

// downloadLockPath returns the lease file guarding downloads into one
// artifact file name.
func (s *storage) downloadLockPath(name string) string {
	return filepath.Join(s.locksDir(), safeFileName(name)+".lock")
}

// ensureDir creates a directory and all parent directories if they don't exist.
func (s *storage) ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %v", ErrStorageError, path, err)
	}
	return nil
}

// atomicWrite writes data to a temporary file in the target directory and
// renames it over path, so readers see either the old or the new content.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", ErrStorageError, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", ErrStorageError, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStorageError, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to sync temp file: %v", ErrStorageError, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to close temp file: %v", ErrStorageError, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStorageError, err)
	}
	return nil
}

// safeFileName maps an artifact id to a single path element.
func safeFileName(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	name := r.Replace(strings.TrimSpace(id))
	if name == "" || name == "." {
		return "_"
	}
	return name
}
