package models

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultAppName, cfg.AppName)
		assert.Equal(t, "catalog.json", cfg.CatalogFile)
		assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
		assert.Equal(t, DefaultCatalogTimeout, cfg.CatalogTimeout)
		assert.Equal(t, DefaultDownloadTimeout, cfg.DownloadTimeout)
		assert.Equal(t, DefaultBackend, cfg.DefaultBackend)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	writeTestFile(t, path, []byte(`
app_name: assistant
data_dir: /srv/assistant
catalog_url: https://models.example.com/catalog.json
cache_ttl: 2h
download_timeout: 90m
default_backend: vllm
`))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "assistant", cfg.AppName)
	assert.Equal(t, "/srv/assistant", cfg.DataDir)
	assert.Equal(t, "https://models.example.com/catalog.json", cfg.CatalogURL)
	assert.Equal(t, 2*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 90*time.Minute, cfg.DownloadTimeout)
	assert.Equal(t, "vllm", cfg.DefaultBackend)

	// Unset fields still get defaults.
	assert.Equal(t, DefaultCatalogTimeout, cfg.CatalogTimeout)
	assert.Equal(t, "catalog.json", cfg.CatalogFile)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	writeTestFile(t, path, []byte("app_name: assistant\ncatalog_url: https://a.example.com/c.json\n"))

	t.Setenv("ASSISTANT_CATALOG_URL", "https://b.example.com/c.json")
	t.Setenv("ASSISTANT_CATALOG_FILE", "/etc/assistant/catalog.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com/c.json", cfg.CatalogURL)
	assert.Equal(t, "/etc/assistant/catalog.json", cfg.CatalogFile)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	writeTestFile(t, path, []byte("cache_ttl: [not, a, duration]\n"))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}
