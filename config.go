package models

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and applies environment
// overrides. An empty path or a missing file yields the defaults.
//
// Recognized environment variables, with <APP> the upper-cased app name:
//   - <APP>_CATALOG_URL overrides catalog_url
//   - <APP>_CATALOG_FILE overrides catalog_file
//   - <APP>_MODELS_DIR overrides data_dir (applied when storage is opened)
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("models: reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("models: parsing config %s: %w", path, err)
			}
		}
	}

	cfg = cfg.withDefaults()
	if v := os.Getenv(envVarName(cfg.AppName, "CATALOG_URL")); v != "" {
		cfg.CatalogURL = v
	}
	if v := os.Getenv(envVarName(cfg.AppName, "CATALOG_FILE")); v != "" {
		cfg.CatalogFile = v
	}
	return cfg, nil
}
