// Package models manages the downloadable model artifacts of a local AI
// assistant: the model catalog, verified downloads and the registry of
// installed files.
//
// The package serves two primary use cases:
//
//  1. Programmatic API via the Manager interface - Applications can use
//     NewManager to browse the catalog, start and cancel downloads, and
//     manage installed artifacts. CatalogStore, Downloader and Registry can
//     also be used on their own.
//
//  2. Embeddable CLI via NewCommand - Parent CLI tools can attach a complete
//     "models" subcommand tree to their Cobra root command, providing commands
//     like "mytool models catalog", "mytool models pull", etc.
//
// # Catalog
//
// The catalog is a JSON document listing every downloadable model. It is
// served from a fresh cache when possible, then from the remote catalog URL,
// then from the local catalog file. Every document is validated before use;
// the first violation is reported as a *ValidationError.
//
// # Downloads
//
// An artifact is streamed into a ".part" file, verified against the
// catalog checksum and renamed to its final name. A file under its final
// name is therefore always complete and verified. Progress is reported
// through a ProgressFunc and every attempt ends with exactly one terminal
// event. At most one download per artifact id runs at a time, and
// downloads that resolve to the same file name are serialized. A file
// registered to one id is never overwritten by a download for another.
//
// # Metrics
//
// WithMetrics records catalog loads and download activity on Prometheus
// collectors created by NewMetrics. Embedders register them on their own
// registry; the jarvis-models command can write them to a textfile.
//
// # Thread Safety
//
// The Manager interface is fully thread-safe. Registry writes are also
// serialized across processes with a lock file.
//
// # Storage
//
// Data is stored in platform-appropriate directories:
//   - Linux: $XDG_DATA_HOME/<app>/ or ~/.local/share/<app>/
//   - macOS: ~/Library/Application Support/<app>/
//   - Windows: %APPDATA%\<app>\
//
// The directory holds registry.json, catalog_cache.json, the local
// catalog.json and a models/ directory with the artifact files. The
// location can be overridden via Config.DataDir or the <APPNAME>_MODELS_DIR
// environment variable.
package models
