// Command jarvis-models manages the local model artifacts of a Jarvis
// installation: catalog browsing, verified downloads and the registry.
//
// Configuration is read from a YAML file passed with --config, with
// environment overrides:
//   - JARVIS_MODELS_DIR: data directory
//   - JARVIS_CATALOG_URL: remote catalog URL
//   - JARVIS_CATALOG_FILE: local fallback catalog file
//   - JARVIS_METRICS_FILE: write Prometheus metrics in text format to this
//     file on exit, for the node_exporter textfile collector
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	models "github.com/Lautloserspieler/JarvisCore-sub002"
)

// metricsFileEnv names the file the run's metrics are written to.
const metricsFileEnv = "JARVIS_METRICS_FILE"

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid arguments or an invalid catalog.
	ExitInvalidArgs = 2

	// ExitModelNotFound indicates the model is not in the catalog.
	ExitModelNotFound = 3

	// ExitNotInstalled indicates the model is not installed locally.
	ExitNotInstalled = 4

	// ExitNetworkError indicates a network or connection failure.
	ExitNetworkError = 5

	// ExitHashMismatch indicates checksum verification failed.
	ExitHashMismatch = 6

	// ExitStorageError indicates a filesystem operation failed.
	ExitStorageError = 7

	// ExitCancelled indicates the operation was interrupted.
	ExitCancelled = 130
)

func main() {
	cfg, err := models.LoadConfig("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(ExitInvalidArgs)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	cmd := models.NewCommand(cfg,
		models.WithLogger(logger),
		models.WithMetrics(models.NewMetrics(reg)),
	)
	cmd.Use = "jarvis-models"
	err = cmd.ExecuteContext(ctx)

	if werr := writeMetrics(os.Getenv(metricsFileEnv), reg); werr != nil {
		logger.Warn("writing metrics", "error", werr)
	}
	if err != nil {
		stop()
		os.Exit(exitCodeFromError(err))
	}
}

// writeMetrics writes everything gathered by g to path. An empty path
// disables it.
func writeMetrics(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, models.ErrCancelled), errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, models.ErrNotFound):
		return ExitModelNotFound
	case errors.Is(err, models.ErrNotInstalled):
		return ExitNotInstalled
	case errors.Is(err, models.ErrNetworkError), errors.Is(err, models.ErrSourceUnavailable):
		return ExitNetworkError
	case errors.Is(err, models.ErrChecksumMismatch):
		return ExitHashMismatch
	case errors.Is(err, models.ErrStorageError):
		return ExitStorageError
	case errors.Is(err, models.ErrValidation):
		return ExitInvalidArgs
	default:
		return ExitGeneralError
	}
}
