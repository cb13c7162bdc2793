package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for catalog, download and registry operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrValidation indicates a catalog document failed schema validation.
	// The concrete error is a *ValidationError naming the offending field.
	ErrValidation = errors.New("models: catalog validation failed")

	// ErrSourceUnavailable indicates a catalog source could not be read.
	// Remote failures are recovered by falling back to the local file; the
	// error only reaches callers when no source produced a document.
	ErrSourceUnavailable = errors.New("models: catalog source unavailable")

	// ErrNotFound indicates the requested artifact id is not in the catalog.
	ErrNotFound = errors.New("models: artifact not found in catalog")

	// ErrChecksumMismatch indicates a downloaded artifact failed checksum verification.
	ErrChecksumMismatch = errors.New("models: checksum verification failed")

	// ErrCache indicates the catalog cache could not be used.
	// It is logged and treated as a cache miss, never returned from Load.
	ErrCache = errors.New("models: catalog cache unusable")

	// ErrCancelled indicates a download was cancelled before it was published.
	ErrCancelled = errors.New("models: download cancelled")

	// ErrNetworkError indicates a network or connection failure.
	ErrNetworkError = errors.New("models: network error")

	// ErrStorageError indicates a filesystem operation failed.
	ErrStorageError = errors.New("models: storage error")

	// ErrNotInstalled indicates the artifact has no registry entry.
	ErrNotInstalled = errors.New("models: artifact not installed")
)

// ValidationError reports the first catalog field that violated the schema.
type ValidationError struct {
	// Field is the JSON path of the offending field, e.g. "models[2].sizeGb".
	Field string

	// Reason describes the violated constraint.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("models: invalid catalog field %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
