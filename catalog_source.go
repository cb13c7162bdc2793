package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// maxCatalogBytes caps how much of a remote catalog response is read.
const maxCatalogBytes = 64 << 20

// CatalogSource produces a raw catalog document.
type CatalogSource interface {
	// Name identifies the source in logs, metrics and errors.
	Name() string

	// Fetch returns the raw document bytes or an error.
	Fetch(ctx context.Context) ([]byte, error)
}

// cacheSource serves the cached payload while it is fresh.
type cacheSource struct {
	cache *catalogCache
	ttl   time.Duration
}

func (s *cacheSource) Name() string { return "cache" }

func (s *cacheSource) Fetch(ctx context.Context) ([]byte, error) {
	return s.cache.read(s.ttl)
}

// httpSource fetches the catalog from a remote URL.
type httpSource struct {
	// url is the catalog document URL.
	url string

	// httpClient is used for the request.
	httpClient HTTPClient

	// timeout bounds the whole request including the body read.
	timeout time.Duration
}

func (s *httpSource) Name() string { return "remote" }

func (s *httpSource) Fetch(ctx context.Context) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching catalog: %w: %v", ErrSourceUnavailable, ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetching catalog: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading catalog: %w: %v", ErrSourceUnavailable, ErrNetworkError, err)
	}
	return data, nil
}

// fileSource reads the catalog from a local file.
type fileSource struct {
	path string
}

func (s *fileSource) Name() string { return "local" }

func (s *fileSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSourceUnavailable, s.path, err)
	}
	return data, nil
}
