package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// CatalogStore produces a validated catalog from the best available source:
// a fresh cache, then the remote catalog, then the local catalog file.
type CatalogStore struct {
	// cache holds the last good payload.
	cache *catalogCache

	// localPath is the fallback catalog file.
	localPath string

	// remoteURL is the default remote catalog. May be empty.
	remoteURL string

	// cacheTTL is the default maximum cache age.
	cacheTTL time.Duration

	// timeout bounds the remote request.
	timeout time.Duration

	// httpClient is used for the remote request.
	httpClient HTTPClient

	// logger receives diagnostic messages.
	logger Logger

	// metrics records which source served each load. May be nil.
	metrics *Metrics
}

// catalogStep is one entry of the ordered source list.
type catalogStep struct {
	source CatalogSource

	// lenient steps fall through on any error, including schema errors.
	// Strict steps fall through only on fetch and JSON syntax errors.
	lenient bool

	// fromCache marks a step whose payload must not be re-cached.
	fromCache bool
}

// NewCatalogStore creates a standalone CatalogStore for cfg.
func NewCatalogStore(cfg Config, opts ...ManagerOption) (*CatalogStore, error) {
	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}
	st, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}
	return newCatalogStore(st, cfg.withDefaults(), mcfg), nil
}

func newCatalogStore(st *storage, cfg Config, mcfg *managerConfig) *CatalogStore {
	return &CatalogStore{
		cache:      newCatalogCache(st.cachePath(), mcfg.now),
		localPath:  st.catalogPath(cfg.CatalogFile),
		remoteURL:  cfg.CatalogURL,
		cacheTTL:   cfg.CacheTTL,
		timeout:    cfg.CatalogTimeout,
		httpClient: mcfg.httpClient,
		logger:     orNop(mcfg.logger),
		metrics:    mcfg.metrics,
	}
}

// steps builds the ordered source list for one load.
func (s *CatalogStore) steps(lc *loadConfig) []catalogStep {
	var steps []catalogStep
	if lc.useCache {
		steps = append(steps, catalogStep{
			source:    &cacheSource{cache: s.cache, ttl: lc.cacheTTL},
			lenient:   true,
			fromCache: true,
		})
	}
	if lc.remoteURL != "" {
		steps = append(steps, catalogStep{
			source: &httpSource{url: lc.remoteURL, httpClient: s.httpClient, timeout: s.timeout},
		})
	}
	steps = append(steps, catalogStep{source: &fileSource{path: s.localPath}})
	return steps
}

// Load returns a validated catalog. A bad cache or an unreachable remote is
// logged and skipped; an error is returned only when the last source that
// produced a document fails validation, or when no source produced one.
func (s *CatalogStore) Load(ctx context.Context, opts ...LoadOption) (*CatalogDocument, error) {
	doc, _, err := s.load(ctx, opts...)
	return doc, err
}

func (s *CatalogStore) load(ctx context.Context, opts ...LoadOption) (*CatalogDocument, string, error) {
	lc := &loadConfig{remoteURL: s.remoteURL, useCache: true, cacheTTL: s.cacheTTL}
	for _, opt := range opts {
		opt(lc)
	}

	var failures *multierror.Error
	steps := s.steps(lc)
	for i, step := range steps {
		name := step.source.Name()
		last := i == len(steps)-1

		raw, err := step.source.Fetch(ctx)
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, err))
			s.logSkip(name, err, step.lenient)
			if last {
				break
			}
			continue
		}

		if !last && !json.Valid(raw) {
			err := fmt.Errorf("%w: %s returned malformed JSON", ErrSourceUnavailable, name)
			failures = multierror.Append(failures, err)
			s.logSkip(name, err, step.lenient)
			continue
		}

		doc, err := ParseCatalog(raw)
		if err != nil {
			if step.lenient && !last {
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, err))
				s.logger.Warn("discarding invalid cached catalog", "error", err)
				continue
			}
			s.metrics.catalogLoaded(name, false)
			return nil, name, err
		}

		if !step.fromCache {
			if err := s.cache.write(raw); err != nil {
				s.logger.Warn("failed to write catalog cache", "path", s.cache.path, "error", err)
			}
		}
		s.metrics.catalogLoaded(name, true)
		s.logger.Debug("catalog loaded", "source", name, "version", doc.Version, "models", len(doc.Models))
		return doc, name, nil
	}

	s.metrics.catalogLoaded("none", false)
	err := failures.ErrorOrNil()
	if err == nil {
		err = errors.New("no catalog source configured")
	}
	return nil, "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
}

func (s *CatalogStore) logSkip(name string, err error, lenient bool) {
	if lenient {
		s.logger.Debug("catalog source skipped", "source", name, "error", err)
		return
	}
	s.logger.Warn("catalog source failed, falling back", "source", name, "error", err)
}
