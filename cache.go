package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// catalogCache persists the last successfully loaded catalog payload with the
// time it was cached. Every failure to read it is reported as ErrCache and
// treated by callers as a miss.
type catalogCache struct {
	// path is the cache file.
	path string

	// now is the clock used for freshness checks and cachedAt stamps.
	now func() time.Time
}

func newCatalogCache(path string, now func() time.Time) *catalogCache {
	if now == nil {
		now = time.Now
	}
	return &catalogCache{path: path, now: now}
}

// read returns the cached payload if the cache exists, is well-formed and
// its age does not exceed ttl.
func (c *catalogCache) read(ttl time.Duration) ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no cache file", ErrCache)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCache, err)
	}

	var cached CachedCatalog
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("%w: corrupt cache file: %v", ErrCache, err)
	}
	if cached.CachedAt.IsZero() {
		return nil, fmt.Errorf("%w: cache has no cachedAt", ErrCache)
	}
	if len(cached.Payload) == 0 || string(cached.Payload) == "null" {
		return nil, fmt.Errorf("%w: cache has no payload", ErrCache)
	}

	age := c.now().Sub(cached.CachedAt.Time)
	if age > ttl {
		return nil, fmt.Errorf("%w: cache expired (age %s, ttl %s)", ErrCache, age.Round(time.Second), ttl)
	}
	return cached.Payload, nil
}

// write replaces the cache with payload stamped at the current time.
func (c *catalogCache) write(payload []byte) error {
	data, err := json.MarshalIndent(CachedCatalog{
		CachedAt: Timestamp{c.now().UTC()},
		Payload:  json.RawMessage(payload),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCache, err)
	}
	return atomicWrite(c.path, data)
}
