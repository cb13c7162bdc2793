package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sha256Hex returns the prefixed sha256 checksum of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// testModel returns a valid catalog entry for id.
func testModel(id string) ModelMetadata {
	return ModelMetadata{
		ID:            id,
		Name:          "Model " + id,
		Description:   "test model " + id,
		Categories:    []string{"chat"},
		Languages:     []string{"en"},
		Tags:          []string{"test"},
		DownloadURL:   "https://models.example.com/" + id + ".gguf",
		Checksum:      sha256Hex([]byte(id)),
		SizeGB:        1,
		Rating:        4,
		ContextLength: 4096,
	}
}

// testCatalog returns a valid catalog document with the given models.
func testCatalog(version string, models ...ModelMetadata) *CatalogDocument {
	if models == nil {
		models = []ModelMetadata{}
	}
	return &CatalogDocument{
		Version:     version,
		GeneratedAt: Timestamp{time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		Models:      models,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func writeTestFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// artifactServer serves named payloads under /<name> and counts requests.
type artifactServer struct {
	*httptest.Server

	mu       sync.Mutex
	payloads map[string][]byte
	requests map[string]int

	// noLength suppresses the Content-Length header.
	noLength bool
}

func newArtifactServer(t *testing.T) *artifactServer {
	t.Helper()
	s := &artifactServer{
		payloads: make(map[string][]byte),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[1:]
		s.mu.Lock()
		s.requests[name]++
		data, ok := s.payloads[name]
		noLength := s.noLength
		s.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		if noLength {
			// Flushing before the body forces chunked encoding.
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		}
		w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

// add publishes data under name and returns catalog metadata pointing at it.
func (s *artifactServer) add(id, name string, data []byte) ModelMetadata {
	s.mu.Lock()
	s.payloads[name] = data
	s.mu.Unlock()

	m := testModel(id)
	m.DownloadURL = s.URL + "/" + name
	m.Checksum = sha256Hex(data)
	return m
}

func (s *artifactServer) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

// eventRecorder collects progress events.
type eventRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *eventRecorder) record(ev ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) all() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}

// terminal returns the terminal events seen so far.
func (r *eventRecorder) terminal() []ProgressEvent {
	var out []ProgressEvent
	for _, ev := range r.all() {
		if ev.Final {
			out = append(out, ev)
		}
	}
	return out
}

// testStack builds the storage, registry and downloader for a temp data dir.
func testStack(t *testing.T, opts ...ManagerOption) (Config, *storage, *Registry, *Downloader) {
	t.Helper()
	cfg := Config{AppName: "jarvistest", DataDir: t.TempDir()}.withDefaults()
	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}
	st, err := newStorage(cfg)
	require.NoError(t, err)
	reg, err := newRegistry(st, cfg, mcfg)
	require.NoError(t, err)
	return cfg, st, reg, newDownloader(st, cfg, reg, mcfg)
}
