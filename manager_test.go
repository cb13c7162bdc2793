package models

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// managerFixture is a Manager wired to a temp data dir and a catalog server.
type managerFixture struct {
	mgr       Manager
	dataDir   string
	artifacts *artifactServer
	catalog   *httptest.Server

	mu  sync.Mutex
	doc *CatalogDocument
}

func newManagerFixture(t *testing.T, opts ...ManagerOption) *managerFixture {
	t.Helper()
	f := &managerFixture{
		dataDir:   t.TempDir(),
		artifacts: newArtifactServer(t),
		doc:       testCatalog("1.0.0"),
	}
	f.catalog = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		data := mustJSON(t, f.doc)
		f.mu.Unlock()
		w.Write(data)
	}))
	t.Cleanup(f.catalog.Close)

	mgr, err := NewManager(Config{
		AppName:    "jarvistest",
		DataDir:    f.dataDir,
		CatalogURL: f.catalog.URL + "/catalog.json",
	}, opts...)
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func (f *managerFixture) setCatalog(doc *CatalogDocument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc = doc
}

func TestManagerEndToEnd(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("llama weights "), 100)
	meta := f.artifacts.add("m1", "m1.gguf", data)
	f.setCatalog(testCatalog("1.0.0", meta))

	doc, err := f.mgr.FetchCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Models, 1)
	assert.Same(t, doc, f.mgr.Catalog())

	found, err := f.mgr.SearchCatalog(ctx, Filter{Text: "m1"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	var rec eventRecorder
	res, err := f.mgr.Download(ctx, "m1", WithProgress(rec.record))
	require.NoError(t, err)

	wantPath := filepath.Join(f.dataDir, "models", "m1.gguf")
	assert.Equal(t, wantPath, res.Path)
	got, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	terminal := rec.terminal()
	require.Len(t, terminal, 1)
	assert.Empty(t, terminal[0].Status)
	require.NotNil(t, terminal[0].Progress)
	assert.InDelta(t, 100.0, *terminal[0].Progress, 0.0001)

	list, err := f.mgr.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, StatusInstalled, list[0].Status)

	entry, err := f.mgr.SetActive(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, entry.Active)

	// A second download is satisfied without touching the network.
	res, err = f.mgr.Download(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyInstalled)
	assert.Equal(t, 1, f.artifacts.count("m1.gguf"))

	deleted, err := f.mgr.DeleteArtifact(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)
	removed, err := f.mgr.RemoveEntry(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = f.mgr.GetInstalled(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestManagerKeepsNewerCatalog(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.setCatalog(testCatalog("1.2.0", testModel("new")))
	doc, err := f.mgr.FetchCatalog(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.2.0", doc.Version)

	f.setCatalog(testCatalog("1.1.9", testModel("old")))
	doc, err = f.mgr.FetchCatalog(ctx, WithCache(false))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", doc.Version)
	assert.Equal(t, "new", f.mgr.Catalog().Models[0].ID)

	f.setCatalog(testCatalog("2.0.0", testModel("newer")))
	doc, err = f.mgr.FetchCatalog(ctx, WithCache(false))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", doc.Version)
}

func TestOlderVersion(t *testing.T) {
	tests := []struct {
		candidate, current string
		want               bool
	}{
		{"1.0.0", "1.0.1", true},
		{"1.10.0", "1.9.0", false},
		{"v2", "1.0", false},
		{"1.0", "1.0.0", false},
		{"nightly", "1.0.0", false},
		{"1.0.0", "nightly", false},
	}
	for _, tt := range tests {
		t.Run(tt.candidate+"<"+tt.current, func(t *testing.T) {
			assert.Equal(t, tt.want, olderVersion(tt.candidate, tt.current))
		})
	}
}

func TestManagerCatalogModel(t *testing.T) {
	f := newManagerFixture(t)
	f.setCatalog(testCatalog("1.0.0", testModel("m1")))

	meta, err := f.mgr.CatalogModel(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", meta.ID)

	_, err = f.mgr.CatalogModel(context.Background(), "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerStartDownloadNotFound(t *testing.T) {
	f := newManagerFixture(t)
	f.setCatalog(testCatalog("1.0.0", testModel("m1")))

	var rec eventRecorder
	task, _, err := f.mgr.StartDownload(context.Background(), "unknown", WithProgress(rec.record))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, task)
	assert.Empty(t, rec.all())
	assert.False(t, f.mgr.IsDownloading("unknown"))
}

func TestManagerDownloadJoin(t *testing.T) {
	f := newManagerFixture(t)
	payload := bytes.Repeat([]byte("a"), 128)
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "128")
		w.Write(payload[:64])
		w.(http.Flusher).Flush()
		close(started)
		<-release
		w.Write(payload[64:])
	}))
	t.Cleanup(srv.Close)

	meta := testModel("m1")
	meta.DownloadURL = srv.URL + "/m1.gguf"
	meta.Checksum = sha256Hex(payload)
	f.setCatalog(testCatalog("1.0.0", meta))

	ctx := context.Background()
	task, joined, err := f.mgr.StartDownload(ctx, "m1")
	require.NoError(t, err)
	require.False(t, joined)
	waitStarted(t, started)

	assert.True(t, f.mgr.IsDownloading("m1"))
	require.Len(t, f.mgr.ActiveDownloads(), 1)

	again, joined, err := f.mgr.StartDownload(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Same(t, task, again)

	t.Run("remove blocked while downloading", func(t *testing.T) {
		_, err := f.mgr.RemoveEntry(ctx, "m1")
		assert.ErrorIs(t, err, ErrStorageError)
		_, err = f.mgr.DeleteArtifact(ctx, "m1")
		assert.ErrorIs(t, err, ErrStorageError)
	})

	close(release)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.mgr.Download(ctx, "m1")
			results <- err
		}()
	}
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, res.AlreadyInstalled)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("joined download did not finish")
		}
	}
	assert.False(t, f.mgr.IsDownloading("m1"))
}

func TestManagerCancelDownload(t *testing.T) {
	f := newManagerFixture(t)
	srv, started, _ := blockingServer(t, []byte("a"), 1<<20)

	meta := testModel("m1")
	meta.DownloadURL = srv.URL + "/m1.gguf"
	f.setCatalog(testCatalog("1.0.0", meta))

	var rec eventRecorder
	task, _, err := f.mgr.StartDownload(context.Background(), "m1", WithProgress(rec.record))
	require.NoError(t, err)
	waitStarted(t, started)

	assert.True(t, f.mgr.CancelDownload("m1"))
	<-task.Done()

	_, err = task.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, f.mgr.CancelDownload("m1"))

	terminal := rec.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, ProgressStatusCancelled, terminal[0].Status)
	assert.NoFileExists(t, filepath.Join(f.dataDir, "models", "m1.gguf"+partSuffix))
}

func TestManagerDownloadContextCancel(t *testing.T) {
	f := newManagerFixture(t)
	srv, started, _ := blockingServer(t, []byte("a"), 1<<20)

	meta := testModel("m1")
	meta.DownloadURL = srv.URL + "/m1.gguf"
	f.setCatalog(testCatalog("1.0.0", meta))
	_, err := f.mgr.FetchCatalog(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.mgr.Download(ctx, "m1")
		errCh <- err
	}()
	waitStarted(t, started)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop")
	}
	assert.False(t, f.mgr.IsDownloading("m1"))
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "empty", url: ""},
		{name: "https", url: "https://models.example.com/catalog.json"},
		{name: "http", url: "http://localhost:8080/catalog.json"},
		{name: "relative", url: "/catalog.json", wantErr: true},
		{name: "file scheme", url: "file:///tmp/catalog.json", wantErr: true},
		{name: "garbage", url: "::not a url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(Config{AppName: "jarvistest", DataDir: t.TempDir(), CatalogURL: tt.url})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerLocalCatalogOnly(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "catalog.json"), mustJSON(t, testCatalog("1.0.0", testModel("local"))))

	mgr, err := NewManager(Config{AppName: "jarvistest", DataDir: dir})
	require.NoError(t, err)

	models, err := mgr.SearchCatalog(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "local", models[0].ID)
}
