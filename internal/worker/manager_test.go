package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/fetch"
)

const testOrigin = "http://app.local"

// Scenario: empty store, two fetchable assets → exactly two entries after install.
func TestInstallPrecachesAssetList(t *testing.T) {
	net := newRecordingFetcher()
	storage := cache.NewMemoryStorage()
	m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{"/", "/index.html"}}, storage, net)

	require.NoError(t, m.Install(context.Background()))

	assert.Equal(t, []cache.RequestKey{
		{Method: http.MethodGet, URL: testOrigin + "/"},
		{Method: http.MethodGet, URL: testOrigin + "/index.html"},
	}, storeKeys(t, storage, "v1"))
}

func TestInstallTwiceIsIdempotent(t *testing.T) {
	net := newRecordingFetcher()
	storage := cache.NewMemoryStorage()
	m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{"/", "/index.html"}}, storage, net)

	require.NoError(t, m.Install(context.Background()))
	first := storeKeys(t, storage, "v1")
	require.NoError(t, m.Install(context.Background()))
	assert.Equal(t, first, storeKeys(t, storage, "v1"))
}

func TestInstallFailureIsForgivingByDefault(t *testing.T) {
	net := newRecordingFetcher()
	net.status["/manifest.json"] = http.StatusNotFound
	storage := cache.NewMemoryStorage()
	logBuf := &bytes.Buffer{}
	m := newTestManagerWithLog(t, Options{CacheVersion: "v1", Precache: []string{"/", "/manifest.json"}}, storage, net, logBuf)

	require.NoError(t, m.Install(context.Background()))
	assert.Empty(t, storeKeys(t, storage, "v1"))
	assert.Contains(t, logBuf.String(), "precache_failed")
}

func TestInstallFailureStrict(t *testing.T) {
	net := newRecordingFetcher()
	net.offline = true
	m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{"/"}, StrictInstall: true}, cache.NewMemoryStorage(), net)

	require.Error(t, m.Install(context.Background()))
}

// Scenario: existing caches {v1, v2}, current v2 → only v2 remains.
func TestActivateRemovesStaleCaches(t *testing.T) {
	storage := cache.NewMemoryStorage()
	for _, name := range []string{"v1", "v2", "legacy-shell"} {
		_, err := storage.Open(context.Background(), name)
		require.NoError(t, err)
	}
	m := newTestManager(t, Options{CacheVersion: "v2", Precache: []string{}}, storage, newRecordingFetcher())

	require.NoError(t, m.Activate(context.Background()))

	names, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)
}

func TestActivateSurfacesDeleteFailures(t *testing.T) {
	storage := &failingDeleteStorage{Storage: cache.NewMemoryStorage()}
	_, err := storage.Open(context.Background(), "v1")
	require.NoError(t, err)
	m := newTestManager(t, Options{CacheVersion: "v2", Precache: []string{}}, storage, newRecordingFetcher())

	require.Error(t, m.Activate(context.Background()))
}

// Scenario: cached /app.js is served without touching the network.
func TestRespondServesCacheHitWithoutNetwork(t *testing.T) {
	net := newRecordingFetcher()
	storage := cache.NewMemoryStorage()
	m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{}}, storage, net)

	req := newGet(t, "/app.js")
	putEntry(t, storage, "v1", req, "cached-app")

	resp, src := m.Respond(context.Background(), req)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, "cached-app", readBody(t, resp))
	assert.Zero(t, net.calls())
}

// Scenario: miss on /new.js → network 200 basic → caller gets it and the store is populated.
func TestRespondStoresFreshBasicResponse(t *testing.T) {
	net := newRecordingFetcher()
	storage := cache.NewMemoryStorage()
	m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{}}, storage, net)

	req := newGet(t, "/new.js")
	resp, src := m.Respond(context.Background(), req)
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, "/new.js", readBody(t, resp))

	require.NoError(t, m.Flush(context.Background()))
	store, err := storage.Open(context.Background(), "v1")
	require.NoError(t, err)
	cached, err := store.Match(context.Background(), cache.KeyFor(req))
	require.NoError(t, err)
	assert.Equal(t, "/new.js", readBody(t, cached))

	resp, src = m.Respond(context.Background(), req)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, "/new.js", readBody(t, resp))
	assert.Equal(t, 1, net.calls())
}

func TestRespondNeverStoresErrorOrNonBasic(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		typ    fetch.Type
	}{
		{"not found", http.StatusNotFound, fetch.TypeBasic},
		{"server error", http.StatusInternalServerError, fetch.TypeBasic},
		{"partial content", http.StatusPartialContent, fetch.TypeBasic},
		{"opaque", http.StatusOK, fetch.TypeOpaque},
		{"cors", http.StatusOK, fetch.TypeCORS},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			net := newRecordingFetcher()
			net.status["/asset"] = tc.status
			net.typ = tc.typ
			storage := cache.NewMemoryStorage()
			m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{}}, storage, net)

			resp, src := m.Respond(context.Background(), newGet(t, "/asset"))
			assert.Equal(t, SourceNetwork, src)
			assert.Equal(t, tc.status, resp.Status)
			assert.Equal(t, tc.typ, resp.Type)

			require.NoError(t, m.Flush(context.Background()))
			assert.Empty(t, storeKeys(t, storage, "v1"))
		})
	}
}

// Scenario: miss on /missing.js while offline → HTML offline placeholder.
// Scenario: origin answers with a session cookie → the next visitor's cache hit carries no cookie.
func TestRespondDoesNotReplaySetCookie(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "alice-secret", HttpOnly: true})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>shell</html>"))
	}))
	defer origin.Close()

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	client, err := fetch.NewClient(fetch.ClientOptions{Origin: originURL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	storage := cache.NewMemoryStorage()
	m := newTestManager(t, Options{Origin: originURL, CacheVersion: "v1", Precache: []string{}}, storage, client)

	req, err := fetch.NewRequest(http.MethodGet, "/", originURL)
	require.NoError(t, err)
	resp, src := m.Respond(context.Background(), req)
	require.Equal(t, SourceNetwork, src)
	assert.NotEmpty(t, resp.Header.Values("Set-Cookie"), "the requesting client keeps its own cookie")
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
	require.NoError(t, m.Flush(context.Background()))

	other, err := fetch.NewRequest(http.MethodGet, "/", originURL)
	require.NoError(t, err)
	resp, src = m.Respond(context.Background(), other)
	require.Equal(t, SourceCache, src)
	assert.Empty(t, resp.Header.Values("Set-Cookie"))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}

func TestRespondPassesThroughMissingResponse(t *testing.T) {
	net := newRecordingFetcher()
	net.missing["/ghost.js"] = true
	storage := cache.NewMemoryStorage()
	m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{}}, storage, net)

	resp, src := m.Respond(context.Background(), newGet(t, "/ghost.js"))
	assert.Nil(t, resp)
	assert.Equal(t, SourceNetwork, src)

	require.NoError(t, m.Flush(context.Background()))
	assert.Empty(t, storeKeys(t, storage, "v1"))
}

func TestRespondOfflineFallback(t *testing.T) {
	net := newRecordingFetcher()
	net.offline = true
	m := newTestManager(t, Options{CacheVersion: "v1", Precache: []string{}}, cache.NewMemoryStorage(), net)

	resp, src := m.Respond(context.Background(), newGet(t, "/missing.js"))
	assert.Equal(t, SourceOffline, src)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
	assert.Contains(t, readBody(t, resp), "offline")
}

func TestRespondLogsBackgroundPutFailure(t *testing.T) {
	net := newRecordingFetcher()
	storage := &failingPutStorage{Storage: cache.NewMemoryStorage()}
	logBuf := &bytes.Buffer{}
	m := newTestManagerWithLog(t, Options{CacheVersion: "v1", Precache: []string{}}, storage, net, logBuf)

	resp, src := m.Respond(context.Background(), newGet(t, "/new.js"))
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, "/new.js", readBody(t, resp))

	require.NoError(t, m.Flush(context.Background()))
	assert.Contains(t, logBuf.String(), "cache_put_failed")
}

func TestNewManagerResolvesPrecacheAgainstOrigin(t *testing.T) {
	m := newTestManager(t, Options{Precache: nil}, cache.NewMemoryStorage(), newRecordingFetcher())

	assert.Equal(t, DefaultCacheVersion, m.Version())
	precache := m.Precache()
	require.Len(t, precache, len(DefaultPrecache))
	assert.Equal(t, testOrigin+"/", precache[0])
	assert.Equal(t, "https://cdn.tailwindcss.com", precache[3])
}

func TestNewManagerRejectsUnsafeVersion(t *testing.T) {
	_, err := NewManager(Options{CacheVersion: "../v1"}, cache.NewMemoryStorage(), newRecordingFetcher(), discardLogger())
	require.ErrorIs(t, err, cache.ErrInvalidName)
}

func newTestManager(t *testing.T, opts Options, storage cache.Storage, fetcher fetch.Fetcher) *Manager {
	t.Helper()
	return newTestManagerWithLog(t, opts, storage, fetcher, io.Discard)
}

func newTestManagerWithLog(t *testing.T, opts Options, storage cache.Storage, fetcher fetch.Fetcher, out io.Writer) *Manager {
	t.Helper()
	if opts.Origin == nil {
		opts.Origin, _ = url.Parse(testOrigin)
	}
	if opts.BackgroundWriteTimeout == 0 {
		opts.BackgroundWriteTimeout = time.Second
	}
	logger := logrus.New()
	logger.SetOutput(out)
	m, err := NewManager(opts, storage, fetcher, logger)
	require.NoError(t, err)
	return m
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newGet(t *testing.T, path string) *fetch.Request {
	t.Helper()
	base, _ := url.Parse(testOrigin)
	req, err := fetch.NewRequest(http.MethodGet, path, base)
	require.NoError(t, err)
	return req
}

func putEntry(t *testing.T, storage cache.Storage, name string, req *fetch.Request, body string) {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	resp := fetch.NewBytesResponse(http.StatusOK, nil, fetch.TypeBasic, req.URL.String(), []byte(body))
	require.NoError(t, store.Put(context.Background(), cache.KeyFor(req), resp))
}

func storeKeys(t *testing.T, storage cache.Storage, name string) []cache.RequestKey {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func readBody(t *testing.T, resp *fetch.Response) string {
	t.Helper()
	require.NotNil(t, resp)
	body, err := resp.Bytes()
	require.NoError(t, err)
	return string(body)
}

// recordingFetcher 模拟网络：body 为请求路径，status/typ 可按用例调整。
type recordingFetcher struct {
	mu      sync.Mutex
	count   int
	status  map[string]int
	missing map[string]bool
	typ     fetch.Type
	offline bool
}

func newRecordingFetcher() *recordingFetcher {
	return &recordingFetcher{status: map[string]int{}, missing: map[string]bool{}, typ: fetch.TypeBasic}
}

func (f *recordingFetcher) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	f.count++
	offline := f.offline
	status, ok := f.status[req.URL.Path]
	missing := f.missing[req.URL.Path]
	f.mu.Unlock()

	if offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	if missing {
		return nil, nil
	}
	if !ok {
		status = http.StatusOK
	}
	return fetch.NewBytesResponse(status, http.Header{}, f.typ, req.URL.String(), []byte(req.URL.Path)), nil
}

func (f *recordingFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type failingDeleteStorage struct {
	cache.Storage
}

func (s *failingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	return false, errors.New("permission denied")
}

type failingPutStorage struct {
	cache.Storage
}

func (s *failingPutStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPutStore{Store: store}, nil
}

type failingPutStore struct {
	cache.Store
}

func (s failingPutStore) Put(ctx context.Context, key cache.RequestKey, resp *fetch.Response) error {
	resp.Close()
	return errors.New("quota exceeded")
}
