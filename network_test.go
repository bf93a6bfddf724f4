package assetcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/asset-cache/cache"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startOrigin(t *testing.T, handler http.Handler) *url.URL {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	originURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	return originURL
}

func TestOriginNetworkFetch(t *testing.T) {
	var received http.Header
	var host string
	originURL := startOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
		host = r.Host
		w.Write([]byte("from origin " + r.URL.RequestURI()))
	}))
	network := NewOriginNetwork(*originURL, "assets.example.com", &testLogger)

	r := httptest.NewRequest(http.MethodGet, "/static/app.js?v=1", nil)
	r.Header.Set("Accept-Encoding", "br")
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	r.Header.Set("X-Test", "yes")
	res, err := network.Fetch(r)
	require.NoError(t, err)
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "from origin /static/app.js?v=1", string(b))
	assert.Equal(t, "assets.example.com", host)
	assert.Equal(t, "yes", received.Get("X-Test"))
	assert.Empty(t, received.Get("X-Forwarded-For"))
	assert.NotContains(t, received.Get("Accept-Encoding"), "br")
}

func TestOriginNetworkDoesNotFollowRedirects(t *testing.T) {
	originURL := startOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/static/elsewhere.png", http.StatusFound)
	}))
	network := NewOriginNetwork(*originURL, "", nil)

	res, err := network.Fetch(httptest.NewRequest(http.MethodGet, "/static/logo.png", nil))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/static/elsewhere.png", res.Header.Get("Location"))
}

func TestOriginNetworkProxies(t *testing.T) {
	originURL := startOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "true")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(r.Method + " " + r.URL.Path))
	}))
	network := NewOriginNetwork(*originURL, "", nil)

	rr := httptest.NewRecorder()
	network.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/expenses", nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "true", rr.Header().Get("X-Origin"))
	assert.Equal(t, "POST /api/expenses", rr.Body.String())
}

func TestOriginNetworkUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	originURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	server.Close()
	network := NewOriginNetwork(*originURL, "", nil)

	rr := httptest.NewRecorder()
	network.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	_, err = network.Fetch(httptest.NewRequest(http.MethodGet, "/static/logo.png", nil))
	assert.Error(t, err)
}

func TestWorkerWithOriginNetwork(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin()
	originURL := startOrigin(t, origin)
	storage := cache.NewMemStorage()
	rt := NewRuntime(RuntimeConfig{
		Storage: storage,
		Network: NewOriginNetwork(*originURL, "", &testLogger),
		Logger:  &testLogger,
	})
	_, err := rt.Register(ctx, appConfig("v1"))
	require.NoError(t, err)

	res := get(t, rt, "/static/tracker/default-avatar.png")
	assert.Equal(t, "Asset-Cache; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, "asset /static/tracker/default-avatar.png", body(t, res))

	res = get(t, rt, "/static/new.png")
	assert.Equal(t, "Asset-Cache; fwd=uri-miss; stored", res.Header.Get("Cache-Status"))
	assert.Equal(t, "asset /static/new.png", body(t, res))
	res = get(t, rt, "/static/new.png")
	assert.Equal(t, "Asset-Cache; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, 1, origin.Hits("/static/new.png"))

	res = get(t, rt, "/expenses")
	assert.Equal(t, "GET page /expenses", body(t, res))
}

func TestHandlerNetworkFetch(t *testing.T) {
	network := NewHandlerNetwork(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("body{}"))
	}))
	res, err := network.Fetch(httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/css", res.Header.Get("Content-Type"))
	assert.Equal(t, "body{}", body(t, res))
}

func TestHandlerNetworkPanic(t *testing.T) {
	network := NewHandlerNetwork(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	_, err := network.Fetch(httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	assert.ErrorContains(t, err, "boom")
}

const stylesheet = "body { color: rebeccapurple; }"

var stylesheetModTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// contentHandler answers conditional and range requests for app.css and
// compresses app.js for clients that accept gzip.
func contentHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/static/app.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "app.css", stylesheetModTime, strings.NewReader(stylesheet))
	})
	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Header().Set("Vary", "Accept-Encoding")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Write([]byte(stylesheet))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(stylesheet))
		gz.Close()
	})
	return mux
}

func TestMissStoresFullRepresentation(t *testing.T) {
	originURL := startOrigin(t, contentHandler())
	networks := map[string]Network{
		"handler": NewHandlerNetwork(contentHandler()),
		"origin":  NewOriginNetwork(*originURL, "", &testLogger),
	}
	firstRequests := []struct {
		header string
		value  string
		target string
	}{
		{"If-Modified-Since", stylesheetModTime.Format(http.TimeFormat), "/static/app.css"},
		{"If-None-Match", `"v1"`, "/static/app.css"},
		{"Range", "bytes=0-3", "/static/app.css"},
		{"If-Range", `"v1"`, "/static/app.css"},
		{"Accept-Encoding", "gzip", "/static/app.js"},
	}
	for name, network := range networks {
		for _, tt := range firstRequests {
			t.Run(name+" "+tt.header, func(t *testing.T) {
				w := CreateWorker(Config{
					Name:    "app",
					Version: "v1",
					Storage: cache.NewMemStorage(),
					Network: network,
					Logger:  &testLogger,
				})
				require.NoError(t, w.Install(context.Background()))
				handler := workerHandler(w, network)

				r := httptest.NewRequest(http.MethodGet, tt.target, nil)
				r.Header.Set(tt.header, tt.value)
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, r)
				assert.Equal(t, http.StatusOK, rr.Code)
				assert.Equal(t, "Asset-Cache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
				assert.Equal(t, stylesheet, rr.Body.String())

				// a later client without any client state gets the full, plain response
				res := get(t, handler, tt.target)
				assert.Equal(t, http.StatusOK, res.StatusCode)
				assert.Equal(t, "Asset-Cache; hit", res.Header.Get("Cache-Status"))
				assert.Empty(t, res.Header.Get("Content-Encoding"))
				assert.Equal(t, stylesheet, body(t, res))
			})
		}
	}
}

func TestHandlerNetworkStripsClientState(t *testing.T) {
	var seen http.Header
	network := NewHandlerNetwork(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	r := httptest.NewRequest(http.MethodGet, "/static/app.css", nil)
	r.Header.Set("If-None-Match", `"v1"`)
	r.Header.Set("Range", "bytes=0-3")
	r.Header.Set("Accept-Encoding", "gzip, br")
	r.Header.Set("Accept", "text/css")

	_, err := network.Fetch(r)
	require.NoError(t, err)
	assert.Empty(t, seen.Get("If-None-Match"))
	assert.Empty(t, seen.Get("Range"))
	assert.Empty(t, seen.Get("Accept-Encoding"))
	assert.Equal(t, "text/css", seen.Get("Accept"))
	// the client's request is left untouched
	assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
}
