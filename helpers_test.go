package offlinecache_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

const offlineDocument = "<html><body>You are offline</body></html>"

var errNetworkDown = errors.New("network down")

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

// switchTransport forwards to http.DefaultTransport until taken offline, and
// counts every request it sees.
type switchTransport struct {
	offline atomic.Bool
	calls   atomic.Int32

	mu    sync.Mutex
	paths []string
}

func (s *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.paths = append(s.paths, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	if s.offline.Load() {
		return nil, errNetworkDown
	}
	return http.DefaultTransport.RoundTrip(r)
}

func (s *switchTransport) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// newOrigin serves the precache assets, a JSON API and static files. Paths
// under /missing/ answer 404.
func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, offlineDocument)
	})
	mux.HandleFunc("/favicon.png", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/api/accounts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":1,"name":"checking"}]`)
	})
	mux.HandleFunc("/api/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type fixture struct {
	origin    *httptest.Server
	storage   *local.BasicCache
	transport *switchTransport
	manager   *offlinecache.Manager
	client    *http.Client
}

func newFixture(t *testing.T, cfg *offlinecache.Config, options ...offlinecache.Option) *fixture {
	t.Helper()

	f := &fixture{
		origin:    newOrigin(t),
		storage:   local.NewBasicCache(),
		transport: &switchTransport{},
	}

	c := offlinecache.Config{}
	if cfg != nil {
		c = *cfg
	}
	c.Origin = f.origin.URL

	options = append([]offlinecache.Option{offlinecache.WithTransport(f.transport)}, options...)
	m, err := offlinecache.New(
		f.storage,
		&c,
		testTime,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		options...,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.manager = m
	f.client = &http.Client{Transport: m}
	return f
}

func (f *fixture) get(t *testing.T, path string, navigate bool) (*http.Response, error) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, f.origin.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}
	return f.client.Do(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}
