package offlinecache

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/dgduncan/go-offline-cache/caches"
)

var (
	// ErrNotFound is returned by partitions and storages on a cache miss.
	ErrNotFound = caches.ErrNoCacheItem
	// ErrNoPartition is returned by Partition.Put once the partition has been
	// deleted. Deleted content never comes back through a stale handle.
	ErrNoPartition = caches.ErrNoPartition
)

// CacheItem is a stored HTTP response. Response holds the full wire dump
// (status line, headers and body) so it can be replayed with http.ReadResponse.
type CacheItem struct {
	Response []byte
	StoredAt time.Time
}

// Partition is a single named key→response store.
type Partition interface {
	Match(ctx context.Context, key string) (*CacheItem, error)
	Put(ctx context.Context, key string, item *CacheItem) error
}

// Storage is the set of named partitions the manager works with. Open creates
// the partition if it does not exist yet. Match searches every partition and
// returns the first hit.
type Storage interface {
	Open(ctx context.Context, name string) (Partition, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Match(ctx context.Context, key string) (*CacheItem, error)
}

// Key returns the storage key for a request, eg. "GET /api/accounts".
func Key(r *http.Request) string {
	return r.Method + " " + r.URL.RequestURI()
}

// NewCacheItem dumps resp into a CacheItem. The response body is restored so
// resp can still be returned to the caller.
func NewCacheItem(resp *http.Response, now time.Time) (*CacheItem, error) {
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return &CacheItem{Response: b, StoredAt: now}, nil
}

// HTTPResponse rebuilds the stored response for r.
func (ci *CacheItem) HTTPResponse(r *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(ci.Response)), r)
}
