package local

import (
	"context"
	"sync"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

// BasicCache is an in-memory offlinecache.Storage. Partitions are kept in
// creation order.
type BasicCache struct {
	partitions map[string]*Partition
	order      []string

	lock sync.RWMutex
}

// Partition is a single in-memory partition of a BasicCache.
type Partition struct {
	cache   map[string]*offlinecache.CacheItem
	deleted bool

	lock sync.RWMutex
}

func (p *Partition) Match(_ context.Context, key string) (*offlinecache.CacheItem, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	val, found := p.cache[key]
	if !found {
		return nil, offlinecache.ErrNotFound
	}

	return val, nil
}

func (p *Partition) Put(_ context.Context, key string, item *offlinecache.CacheItem) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.deleted {
		return offlinecache.ErrNoPartition
	}
	p.cache[key] = item

	return nil
}

// Len returns the number of stored items.
func (p *Partition) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.cache)
}

func (bc *BasicCache) Open(_ context.Context, name string) (offlinecache.Partition, error) {
	return bc.open(name), nil
}

func (bc *BasicCache) open(name string) *Partition {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	if p, found := bc.partitions[name]; found {
		return p
	}

	p := &Partition{cache: make(map[string]*offlinecache.CacheItem)}
	bc.partitions[name] = p
	bc.order = append(bc.order, name)
	return p
}

// Partition returns the named partition, creating it if needed. It is the
// concrete counterpart of Open for callers that need Len.
func (bc *BasicCache) Partition(name string) *Partition {
	return bc.open(name)
}

func (bc *BasicCache) Delete(_ context.Context, name string) (bool, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	p, found := bc.partitions[name]
	if !found {
		return false, nil
	}

	p.lock.Lock()
	p.deleted = true
	p.cache = make(map[string]*offlinecache.CacheItem)
	p.lock.Unlock()

	delete(bc.partitions, name)
	for i, n := range bc.order {
		if n == name {
			bc.order = append(bc.order[:i], bc.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (bc *BasicCache) Keys(_ context.Context) ([]string, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	keys := make([]string, len(bc.order))
	copy(keys, bc.order)
	return keys, nil
}

func (bc *BasicCache) Match(ctx context.Context, key string) (*offlinecache.CacheItem, error) {
	bc.lock.RLock()
	parts := make([]*Partition, 0, len(bc.order))
	for _, n := range bc.order {
		parts = append(parts, bc.partitions[n])
	}
	bc.lock.RUnlock()

	for _, p := range parts {
		if item, err := p.Match(ctx, key); err == nil {
			return item, nil
		}
	}
	return nil, offlinecache.ErrNotFound
}

func NewBasicCache() *BasicCache {
	return &BasicCache{
		partitions: make(map[string]*Partition),
	}
}
