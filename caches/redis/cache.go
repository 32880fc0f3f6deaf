// Package redis stores partitions in Redis. Every partition is a hash of
// request key to packed item, and a sorted set scored by creation time keeps
// the partition names in order.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

const defaultPrefix = "offlinecache"

// putScript writes an item only while its partition is registered, so a put
// racing a Delete cannot bring the partition's content back.
var putScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

type Opts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// Prefix namespaces every key written by the cache.
	// Default is "offlinecache".
	Prefix string

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is caches.DefaultClientTimeout.
	ClientTimeout time.Duration
}

func (opts *Opts) Init() error {
	if opts.Client == nil {
		return caches.ValidationError{Reason: "nil client"}
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = caches.DefaultClientTimeout
	}
	return nil
}

// Cache implements offlinecache.Storage on Redis.
type Cache struct {
	opts Opts

	now func() time.Time
}

// Partition is a single partition of a Cache.
type Partition struct {
	c    *Cache
	name string
}

func New(opts Opts) (*Cache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Cache{opts: opts, now: time.Now}, nil
}

func (c *Cache) partitionsKey() string {
	return c.opts.Prefix + ":partitions"
}

func (c *Cache) itemsKey(name string) string {
	return c.opts.Prefix + ":partition:" + name
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.ClientTimeout)
}

func (c *Cache) Open(ctx context.Context, name string) (offlinecache.Partition, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.opts.Client.ZAddNX(ctx, c.partitionsKey(), &redis.Z{
		Score:  float64(c.now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return &Partition{c: c, name: name}, nil
}

func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pipeline := c.opts.Client.TxPipeline()
	removed := pipeline.ZRem(ctx, c.partitionsKey(), name)
	pipeline.Del(ctx, c.itemsKey(name))
	if _, err := pipeline.Exec(ctx); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	return c.opts.Client.ZRange(ctx, c.partitionsKey(), 0, -1).Result()
}

func (c *Cache) Match(ctx context.Context, key string) (*offlinecache.CacheItem, error) {
	names, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		item, err := (&Partition{c: c, name: name}).Match(ctx, key)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, caches.ErrNoCacheItem) {
			return nil, err
		}
	}
	return nil, caches.ErrNoCacheItem
}

func (p *Partition) Match(ctx context.Context, key string) (*offlinecache.CacheItem, error) {
	ctx, cancel := p.c.withTimeout(ctx)
	defer cancel()

	b, err := p.c.opts.Client.HGet(ctx, p.c.itemsKey(p.name), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	storedAt, response, err := caches.UnpackItem(b)
	if err != nil {
		return nil, err
	}
	return &offlinecache.CacheItem{Response: response, StoredAt: storedAt}, nil
}

func (p *Partition) Put(ctx context.Context, key string, item *offlinecache.CacheItem) error {
	ctx, cancel := p.c.withTimeout(ctx)
	defer cancel()

	stored, err := putScript.Run(ctx, p.c.opts.Client,
		[]string{p.c.partitionsKey(), p.c.itemsKey(p.name)},
		p.name, key, caches.PackItem(item.StoredAt, item.Response),
	).Int()
	if err != nil {
		return err
	}
	if stored == 0 {
		return caches.ErrNoPartition
	}
	return nil
}
