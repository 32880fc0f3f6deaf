// Package badger stores partitions in an embedded Badger key-value store.
//
// Key layout:
//
//	p<sep><partition>         -> creation time (unix nanos, big endian)
//	i<sep><partition><sep><key> -> caches.PackItem(storedAt, response)
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

const (
	prefixPartition = "p" + caches.Separator
	prefixItem      = "i" + caches.Separator
)

// Config defines the configuration options for the Badger cache implementation.
type Config struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory, mostly useful for tests.
	InMemory bool
}

// Cache implements offlinecache.Storage on Badger.
type Cache struct {
	db *badgerdb.DB

	now func() time.Time
}

// Partition is a single partition of a Cache.
type Partition struct {
	db   *badgerdb.DB
	name string
}

func partitionKey(name string) []byte {
	return []byte(prefixPartition + name)
}

func itemKey(partition, key string) []byte {
	return []byte(prefixItem + caches.ItemKey(partition, key))
}

func itemPrefix(partition string) []byte {
	return []byte(prefixItem + caches.PartitionPrefix(partition))
}

// New opens the Badger database described by config.
func New(config *Config) (*Cache, error) {
	if config == nil || (!config.InMemory && config.Dir == "") {
		return nil, caches.ValidationError{Reason: "badger needs a directory or in-memory mode"}
	}

	opts := badgerdb.DefaultOptions(config.Dir).WithLogger(nil)
	if config.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Cache{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Open(ctx context.Context, name string) (offlinecache.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := c.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(partitionKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		created := make([]byte, 8)
		binary.BigEndian.PutUint64(created, uint64(c.now().UnixNano()))
		return txn.Set(partitionKey(name), created)
	})
	if err != nil {
		return nil, err
	}

	return &Partition{db: c.db, name: name}, nil
}

func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(partitionKey(name))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return txn.Delete(partitionKey(name))
	})
	if err != nil || !found {
		return false, err
	}

	return true, c.deleteItems(name)
}

// deleteItems removes every item of partition in write batches, which are not
// bound by the size limit of a single transaction.
func (c *Cache) deleteItems(partition string) error {
	var keys [][]byte
	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = itemPrefix(partition)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

type partitionEntry struct {
	name    string
	created uint64
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []partitionEntry
	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPartition)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), prefixPartition)

			err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return errors.New("corrupt partition entry " + name)
				}
				entries = append(entries, partitionEntry{name: name, created: binary.BigEndian.Uint64(val)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].created < entries[j].created })

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names, nil
}

func (c *Cache) Match(ctx context.Context, key string) (*offlinecache.CacheItem, error) {
	names, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		p := &Partition{db: c.db, name: name}
		item, err := p.Match(ctx, key)
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ci *offlinecache.CacheItem
	err := p.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(itemKey(p.name, key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return caches.ErrNoCacheItem
		}
		if err != nil {
			return err
		}

		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		storedAt, response, err := caches.UnpackItem(val)
		if err != nil {
			return err
		}
		ci = &offlinecache.CacheItem{Response: response, StoredAt: storedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ci, nil
}

func (p *Partition) Put(ctx context.Context, key string, item *offlinecache.CacheItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Reading the registration in the same transaction makes a concurrent
	// Delete conflict with this put.
	return p.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(partitionKey(p.name)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return caches.ErrNoPartition
			}
			return err
		}
		return txn.Set(itemKey(p.name, key), caches.PackItem(item.StoredAt, item.Response))
	})
}
