// Package sqlite provides a SQLite-backed offlinecache.Storage.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_partitions (
	name TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_items (
	partition TEXT NOT NULL,
	key TEXT NOT NULL,
	response BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (partition, key)
);`

const (
	queryOpenPartition   = `INSERT OR IGNORE INTO cache_partitions (name, created_at) VALUES (?, ?)`
	queryDeletePartition = `DELETE FROM cache_partitions WHERE name = ?`
	queryDeleteItems     = `DELETE FROM cache_items WHERE partition = ?`
	queryListPartitions  = `SELECT name FROM cache_partitions ORDER BY rowid`
	queryFetchItem       = `SELECT response, stored_at FROM cache_items WHERE partition = ? AND key = ?`
	queryMatchItem       = `SELECT i.response, i.stored_at FROM cache_items i
JOIN cache_partitions p ON p.name = i.partition
WHERE i.key = ? ORDER BY p.rowid LIMIT 1`
	// The WHERE EXISTS guard keeps a put through the handle of a deleted
	// partition from resurrecting it.
	queryUpsertItem = `INSERT INTO cache_items (partition, key, response, stored_at)
SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM cache_partitions WHERE name = ?)
ON CONFLICT (partition, key) DO UPDATE SET response = excluded.response, stored_at = excluded.stored_at`
)

// Cache persists partitions in a single SQLite file.
type Cache struct {
	db *sql.DB

	now func() time.Time
}

// Partition is a single partition of a Cache.
type Partition struct {
	db   *sql.DB
	name string
}

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

// Open opens (creating if needed) the SQLite cache at path.
func Open(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, caches.ValidationError{Reason: "storage path is required"}
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Cache{db: db, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) Open(ctx context.Context, name string) (offlinecache.Partition, error) {
	if _, err := c.db.ExecContext(ctx, queryOpenPartition, name, toNanos(c.now())); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &Partition{db: c.db, name: name}, nil
}

func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, queryDeleteItems, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, queryDeletePartition, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, queryListPartitions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *Cache) Match(ctx context.Context, key string) (*offlinecache.CacheItem, error) {
	return scanItem(c.db.QueryRowContext(ctx, queryMatchItem, key))
}

func (p *Partition) Match(ctx context.Context, key string) (*offlinecache.CacheItem, error) {
	return scanItem(p.db.QueryRowContext(ctx, queryFetchItem, p.name, key))
}

func (p *Partition) Put(ctx context.Context, key string, item *offlinecache.CacheItem) error {
	res, err := p.db.ExecContext(ctx, queryUpsertItem, p.name, key, item.Response, toNanos(item.StoredAt), p.name)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return caches.ErrNoPartition
	}
	return nil
}

func scanItem(row *sql.Row) (*offlinecache.CacheItem, error) {
	var (
		response []byte
		storedAt int64
	)
	if err := row.Scan(&response, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}
	return &offlinecache.CacheItem{Response: response, StoredAt: fromNanos(storedAt)}, nil
}
