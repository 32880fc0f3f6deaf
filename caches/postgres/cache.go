package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/lib/pq"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// foreignKeyViolation is raised when the partition is deleted between the
// existence check and the insert.
const foreignKeyViolation = pq.ErrorCode("23503")

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed open_partition.sql
	queryOpenPartition string
	//go:embed delete_partition.sql
	queryDeletePartition string
	//go:embed list_partitions.sql
	queryListPartitions string
	//go:embed fetch_item.sql
	queryFetchItem string
	//go:embed match_item.sql
	queryMatchItem string
	//go:embed upsert_item.sql
	queryUpsertItem string
)

// Config defines the configuration options for the PostgreSQL cache implementation.
type Config struct {
	// DeleteExpiredItems enables automatic cleanup of old cache entries
	// through a background task.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task runs.
	// Shorter durations may impact database performance.
	ExpiredTaskTimer time.Duration

	// ItemExpiration defines how long items are retained by the cleanup task.
	ItemExpiration time.Duration

	// Logger receives cleanup task failures. Nil disables logging.
	Logger *slog.Logger
}

// Cache implements the offlinecache.Storage interface using PostgreSQL as the storage backend.
// Partitions are rows of cache_partitions; deleting one cascades to its items.
type Cache struct {
	db *sql.DB

	now func() time.Time
}

// Partition is a single partition of a Cache.
type Partition struct {
	db   *sql.DB
	name string
}

// Match retrieves a cache item of the partition by its key.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (p *Partition) Match(ctx context.Context, k string) (*offlinecache.CacheItem, error) {
	return scanItem(p.db.QueryRowContext(ctx, queryFetchItem, p.name, k))
}

// Put stores or replaces the item under key k.
func (p *Partition) Put(ctx context.Context, k string, v *offlinecache.CacheItem) error {
	stmt, err := p.db.PrepareContext(ctx, queryUpsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, p.name, k, v.Response, v.StoredAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return caches.ErrNoPartition
		}
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

// Open registers the partition if needed and returns it.
func (c *Cache) Open(ctx context.Context, name string) (offlinecache.Partition, error) {
	if _, err := c.db.ExecContext(ctx, queryOpenPartition, name, c.now().UTC()); err != nil {
		return nil, err
	}
	return &Partition{db: c.db, name: name}, nil
}

// Delete removes the partition and all of its items.
func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	res, err := c.db.ExecContext(ctx, queryDeletePartition, name)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys lists partition names in creation order.
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

// Match looks key up in every partition, oldest partition first.
func (c *Cache) Match(ctx context.Context, k string) (*offlinecache.CacheItem, error) {
	return scanItem(c.db.QueryRowContext(ctx, queryMatchItem, k))
}

func scanItem(row *sql.Row) (*offlinecache.CacheItem, error) {
	var item offlinecache.CacheItem
	if err := row.Scan(&item.Response, &item.StoredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}
	item.StoredAt = item.StoredAt.UTC()
	return &item, nil
}

func createTable(ctx context.Context, db *sql.DB) error {
	// multiple statements, so no prepared statement here
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

func deleteExpiredItems(ctx context.Context, db *sql.DB, before time.Time) error {
	stmt, err := db.PrepareContext(ctx, queryDeleteExpired)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, before)
	return err
}

func expiredTask(ctx context.Context, db *sql.DB, every, retention time.Duration, now func() time.Time, logger *slog.Logger) {
	t := time.NewTimer(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "expired task stopped")
			return
		case <-t.C:
			if err := deleteExpiredItems(ctx, db, now().UTC().Add(-retention)); err != nil {
				logger.WarnContext(ctx, "error deleting expired items", "error", err)
			}
			_ = t.Reset(every)
		}
	}
}

// New creates a new PostgreSQL cache instance with the provided configuration.
// It verifies the database connection, creates the necessary table structure, and
// optionally starts the cleanup task for expired items.
//
// Returns an error if:
// - The database connection test fails
// - Table creation fails
// - Configuration validation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil db"}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	c := &Cache{
		db: db,

		now: time.Now,
	}

	if config != nil && config.DeleteExpiredItems {
		every := config.ExpiredTaskTimer
		if every <= 0 {
			every = caches.DefaultExpiredTaskTimer
		}
		retention := config.ItemExpiration
		if retention <= 0 {
			retention = caches.DefaultExpiredDuration
		}
		logger := config.Logger
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		go expiredTask(ctx, db, every, retention, c.now, logger)
	}

	return c, nil
}
