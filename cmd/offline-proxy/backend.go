package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-redis/redis/v8"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/badger"
	ddbcache "github.com/dgduncan/go-offline-cache/caches/dynamodb"
	"github.com/dgduncan/go-offline-cache/caches/local"
	"github.com/dgduncan/go-offline-cache/caches/postgres"
	rediscache "github.com/dgduncan/go-offline-cache/caches/redis"
	"github.com/dgduncan/go-offline-cache/caches/sqlite"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendDynamoDB = "dynamodb"
	backendRedis    = "redis"
	backendSQLite   = "sqlite"
	backendBadger   = "badger"

	defaultSQLitePath = "offline-cache.db"
)

var errUnknownBackend = errors.New("unknown cache backend")

// openStorage opens the configured backend. The returned close function
// releases whatever the backend holds open.
func openStorage(ctx context.Context, s settings, logger *slog.Logger) (offlinecache.Storage, func() error, error) {
	noop := func() error { return nil }

	switch s.CacheBackend {
	case backendMemory, "":
		return local.NewBasicCache(), noop, nil

	case backendPostgres:
		db, err := sql.Open("postgres", s.CacheDBConnect)
		if err != nil {
			return nil, nil, err
		}
		c, err := postgres.New(ctx, db, &postgres.Config{
			DeleteExpiredItems: s.CacheRetention > 0,
			ItemExpiration:     s.CacheRetention,
			Logger:             logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return c, db.Close, nil

	case backendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if s.CacheDBConnect != "" {
				o.BaseEndpoint = aws.String(s.CacheDBConnect)
			}
		})
		if s.DynamoDBCreateTable {
			if err := ddbcache.CreateTable(ctx, client, s.DynamoDBTable); err != nil {
				return nil, nil, err
			}
		}
		c, err := ddbcache.New(ctx, client, &ddbcache.Config{Table: s.DynamoDBTable})
		if err != nil {
			return nil, nil, err
		}
		return c, noop, nil

	case backendRedis:
		opts, err := redis.ParseURL(s.CacheDBConnect)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		c, err := rediscache.New(rediscache.Opts{Client: client})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return c, client.Close, nil

	case backendSQLite:
		path := s.CacheDBConnect
		if path == "" {
			path = defaultSQLitePath
		}
		c, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil

	case backendBadger:
		c, err := badger.New(&badger.Config{
			Dir:      s.CacheDBConnect,
			InMemory: s.CacheDBConnect == "",
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", errUnknownBackend, s.CacheBackend)
}
