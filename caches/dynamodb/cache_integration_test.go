//go:build integration

package dynamodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

func setup(t *testing.T) (*dynamodb.Client, string) {
	t.Log("setup called")

	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:8000"
	}

	awsconfig, err := config.LoadDefaultConfig(context.TODO(), config.WithRegion("local"))
	require.NoError(t, err)

	c := dynamodb.NewFromConfig(awsconfig, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	table := "test-" + uuid.NewString()
	require.NoError(t, CreateTable(context.Background(), c, table))

	t.Cleanup(func() {
		t.Log("cleanup called")
		if _, err := c.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{
			TableName: aws.String(table),
		}); err != nil {
			t.Log(err)
		}
	})

	return c, table
}

func TestCacheIntegration(t *testing.T) {
	client, table := setup(t)
	ctx := context.Background()

	c, err := New(ctx, client, &Config{Table: table})
	require.NoError(t, err)

	item := &offlinecache.CacheItem{
		Response: []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"),
		StoredAt: time.Now().UTC(),
	}

	data, err := c.Open(ctx, "fineasy-data-v1")
	require.NoError(t, err)
	require.NoError(t, data.Put(ctx, "GET /api/accounts", item))

	got, err := c.Match(ctx, "GET /api/accounts")
	require.NoError(t, err)
	assert.Equal(t, item.Response, got.Response)

	deleted, err := c.Delete(ctx, "fineasy-data-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	err = data.Put(ctx, "GET /api/accounts", item)
	assert.ErrorIs(t, err, caches.ErrNoPartition)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = c.Match(ctx, "GET /api/accounts")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
}
