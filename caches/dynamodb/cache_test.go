//go:build !integration

package dynamodb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// fakeAPI is an in-memory table keyed by pk and sk.
type fakeAPI struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue

	batchCalls int
	batchErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func keyStrings(key map[string]types.AttributeValue) (string, string) {
	pk := key["pk"].(*types.AttributeValueMemberS).Value
	sk := key["sk"].(*types.AttributeValueMemberS).Value
	return pk, sk
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk, sk := keyStrings(in.Key)
	return &dynamodb.GetItemOutput{Item: f.items[pk][sk]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk, sk := keyStrings(in.Item)
	if in.ConditionExpression != nil && f.items[pk][sk] != nil {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk, sk := keyStrings(in.Key)
	old := f.items[pk][sk]
	delete(f.items[pk], sk)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func (f *fakeAPI) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	for _, requests := range in.RequestItems {
		for _, r := range requests {
			pk, sk := keyStrings(r.DeleteRequest.Key)
			delete(f.items[pk], sk)
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	canceled := false
	for i, ti := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		if ti.ConditionCheck == nil {
			continue
		}
		pk, sk := keyStrings(ti.ConditionCheck.Key)
		if f.items[pk][sk] == nil {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			canceled = true
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, ti := range in.TransactItems {
		if ti.Put == nil {
			continue
		}
		pk, sk := keyStrings(ti.Put.Item)
		if f.items[pk] == nil {
			f.items[pk] = make(map[string]map[string]types.AttributeValue)
		}
		f.items[pk][sk] = ti.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	out := &dynamodb.QueryOutput{}
	for _, item := range f.items[pk] {
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func TestNewDynamoDBCache(t *testing.T) {
	tests := []struct {
		name          string
		client        API
		config        *Config
		expectedCache *Cache
		expectedErr   bool
	}{
		{
			name:        "nil client returns error",
			client:      nil,
			config:      &Config{Table: "test-table"},
			expectedErr: true,
		},
		{
			name:        "missing table returns error",
			client:      newFakeAPI(),
			config:      &Config{},
			expectedErr: true,
		},
		{
			name:   "zero batch size uses default",
			client: newFakeAPI(),
			config: &Config{Table: "test-table"},
			expectedCache: &Cache{
				table:     "test-table",
				batchSize: caches.DefaultBatchSize,
			},
		},
		{
			name:   "custom batch size",
			client: newFakeAPI(),
			config: &Config{Table: "test-table", BatchSize: 10},
			expectedCache: &Cache{
				table:     "test-table",
				batchSize: 10,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := New(context.Background(), tt.client, tt.config)

			if tt.expectedErr {
				var ve caches.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected ValidationError, got %v", err)
				}
				if cache != nil {
					t.Error("expected nil cache")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if cache.table != tt.expectedCache.table {
				t.Errorf("expected table %s, got %s", tt.expectedCache.table, cache.table)
			}
			if cache.batchSize != tt.expectedCache.batchSize {
				t.Errorf("expected batch size %d, got %d", tt.expectedCache.batchSize, cache.batchSize)
			}
		})
	}
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()

	c, err := New(ctx, api, &Config{Table: "test", BatchSize: 2})
	require.NoError(t, err)

	base := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}

	item := &offlinecache.CacheItem{
		Response: []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"),
		StoredAt: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	precache, err := c.Open(ctx, "fineasy-v1")
	require.NoError(t, err)
	runtime, err := c.Open(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)
	// reopening keeps the original registration
	_, err = c.Open(ctx, "fineasy-v1")
	require.NoError(t, err)

	require.NoError(t, precache.Put(ctx, "GET /offline.html", item))
	for _, k := range []string{"GET /a.css", "GET /b.css", "GET /c.css"} {
		require.NoError(t, runtime.Put(ctx, k, item))
	}

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fineasy-v1", "fineasy-runtime-v1"}, keys)

	got, err := runtime.Match(ctx, "GET /b.css")
	require.NoError(t, err)
	assert.Equal(t, item.Response, got.Response)
	assert.True(t, item.StoredAt.Equal(got.StoredAt))

	_, err = runtime.Match(ctx, "GET /offline.html")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)

	_, err = c.Match(ctx, "GET /offline.html")
	assert.NoError(t, err)

	deleted, err := c.Delete(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 2, api.batchCalls)

	deleted, err = c.Delete(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = c.Match(ctx, "GET /a.css")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)

	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fineasy-v1"}, keys)
}

func TestPutAfterDelete(t *testing.T) {
	ctx := context.Background()

	c, err := New(ctx, newFakeAPI(), &Config{Table: "test"})
	require.NoError(t, err)

	item := &offlinecache.CacheItem{
		Response: []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"),
		StoredAt: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	stale, err := c.Open(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)

	deleted, err := c.Delete(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	err = stale.Put(ctx, "GET /a.css", item)
	assert.ErrorIs(t, err, caches.ErrNoPartition)

	reopened, err := c.Open(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)
	_, err = reopened.Match(ctx, "GET /a.css")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
	_, err = c.Match(ctx, "GET /a.css")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
}

func TestDeleteKeepsRegistrationOnFailure(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()

	c, err := New(ctx, api, &Config{Table: "test"})
	require.NoError(t, err)

	item := &offlinecache.CacheItem{
		Response: []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"),
		StoredAt: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	runtime, err := c.Open(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)
	require.NoError(t, runtime.Put(ctx, "GET /a.css", item))

	api.batchErr = errors.New("throttled")
	_, err = c.Delete(ctx, "fineasy-runtime-v1")
	require.Error(t, err)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fineasy-runtime-v1"}, keys)

	// retry once the backend recovers
	api.batchErr = nil
	deleted, err := c.Delete(ctx, "fineasy-runtime-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = runtime.Match(ctx, "GET /a.css")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
}
