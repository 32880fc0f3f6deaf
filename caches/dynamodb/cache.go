package dynamodb

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// partitionsPK is the hash key under which partition names are registered.
const partitionsPK = "#partitions"

// API is the subset of *dynamodb.Client used by the cache.
type API interface {
	dynamodb.QueryAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	Table string

	// BatchSize is the number of items deleted per BatchWriteItem call when a
	// partition is deleted. DynamoDB caps it at 25.
	BatchSize int
}

// Cache implements the offlinecache.Storage interface using Amazon DynamoDB as the storage backend.
// The table has a string hash key "pk" (the partition name) and a string range
// key "sk" (the request key). Partition names themselves are registered under
// pk "#partitions".
type Cache struct {
	client API

	table     string
	batchSize int
	now       func() time.Time
}

// Partition is a single partition of a Cache.
type Partition struct {
	c    *Cache
	name string
}

type cacheItem struct {
	PK       string `json:"pk" dynamodbav:"pk"`
	SK       string `json:"sk" dynamodbav:"sk"`
	Response []byte `json:"response,omitempty" dynamodbav:"response,omitempty"`
	StoredAt int64  `json:"stored_at,omitempty" dynamodbav:"stored_at,omitempty"`
	// CreatedAt is only set on partition registrations.
	CreatedAt int64 `json:"created_at,omitempty" dynamodbav:"created_at,omitempty"`
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// Match retrieves a cache item of the partition by its key.
func (p *Partition) Match(ctx context.Context, k string) (*offlinecache.CacheItem, error) {
	output, err := p.c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            keyOf(p.name, k),
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(p.c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	return &offlinecache.CacheItem{
		Response: item.Response,
		StoredAt: time.Unix(0, item.StoredAt).UTC(),
	}, nil
}

// Put stores the item under key k, replacing any previous value.
func (p *Partition) Put(ctx context.Context, k string, v *offlinecache.CacheItem) error {
	av, err := attributevalue.MarshalMap(cacheItem{
		PK:       p.name,
		SK:       k,
		Response: v.Response,
		StoredAt: v.StoredAt.UnixNano(),
	})
	if err != nil {
		return err
	}

	// The registration check and the write commit together, so a handle
	// outliving Delete cannot bring the partition back.
	_, err = p.c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(p.c.table),
					Key:                 keyOf(partitionsPK, p.name),
					ConditionExpression: aws.String("attribute_exists(pk)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(p.c.table),
					Item:      av,
				},
			},
		},
	})
	if isTransactionConditionFailed(err) {
		return caches.ErrNoPartition
	}
	return err
}

// Open registers the partition unless it already exists.
func (c *Cache) Open(ctx context.Context, name string) (offlinecache.Partition, error) {
	av, err := attributevalue.MarshalMap(cacheItem{
		PK:        partitionsPK,
		SK:        name,
		CreatedAt: c.now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil && !isConditionFailed(err) {
		return nil, err
	}

	return &Partition{c: c, name: name}, nil
}

// Delete removes every item of the partition and then its registration.
// A failure part way leaves the partition registered so Delete can be retried.
func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	if err := c.deleteItems(ctx, name); err != nil {
		return false, err
	}

	output, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.table),
		Key:          keyOf(partitionsPK, name),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, err
	}
	existed := len(output.Attributes) > 0

	// Puts that committed before the registration went away.
	if err := c.deleteItems(ctx, name); err != nil {
		return existed, err
	}
	return existed, nil
}

func (c *Cache) deleteItems(ctx context.Context, name string) error {
	keys, err := c.queryKeys(ctx, name)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += c.batchSize {
		end := min(start+c.batchSize, len(keys))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: keyOf(name, k)},
			})
		}
		if err := c.batchWrite(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.table: requests}
	for attempt := 0; len(pending[c.table]) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		output, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		pending = output.UnprocessedItems
	}
	return nil
}

// queryKeys returns the sort keys stored under pk.
func (c *Cache) queryKeys(ctx context.Context, pk string) ([]string, error) {
	items, err := c.query(ctx, pk)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.SK
	}
	return keys, nil
}

func (c *Cache) query(ctx context.Context, pk string) ([]cacheItem, error) {
	paginator := dynamodb.NewQueryPaginator(c.client, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ProjectionExpression: aws.String("pk, sk, created_at"),
		ConsistentRead:       aws.Bool(true),
	})

	var items []cacheItem
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var batch []cacheItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

// Keys lists partition names in creation order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	items, err := c.query(ctx, partitionsPK)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt < items[j].CreatedAt })

	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.SK
	}
	return names, nil
}

// Match looks k up in every partition, oldest first.
func (c *Cache) Match(ctx context.Context, k string) (*offlinecache.CacheItem, error) {
	names, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		item, err := (&Partition{c: c, name: name}).Match(ctx, k)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, caches.ErrNoCacheItem) {
			return nil, err
		}
	}
	return nil, caches.ErrNoCacheItem
}

// New creates a new DynamoDB cache instance with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client is nil or if the configuration is invalid.
func New(ctx context.Context, client API, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "table name is required",
		}
	}

	batchSize := config.BatchSize
	if batchSize <= 0 || batchSize > caches.DefaultBatchSize {
		batchSize = caches.DefaultBatchSize
	}

	return &Cache{
		client: client,

		table:     config.Table,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}
