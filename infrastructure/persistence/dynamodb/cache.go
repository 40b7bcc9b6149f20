// Package dynamodb stores the local mirror in a DynamoDB table.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"treechat/application/ports"
	pkgerrors "treechat/pkg/errors"
)

const (
	entitySK   = "ENTRY"
	entityType = "CACHE_ENTRY"
)

// API is the subset of the DynamoDB client the cache uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// cacheItem represents the DynamoDB item structure for a cache entry
type cacheItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	Value      []byte `dynamodbav:"Value"`
	UpdatedAt  string `dynamodbav:"UpdatedAt"`
	TTL        int64  `dynamodbav:"TTL,omitempty"`
}

// Cache implements ports.LocalCache on a single-table layout keyed by
// PK = CACHE#<key>. Entries expire through the table's TTL attribute when
// itemTTL is set.
type Cache struct {
	client    API
	tableName string
	itemTTL   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewCache(client API, tableName string, itemTTL time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, tableName: tableName, itemTTL: itemTTL, logger: logger, now: time.Now}
}

func (c *Cache) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CACHE#" + key},
		"SK": &types.AttributeValueMemberS{Value: entitySK},
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	proj := expression.NamesList(expression.Name("Value"), expression.Name("TTL"))
	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, false, fmt.Errorf("failed to build projection: %w", err)
	}
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      c.itemKey(key),
		ProjectionExpression:     expr.Projection(),
		ExpressionAttributeNames: expr.Names(),
		ConsistentRead:           aws.Bool(true),
	})
	if err != nil {
		return nil, false, c.wrap("get", key, err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	var item cacheItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}
	// TTL deletion is lazy on the DynamoDB side.
	if item.TTL > 0 && c.now().Unix() >= item.TTL {
		return nil, false, nil
	}
	return item.Value, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	update := expression.
		Set(expression.Name("Value"), expression.Value(value)).
		Set(expression.Name("EntityType"), expression.Value(entityType)).
		Set(expression.Name("UpdatedAt"), expression.Value(c.now().UTC().Format(time.RFC3339Nano)))
	if c.itemTTL > 0 {
		update = update.Set(expression.Name("TTL"), expression.Value(c.now().Add(c.itemTTL).Unix()))
	} else {
		update = update.Remove(expression.Name("TTL"))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	_, err = c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       c.itemKey(key),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return c.wrap("set", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.itemKey(key),
	})
	if err != nil {
		return c.wrap("delete", key, err)
	}
	return nil
}

func (c *Cache) wrap(op, key string, err error) error {
	appErr := pkgerrors.NewCacheError(op, err).WithDetail("key", key)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		appErr = appErr.WithDetail("aws_code", apiErr.ErrorCode())
		var throttled *types.ProvisionedThroughputExceededException
		if errors.As(err, &throttled) || apiErr.ErrorCode() == "ThrottlingException" {
			appErr = appErr.WithDetail("throttled", true)
		}
	}
	c.logger.Warn("DynamoDB cache operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err),
	)
	return appErr
}

var _ ports.LocalCache = (*Cache)(nil)
