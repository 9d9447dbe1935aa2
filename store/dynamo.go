package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/unikey/index"
)

// DynamoDocuments stores documents in a DynamoDB table keyed by the string attribute "id".
// Configure the table's TTL attribute as "_expires_at" so expired documents are removed;
// until DynamoDB removes them they read as ErrNotFound.
type DynamoDocuments struct {
	client     index.DynamoAPI
	table      string
	collection string
}

// NewDynamoDocuments creates a DynamoDocuments.
func NewDynamoDocuments(client index.DynamoAPI, table, collection string) *DynamoDocuments {
	return &DynamoDocuments{client: client, table: table, collection: collection}
}

// Get implements DocumentStore.
func (d *DynamoDocuments) Get(ctx context.Context, id string) (*Item, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	// Expired documents linger until DynamoDB's TTL sweeper removes them
	if IsExpired(result.Item, time.Now()) {
		return nil, ErrNotFound
	}

	return ItemFromRaw(result.Item), nil
}

// GetExpired implements ExpiredReader.
func (d *DynamoDocuments) GetExpired(ctx context.Context, id string) (*Item, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if result.Item == nil || !IsExpired(result.Item, time.Now()) {
		return nil, ErrNotFound
	}
	return ItemFromRaw(result.Item), nil
}

// Put implements DocumentStore.
func (d *DynamoDocuments) Put(ctx context.Context, item *Item, expectedVersion int64) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item.Raw(d.collection),
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(id)")
	} else {
		input.ConditionExpression = aws.String("#version = :expected_version")
		input.ExpressionAttributeNames = map[string]string{"#version": attrVersion}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}

	_, err := d.client.PutItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if expectedVersion == 0 {
				return ErrAlreadyExists
			}
			return ErrConcurrentModification
		}
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// Delete implements DocumentStore.
func (d *DynamoDocuments) Delete(ctx context.Context, id string, expectedVersion int64) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(d.table),
		Key:                      d.key(id),
		ConditionExpression:      aws.String("#version = :expected_version"),
		ExpressionAttributeNames: map[string]string{"#version": attrVersion},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (d *DynamoDocuments) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: id},
	}
}
