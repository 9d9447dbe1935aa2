package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/unikey/internal/shard"
	"github.com/jacentio/unikey/uniquekey"
)

// constraintSK is the sort key of every unique constraint record.
const constraintSK = "CONSTRAINT"

// maxInsertAttempts bounds retries when a conflicting record disappears between the
// failed conditional put and the read of its owner.
const maxInsertAttempts = 3

// ErrConstraintChurn is returned when a tuple keeps changing hands during TryInsert.
var ErrConstraintChurn = errors.New("unikey: unique constraint record changed during check")

// DynamoAPI is the subset of the DynamoDB client used by DynamoIndex.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoIndex stores one record per held tuple in a unique constraints table with a
// string partition key "pk" and string sort key "sk". The conditional put on
// attribute_not_exists(pk) is the check-and-set.
type DynamoIndex struct {
	client DynamoAPI
	table  string
	ns     Namespace
}

// NewDynamoIndex creates a DynamoIndex for one namespace.
func NewDynamoIndex(client DynamoAPI, table string, ns Namespace) *DynamoIndex {
	return &DynamoIndex{client: client, table: table, ns: ns}
}

// DynamoFactory returns a Factory whose indexes share one unique constraints table.
func DynamoFactory(client DynamoAPI, table string) Factory {
	return func(ns Namespace) Index { return NewDynamoIndex(client, table, ns) }
}

// ConstraintPK returns the record key for tuple in this namespace.
func (d *DynamoIndex) ConstraintPK(tuple uniquekey.Tuple) string {
	return shard.ConstraintPK(d.ns.String(), tuple.Key())
}

func (d *DynamoIndex) key(tuple uniquekey.Tuple) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: d.ConstraintPK(tuple)},
		"sk": &types.AttributeValueMemberS{Value: constraintSK},
	}
}

// TryInsert implements Index.
func (d *DynamoIndex) TryInsert(ctx context.Context, tuple uniquekey.Tuple, e Entry) (InsertResult, error) {
	item := d.key(tuple)
	item["namespace"] = &types.AttributeValueMemberS{Value: d.ns.String()}
	item["tuple"] = &types.AttributeValueMemberS{Value: tuple.String()}
	item["doc_id"] = &types.AttributeValueMemberS{Value: e.DocID}
	item["partition"] = &types.AttributeValueMemberS{Value: string(e.Partition)}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item:      item,
			// Fails if any document already holds this tuple
			ConditionExpression:                 aws.String("attribute_not_exists(pk)"),
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		if err == nil {
			return InsertResult{Status: StatusInserted}, nil
		}

		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return InsertResult{}, fmt.Errorf("put unique constraint: %w", err)
		}

		var owner Entry
		if condErr.Item != nil {
			owner = entryFromItem(condErr.Item)
		} else {
			var found bool
			owner, found, err = d.Lookup(ctx, tuple)
			if err != nil {
				return InsertResult{}, err
			}
			if !found {
				continue // released in between, try again
			}
		}

		if owner.DocID == e.DocID {
			return InsertResult{Status: StatusOwned}, nil
		}
		return InsertResult{Status: StatusConflict, Existing: owner}, nil
	}

	return InsertResult{}, fmt.Errorf("%w: %s %s", ErrConstraintChurn, d.ns, tuple)
}

// Remove implements Index.
func (d *DynamoIndex) Remove(ctx context.Context, tuple uniquekey.Tuple, e Entry) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(tuple),
		ConditionExpression: aws.String("doc_id = :doc_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":doc_id": &types.AttributeValueMemberS{Value: e.DocID},
		},
	})

	// Ignore condition failure - absent or held by another document
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete unique constraint: %w", err)
	}
	return nil
}

// Lookup implements Index.
func (d *DynamoIndex) Lookup(ctx context.Context, tuple uniquekey.Tuple) (Entry, bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(tuple),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("get unique constraint: %w", err)
	}
	if result.Item == nil {
		return Entry{}, false, nil
	}
	return entryFromItem(result.Item), true, nil
}

func entryFromItem(item map[string]types.AttributeValue) Entry {
	var e Entry
	if v, ok := item["doc_id"].(*types.AttributeValueMemberS); ok {
		e.DocID = v.Value
	}
	if v, ok := item["partition"].(*types.AttributeValueMemberS); ok {
		e.Partition = shard.PartitionID(v.Value)
	}
	return e
}
