// Package ddbtest provides an in-memory stand-in for the DynamoDB item API, enough to
// exercise conditional writes without a real table.
//
// Supported condition expressions are clauses joined by " AND ", each either
// attribute_not_exists(name) or name = :value, where name may be a #placeholder.
package ddbtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrUnsupported is returned for expressions the fake does not understand.
var ErrUnsupported = errors.New("ddbtest: unsupported expression")

// Client is a goroutine-safe fake of GetItem, PutItem and DeleteItem.
type Client struct {
	mu     sync.Mutex
	keys   map[string][]string
	tables map[string]map[string]map[string]types.AttributeValue

	// FailWith, when set, is returned by the next call and then cleared.
	FailWith error
	calls    int
}

// New creates a fake with the given tables. Each table maps to its key attribute names.
func New(tables map[string][]string) *Client {
	c := &Client{
		keys:   make(map[string][]string),
		tables: make(map[string]map[string]map[string]types.AttributeValue),
	}
	for name, keys := range tables {
		c.keys[name] = keys
		c.tables[name] = make(map[string]map[string]types.AttributeValue)
	}
	return c
}

// Calls returns the number of API calls served.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Len returns the number of items in table.
func (c *Client) Len(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables[table])
}

// Items returns a copy of every item in table, ordered by key.
func (c *Client) Items(table string) []map[string]types.AttributeValue {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.tables[table]))
	for id := range c.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]types.AttributeValue, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyItem(c.tables[table][id]))
	}
	return out
}

// GetItem implements the DynamoDB API.
func (c *Client) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return nil, err
	}

	rows, id, err := c.locate(aws.ToString(in.TableName), in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := rows[id]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

// PutItem implements the DynamoDB API.
func (c *Client) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return nil, err
	}

	rows, id, err := c.locate(aws.ToString(in.TableName), in.Item)
	if err != nil {
		return nil, err
	}
	cur, exists := rows[id]
	ok, err := evaluate(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, cur, exists)
	if err != nil {
		return nil, err
	}
	if !ok {
		failed := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if exists && in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			failed.Item = copyItem(cur)
		}
		return nil, failed
	}
	rows[id] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// DeleteItem implements the DynamoDB API.
func (c *Client) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return nil, err
	}

	rows, id, err := c.locate(aws.ToString(in.TableName), in.Key)
	if err != nil {
		return nil, err
	}
	cur, exists := rows[id]
	ok, err := evaluate(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, cur, exists)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(rows, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (c *Client) begin() error {
	c.calls++
	if c.FailWith != nil {
		err := c.FailWith
		c.FailWith = nil
		return err
	}
	return nil
}

func (c *Client) locate(table string, item map[string]types.AttributeValue) (map[string]map[string]types.AttributeValue, string, error) {
	rows, ok := c.tables[table]
	if !ok {
		return nil, "", &types.ResourceNotFoundException{Message: aws.String("table not found: " + table)}
	}
	parts := make([]string, 0, len(c.keys[table]))
	for _, k := range c.keys[table] {
		parts = append(parts, scalar(item[k]))
	}
	return rows, strings.Join(parts, "|"), nil
}

func evaluate(expr string, names map[string]string, values map[string]types.AttributeValue, cur map[string]types.AttributeValue, exists bool) (bool, error) {
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			name := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if exists {
				if _, ok := cur[name]; ok {
					return false, nil
				}
			}
		case strings.Contains(clause, " = "):
			lhs, rhs, _ := strings.Cut(clause, " = ")
			want, ok := values[strings.TrimSpace(rhs)]
			if !ok {
				return false, fmt.Errorf("%w: missing value %s", ErrUnsupported, rhs)
			}
			if !exists {
				return false, nil
			}
			got, ok := cur[resolve(strings.TrimSpace(lhs), names)]
			if !ok || scalar(got) != scalar(want) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("%w: %q", ErrUnsupported, clause)
		}
	}
	return true, nil
}

func resolve(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if real, ok := names[name]; ok {
			return real
		}
	}
	return name
}

func scalar(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	case *types.AttributeValueMemberBOOL:
		return fmt.Sprintf("BOOL:%t", v.Value)
	}
	return fmt.Sprintf("%T", av)
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
