package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/unikey/internal/shard"
)

// Document is a JSON document expressed as DynamoDB attribute values.
type Document map[string]types.AttributeValue

// Managed attribute names. They are written next to the document's own attributes.
const (
	attrID         = "id"
	attrVersion    = "_version"
	attrCreatedAt  = "_created_at"
	attrUpdatedAt  = "_updated_at"
	attrPartition  = "_partition"
	attrCollection = "_collection"
	attrExpiresAt  = "_expires_at"
)

var managedAttrs = map[string]struct{}{
	attrVersion:    {},
	attrCreatedAt:  {},
	attrUpdatedAt:  {},
	attrPartition:  {},
	attrCollection: {},
	attrExpiresAt:  {},
}

// DocumentFromJSON parses a JSON object. Numbers keep their decimal text.
func DocumentFromJSON(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("decode document: not a JSON object")
	}

	doc := make(Document, len(obj))
	for k, v := range obj {
		av, err := toAttribute(v)
		if err != nil {
			return nil, fmt.Errorf("decode document attribute %q: %w", k, err)
		}
		doc[k] = av
	}
	return doc, nil
}

// DocumentFromValue marshals a Go value (usually a struct with dynamodbav tags).
func DocumentFromValue(v any) (Document, error) {
	m, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return Document(m), nil
}

// Decode unmarshals the document into out.
func (d Document) Decode(out any) error {
	return attributevalue.UnmarshalMap(d, out)
}

// ID returns the document's string id.
func (d Document) ID() (string, bool) {
	v, ok := d[attrID].(*types.AttributeValueMemberS)
	if !ok || v.Value == "" {
		return "", false
	}
	return v.Value, true
}

// Clone returns a shallow copy. Attribute values are immutable in practice.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// MarshalJSON renders the document as a JSON object.
func (d Document) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(d))
	for k, v := range d {
		obj[k] = fromAttribute(v)
	}
	return json.Marshal(obj)
}

func toAttribute(v any) (types.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case json.Number:
		return &types.AttributeValueMemberN{Value: t.String()}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case []any:
		list := make([]types.AttributeValue, len(t))
		for i, e := range t {
			av, err := toAttribute(e)
			if err != nil {
				return nil, err
			}
			list[i] = av
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(t))
		for k, e := range t {
			av, err := toAttribute(e)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	}
	return nil, fmt.Errorf("unsupported JSON value %T", v)
}

func fromAttribute(av types.AttributeValue) any {
	switch v := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberBOOL:
		return v.Value
	case *types.AttributeValueMemberN:
		return json.Number(v.Value)
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberB:
		return v.Value
	case *types.AttributeValueMemberL:
		out := make([]any, len(v.Value))
		for i, e := range v.Value {
			out[i] = fromAttribute(e)
		}
		return out
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(v.Value))
		for k, e := range v.Value {
			out[k] = fromAttribute(e)
		}
		return out
	case *types.AttributeValueMemberSS:
		out := append([]string(nil), v.Value...)
		sort.Strings(out)
		return out
	case *types.AttributeValueMemberNS:
		out := make([]json.Number, len(v.Value))
		for i, n := range v.Value {
			out[i] = json.Number(n)
		}
		return out
	case *types.AttributeValueMemberBS:
		return v.Value
	}
	return nil
}

// Item is a committed document with its managed fields.
type Item struct {
	// ID is the collection-scoped document id.
	ID string

	// Partition is the physical partition holding the document.
	Partition shard.PartitionID

	// Version is the optimistic lock version, starting at 1.
	Version int64

	// CreatedAt is the ISO 8601 creation timestamp.
	CreatedAt string

	// UpdatedAt is the ISO 8601 last update timestamp.
	UpdatedAt string

	// ExpiresAt is the Unix expiry time, or 0 if the document never expires.
	ExpiresAt int64

	// Document holds the document's own attributes, including "id".
	Document Document
}

// Raw renders the item as a storage record for collection.
func (it *Item) Raw(collection string) map[string]types.AttributeValue {
	raw := make(map[string]types.AttributeValue, len(it.Document)+len(managedAttrs))
	for k, v := range it.Document {
		raw[k] = v
	}
	raw[attrID] = &types.AttributeValueMemberS{Value: it.ID}
	raw[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(it.Version, 10)}
	raw[attrCreatedAt] = &types.AttributeValueMemberS{Value: it.CreatedAt}
	raw[attrUpdatedAt] = &types.AttributeValueMemberS{Value: it.UpdatedAt}
	raw[attrPartition] = &types.AttributeValueMemberS{Value: string(it.Partition)}
	raw[attrCollection] = &types.AttributeValueMemberS{Value: collection}
	if it.ExpiresAt > 0 {
		raw[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(it.ExpiresAt, 10)}
	}
	return raw
}

// ItemFromRaw converts a storage record back into an Item.
func ItemFromRaw(raw map[string]types.AttributeValue) *Item {
	it := &Item{Document: make(Document, len(raw))}
	for k, v := range raw {
		if _, managed := managedAttrs[k]; !managed {
			it.Document[k] = v
		}
	}
	it.ID, _ = it.Document.ID()

	if v, ok := raw[attrVersion].(*types.AttributeValueMemberN); ok {
		it.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw[attrCreatedAt].(*types.AttributeValueMemberS); ok {
		it.CreatedAt = v.Value
	}
	if v, ok := raw[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		it.UpdatedAt = v.Value
	}
	if v, ok := raw[attrPartition].(*types.AttributeValueMemberS); ok {
		it.Partition = shard.PartitionID(v.Value)
	}
	it.ExpiresAt = expiresAt(raw)
	return it
}

// CollectionOf returns the collection name recorded on a storage record.
func CollectionOf(raw map[string]types.AttributeValue) string {
	if v, ok := raw[attrCollection].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// DocumentStore is the document commit primitive a Collection writes through.
// Implementations must make Put and Delete conditional on expectedVersion.
type DocumentStore interface {
	// Get returns the live document, or ErrNotFound if missing or expired.
	Get(ctx context.Context, id string) (*Item, error)

	// Put writes item. expectedVersion 0 requires that no document with the id exists
	// (ErrAlreadyExists otherwise); any other value requires the stored version to match
	// (ErrConcurrentModification otherwise).
	Put(ctx context.Context, item *Item, expectedVersion int64) error

	// Delete removes the document if its stored version matches expectedVersion.
	Delete(ctx context.Context, id string, expectedVersion int64) error
}

// ExpiredReader is implemented by document stores that can read an expired document
// that has not been removed yet. It returns ErrNotFound if id is absent or live.
type ExpiredReader interface {
	GetExpired(ctx context.Context, id string) (*Item, error)
}

// ExpirySweeper is implemented by document stores that can list expired documents.
type ExpirySweeper interface {
	Expired(ctx context.Context, now time.Time) ([]*Item, error)
}
