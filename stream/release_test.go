package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacentio/unikey/store"
	"github.com/jacentio/unikey/uniquekey"
)

// toStreamImage renders a storage record the way DynamoDB Streams delivers it.
func toStreamImage(t *testing.T, raw map[string]types.AttributeValue) map[string]events.DynamoDBAttributeValue {
	t.Helper()
	out := make(map[string]events.DynamoDBAttributeValue, len(raw))
	for k, v := range raw {
		out[k] = toStreamAttr(t, v)
	}
	return out
}

func toStreamAttr(t *testing.T, av types.AttributeValue) events.DynamoDBAttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return events.NewStringAttribute(v.Value)
	case *types.AttributeValueMemberN:
		return events.NewNumberAttribute(v.Value)
	case *types.AttributeValueMemberBOOL:
		return events.NewBooleanAttribute(v.Value)
	case *types.AttributeValueMemberNULL:
		return events.NewNullAttribute()
	}
	t.Fatalf("unsupported attribute %T", av)
	return events.DynamoDBAttributeValue{}
}

type fixture struct {
	handler    *Handler
	collection *store.Collection
	docs       *store.MemoryDocuments
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Collection = "people"
	cfg.UniqueKeyPolicy = uniquekey.NewPolicy(uniquekey.NewDefinition("/name"))

	docs := store.NewMemoryDocuments()
	c, err := store.New(cfg, docs, nil)
	require.NoError(t, err)

	reg := store.NewRegistry()
	require.NoError(t, reg.Register(c))
	return fixture{handler: NewHandler(reg, zaptest.NewLogger(t)), collection: c, docs: docs}
}

func mustDoc(t *testing.T, js string) store.Document {
	d, err := store.DocumentFromJSON([]byte(js))
	require.NoError(t, err)
	return d
}

func removeRecord(t *testing.T, item *store.Item, collection string) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:   "evt-1",
		EventName: "REMOVE",
		Change: events.DynamoDBStreamRecord{
			OldImage: toStreamImage(t, item.Raw(collection)),
		},
		UserIdentity: &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "dynamodb.amazonaws.com"},
	}
}

func TestNewHandler(t *testing.T) {
	h := NewHandler(store.NewRegistry(), nil)
	if h == nil {
		t.Fatal("expected non-nil handler")
	}
	if h.logger == nil {
		t.Error("expected default logger")
	}
}

func TestHandleRemovals_ReleasesExpiredDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	item, err := f.collection.Create(ctx, mustDoc(t, `{"id":"1","name":"A"}`))
	require.NoError(t, err)

	// DynamoDB TTL deleted the document behind the collection's back.
	require.NoError(t, f.docs.Delete(ctx, "1", item.Version))
	_, err = f.collection.Create(ctx, mustDoc(t, `{"id":"2","name":"A"}`))
	require.ErrorIs(t, err, store.ErrDuplicateValue)

	err = f.handler.HandleRemovals(ctx, events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord(t, item, "people"),
	}})
	require.NoError(t, err)

	_, err = f.collection.Create(ctx, mustDoc(t, `{"id":"2","name":"A"}`))
	assert.NoError(t, err)
}

func TestHandleRemovals_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	item, err := f.collection.Create(ctx, mustDoc(t, `{"id":"1","name":"A"}`))
	require.NoError(t, err)
	require.NoError(t, f.collection.Delete(ctx, "1"))
	_, err = f.collection.Create(ctx, mustDoc(t, `{"id":"2","name":"A"}`))
	require.NoError(t, err)

	// The stream also reports the collection's own delete; replaying it must not free
	// the tuple now held by another document.
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{removeRecord(t, item, "people")}}
	require.NoError(t, f.handler.HandleRemovals(ctx, event))
	require.NoError(t, f.handler.HandleRemovals(ctx, event))

	_, err = f.collection.Create(ctx, mustDoc(t, `{"id":"3","name":"A"}`))
	assert.ErrorIs(t, err, store.ErrDuplicateValue)
}

func TestHandleRemovals_SkipsOtherRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	item, err := f.collection.Create(ctx, mustDoc(t, `{"id":"1","name":"A"}`))
	require.NoError(t, err)
	image := toStreamImage(t, item.Raw("people"))

	records := []events.DynamoDBEventRecord{
		{EventID: "insert", EventName: "INSERT", Change: events.DynamoDBStreamRecord{NewImage: image}},
		{EventID: "modify", EventName: "MODIFY", Change: events.DynamoDBStreamRecord{OldImage: image, NewImage: image}},
		{EventID: "keys-only", EventName: "REMOVE"},
		removeRecord(t, item, "unknown"),
	}
	require.NoError(t, f.handler.HandleRemovals(ctx, events.DynamoDBEvent{Records: records}))

	_, err = f.collection.Create(ctx, mustDoc(t, `{"id":"2","name":"A"}`))
	assert.ErrorIs(t, err, store.ErrDuplicateValue, "nothing may be released")
}

func TestHandleRemovals_EmptyEvent(t *testing.T) {
	f := newFixture(t)
	if err := f.handler.HandleRemovals(context.Background(), events.DynamoDBEvent{}); err != nil {
		t.Errorf("expected no error for empty event, got %v", err)
	}
}

type brokenDocs struct{ *store.MemoryDocuments }

var errUnavailable = errors.New("document table unavailable")

func (brokenDocs) Get(context.Context, string) (*store.Item, error) { return nil, errUnavailable }

func TestHandleRemovals_ReturnsErrorForRetry(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.Collection = "people"
	cfg.UniqueKeyPolicy = uniquekey.NewPolicy(uniquekey.NewDefinition("/name"))
	c, err := store.New(cfg, brokenDocs{store.NewMemoryDocuments()}, nil)
	require.NoError(t, err)

	reg := store.NewRegistry()
	require.NoError(t, reg.Register(c))
	h := NewHandler(reg, zaptest.NewLogger(t))

	item := &store.Item{ID: "1", Version: 1, Partition: "00", Document: mustDoc(t, `{"id":"1","name":"A"}`)}
	err = h.HandleRemovals(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord(t, item, "people"),
	}})
	assert.ErrorIs(t, err, errUnavailable)
}

func TestIsTTLRemoval(t *testing.T) {
	if isTTLRemoval(events.DynamoDBEventRecord{}) {
		t.Error("record without identity is not a TTL removal")
	}
	user := events.DynamoDBEventRecord{UserIdentity: &events.DynamoDBUserIdentity{PrincipalID: "arn:aws:iam::123:user/x"}}
	if isTTLRemoval(user) {
		t.Error("user deletion is not a TTL removal")
	}
}

func TestConvertImage(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"s":    events.NewStringAttribute("text"),
		"n":    events.NewNumberAttribute("1.5"),
		"b":    events.NewBinaryAttribute([]byte{1, 2}),
		"bool": events.NewBooleanAttribute(true),
		"null": events.NewNullAttribute(),
		"l":    events.NewListAttribute([]events.DynamoDBAttributeValue{events.NewStringAttribute("x")}),
		"m": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"city": events.NewStringAttribute("Berlin"),
		}),
		"ss": events.NewStringSetAttribute([]string{"a", "b"}),
		"ns": events.NewNumberSetAttribute([]string{"1", "2"}),
		"bs": events.NewBinarySetAttribute([][]byte{{1}}),
	}

	got := ConvertImage(image)
	want := map[string]types.AttributeValue{
		"s":    &types.AttributeValueMemberS{Value: "text"},
		"n":    &types.AttributeValueMemberN{Value: "1.5"},
		"b":    &types.AttributeValueMemberB{Value: []byte{1, 2}},
		"bool": &types.AttributeValueMemberBOOL{Value: true},
		"null": &types.AttributeValueMemberNULL{Value: true},
		"l":    &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: "x"}}},
		"m": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"city": &types.AttributeValueMemberS{Value: "Berlin"},
		}},
		"ss": &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		"ns": &types.AttributeValueMemberNS{Value: []string{"1", "2"}},
		"bs": &types.AttributeValueMemberBS{Value: [][]byte{{1}}},
	}
	assert.Equal(t, want, got)
}

func TestConvertImage_Nil(t *testing.T) {
	if got := ConvertImage(nil); len(got) != 0 {
		t.Errorf("expected empty result for nil image, got %v", got)
	}
}

func TestGetNumberAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"_version": events.NewNumberAttribute("7"),
		"name":     events.NewStringAttribute("7"),
	}
	if got := getNumberAttr(image, "_version"); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	if got := getNumberAttr(image, "name"); got != 0 {
		t.Errorf("expected 0 for string attribute, got %d", got)
	}
	if got := getStringAttr(image, "_version"); got != "" {
		t.Errorf("expected empty string for number attribute, got %q", got)
	}
}
