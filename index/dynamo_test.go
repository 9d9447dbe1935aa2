package index_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/unikey/index"
	"github.com/jacentio/unikey/internal/ddbtest"
)

const uniqueTable = "unikey_unique_constraints"

func newFakeDynamo() *ddbtest.Client {
	return ddbtest.New(map[string][]string{uniqueTable: {"pk", "sk"}})
}

func TestDynamoIndex_Contract(t *testing.T) {
	contractSuite(t, func(t *testing.T) index.Index {
		return index.NewDynamoIndex(newFakeDynamo(), uniqueTable, index.Namespace{Collection: "people", Global: true})
	})
}

func TestDynamoIndex_RecordLayout(t *testing.T) {
	client := newFakeDynamo()
	ns := index.Namespace{Collection: "people", Definition: 1, Partition: "0a"}
	idx := index.NewDynamoIndex(client, uniqueTable, ns)

	_, err := idx.TryInsert(context.Background(), tuple("Alexander Pushkin"), index.Entry{DocID: "doc-1", Partition: "0a"})
	require.NoError(t, err)

	items := client.Items(uniqueTable)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, idx.ConstraintPK(tuple("Alexander Pushkin")), item["pk"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "CONSTRAINT", item["sk"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "people/u1/p0a", item["namespace"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "doc-1", item["doc_id"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "0a", item["partition"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, `("Alexander Pushkin")`, item["tuple"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoIndex_NamespacesShareTable(t *testing.T) {
	client := newFakeDynamo()
	factory := index.DynamoFactory(client, uniqueTable)
	ctx := context.Background()

	a := factory(index.Namespace{Collection: "people", Definition: 0, Global: true})
	b := factory(index.Namespace{Collection: "people", Definition: 1, Global: true})

	_, err := a.TryInsert(ctx, tuple("X"), index.Entry{DocID: "1"})
	require.NoError(t, err)
	res, err := b.TryInsert(ctx, tuple("X"), index.Entry{DocID: "2"})
	require.NoError(t, err)
	assert.Equal(t, index.StatusInserted, res.Status)
	assert.Equal(t, 2, client.Len(uniqueTable))
}

func TestDynamoIndex_InfrastructureErrors(t *testing.T) {
	client := newFakeDynamo()
	idx := index.NewDynamoIndex(client, uniqueTable, index.Namespace{Collection: "people", Global: true})
	ctx := context.Background()
	boom := errors.New("service unavailable")

	client.FailWith = boom
	_, err := idx.TryInsert(ctx, tuple("X"), index.Entry{DocID: "a"})
	assert.ErrorIs(t, err, boom)

	client.FailWith = boom
	_, _, err = idx.Lookup(ctx, tuple("X"))
	assert.ErrorIs(t, err, boom)

	client.FailWith = boom
	err = idx.Remove(ctx, tuple("X"), index.Entry{DocID: "a"})
	assert.ErrorIs(t, err, boom)
}

func TestDynamoIndex_MissingTable(t *testing.T) {
	idx := index.NewDynamoIndex(newFakeDynamo(), "no_such_table", index.Namespace{Collection: "people", Global: true})
	_, err := idx.TryInsert(context.Background(), tuple("X"), index.Entry{DocID: "a"})

	var notFound *types.ResourceNotFoundException
	assert.ErrorAs(t, err, &notFound)
}
