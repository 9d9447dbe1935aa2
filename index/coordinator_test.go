package index_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacentio/unikey/index"
)

func TestCoordinator_Contract(t *testing.T) {
	contractSuite(t, func(t *testing.T) index.Index {
		return index.NewCoordinator("people", nil, zaptest.NewLogger(t)).Index(0)
	})
}

func TestCoordinator_CrossPartitionConflict(t *testing.T) {
	ctx := context.Background()
	c := index.NewCoordinator("people", index.MemoryFactory(), nil)

	res, err := c.TryInsert(ctx, 0, tuple("Same Name"), index.Entry{DocID: "a", Partition: "01"})
	require.NoError(t, err)
	require.Equal(t, index.StatusInserted, res.Status)

	res, err = c.TryInsert(ctx, 0, tuple("Same Name"), index.Entry{DocID: "b", Partition: "7f"})
	require.NoError(t, err)
	require.True(t, res.Conflict())
	assert.Equal(t, index.Entry{DocID: "a", Partition: "01"}, res.Existing)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Inserts)
	assert.Equal(t, int64(1), stats.Conflicts)
	assert.Equal(t, int64(1), stats.CrossPartitionConflicts)

	got, found, err := c.Lookup(ctx, 0, tuple("Same Name"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.DocID)

	require.NoError(t, c.Remove(ctx, 0, tuple("Same Name"), index.Entry{DocID: "a"}))
	_, found, err = c.Lookup(ctx, 0, tuple("Same Name"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCoordinator_OneIndexPerDefinition(t *testing.T) {
	created := 0
	factory := func(ns index.Namespace) index.Index {
		created++
		assert.True(t, ns.Global)
		return index.NewShard()
	}
	c := index.NewCoordinator("people", factory, nil)

	assert.Same(t, c.Index(0), c.Index(0))
	c.Index(3)
	assert.Equal(t, 2, created)
	assert.Equal(t, []int{0, 3}, c.Definitions())
}

func TestPartitions_IsolatesPartitions(t *testing.T) {
	ctx := context.Background()
	p := index.NewPartitions("people", nil)

	res, err := p.Index(0, "01").TryInsert(ctx, tuple("pk-1", "X"), index.Entry{DocID: "a", Partition: "01"})
	require.NoError(t, err)
	require.Equal(t, index.StatusInserted, res.Status)

	res, err = p.Index(0, "02").TryInsert(ctx, tuple("pk-1", "X"), index.Entry{DocID: "b", Partition: "02"})
	require.NoError(t, err)
	assert.Equal(t, index.StatusInserted, res.Status)

	res, err = p.Index(1, "01").TryInsert(ctx, tuple("pk-1", "X"), index.Entry{DocID: "c", Partition: "01"})
	require.NoError(t, err)
	assert.Equal(t, index.StatusInserted, res.Status, "definitions are separate namespaces")

	assert.Same(t, p.Index(0, "01"), p.Index(0, "01"))
	assert.Equal(t, 3, p.Len())
}
