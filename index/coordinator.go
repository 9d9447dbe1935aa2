package index

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jacentio/unikey/internal/shard"
	"github.com/jacentio/unikey/uniquekey"
)

// Coordinator owns the single authoritative index of every unique key whose paths do
// not include the partition key. Colliding tuples of such keys can come from different
// partitions, so all of them are checked against one index instead of per partition.
// That index is a serialization point for writes touching the same key, and nothing
// more: unrelated tuples never contend.
type Coordinator struct {
	collection string
	factory    Factory
	logger     *zap.Logger

	mu      sync.Mutex
	indexes map[int]Index

	inserts                 atomic.Int64
	conflicts               atomic.Int64
	crossPartitionConflicts atomic.Int64
}

// CoordinatorStats counts check-and-set outcomes seen by a Coordinator.
type CoordinatorStats struct {
	Inserts                 int64
	Conflicts               int64
	CrossPartitionConflicts int64
}

// NewCoordinator creates a Coordinator for a collection.
func NewCoordinator(collection string, factory Factory, logger *zap.Logger) *Coordinator {
	if factory == nil {
		factory = MemoryFactory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		collection: collection,
		factory:    factory,
		logger:     logger,
		indexes:    make(map[int]Index),
	}
}

// Index returns the authoritative index for unique key def, creating it on first use.
func (c *Coordinator) Index(def int) Index {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.indexes[def]
	if !ok {
		ns := Namespace{Collection: c.collection, Definition: def, Global: true}
		idx = &coordinated{c: c, def: def, inner: c.factory(ns)}
		c.indexes[def] = idx
		c.logger.Debug("created global unique index", zap.String("namespace", ns.String()))
	}
	return idx
}

// TryInsert claims tuple for unique key def.
func (c *Coordinator) TryInsert(ctx context.Context, def int, tuple uniquekey.Tuple, e Entry) (InsertResult, error) {
	return c.Index(def).TryInsert(ctx, tuple, e)
}

// Remove releases tuple of unique key def held by e.DocID.
func (c *Coordinator) Remove(ctx context.Context, def int, tuple uniquekey.Tuple, e Entry) error {
	return c.Index(def).Remove(ctx, tuple, e)
}

// Lookup returns the holder of tuple for unique key def.
func (c *Coordinator) Lookup(ctx context.Context, def int, tuple uniquekey.Tuple) (Entry, bool, error) {
	return c.Index(def).Lookup(ctx, tuple)
}

// Definitions returns the ordinals of unique keys with an authoritative index.
func (c *Coordinator) Definitions() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	defs := make([]int, 0, len(c.indexes))
	for d := range c.indexes {
		defs = append(defs, d)
	}
	sort.Ints(defs)
	return defs
}

// Stats returns a snapshot of the outcome counters.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Inserts:                 c.inserts.Load(),
		Conflicts:               c.conflicts.Load(),
		CrossPartitionConflicts: c.crossPartitionConflicts.Load(),
	}
}

// coordinated wraps an authoritative index to record outcomes.
type coordinated struct {
	c     *Coordinator
	def   int
	inner Index
}

func (w *coordinated) TryInsert(ctx context.Context, tuple uniquekey.Tuple, e Entry) (InsertResult, error) {
	res, err := w.inner.TryInsert(ctx, tuple, e)
	if err != nil {
		return res, err
	}
	switch res.Status {
	case StatusInserted:
		w.c.inserts.Add(1)
	case StatusConflict:
		w.c.conflicts.Add(1)
		if res.Existing.Partition != e.Partition {
			w.c.crossPartitionConflicts.Add(1)
		}
		w.c.logger.Debug("global unique key conflict",
			zap.Int("definition", w.def),
			zap.String("tuple", tuple.String()),
			zap.String("docID", e.DocID),
			zap.String("partition", string(e.Partition)),
			zap.String("existingDocID", res.Existing.DocID),
			zap.String("existingPartition", string(res.Existing.Partition)),
		)
	}
	return res, nil
}

func (w *coordinated) Remove(ctx context.Context, tuple uniquekey.Tuple, e Entry) error {
	return w.inner.Remove(ctx, tuple, e)
}

func (w *coordinated) Lookup(ctx context.Context, tuple uniquekey.Tuple) (Entry, bool, error) {
	return w.inner.Lookup(ctx, tuple)
}

// Partitions holds the per-partition indexes of unique keys that include the partition
// key. Tuples of such keys can only collide inside one partition.
type Partitions struct {
	collection string
	factory    Factory

	mu     sync.Mutex
	shards map[partitionSlot]Index
}

type partitionSlot struct {
	def       int
	partition shard.PartitionID
}

// NewPartitions creates an empty set of partition-local indexes.
func NewPartitions(collection string, factory Factory) *Partitions {
	if factory == nil {
		factory = MemoryFactory()
	}
	return &Partitions{
		collection: collection,
		factory:    factory,
		shards:     make(map[partitionSlot]Index),
	}
}

// Index returns the index of unique key def in partition, creating it on first use.
func (p *Partitions) Index(def int, partition shard.PartitionID) Index {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := partitionSlot{def: def, partition: partition}
	idx, ok := p.shards[slot]
	if !ok {
		idx = p.factory(Namespace{Collection: p.collection, Definition: def, Partition: partition})
		p.shards[slot] = idx
	}
	return idx
}

// Len returns the number of materialized partition indexes.
func (p *Partitions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shards)
}
