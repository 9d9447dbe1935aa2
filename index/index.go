// Package index holds committed unique key tuples and performs the atomic
// check-and-set that admits or rejects them.
//
// Every backend implements [Index]. A conflict is an ordinary [InsertResult], never an
// error; errors are reserved for infrastructure failures. [Shard] is the in-memory
// per-partition index, [DynamoIndex] and [RedisIndex] persist the same contract.
// [Partitions] groups the per-partition shards of a collection and [Coordinator] owns
// the single authoritative index of each globally scoped unique key.
package index

import (
	"context"
	"fmt"

	"github.com/jacentio/unikey/internal/shard"
	"github.com/jacentio/unikey/uniquekey"
)

// Status is the outcome of TryInsert.
type Status uint8

const (
	// StatusInserted means the tuple was free and is now held by the caller's document.
	StatusInserted Status = iota
	// StatusOwned means the tuple was already held by the same document.
	StatusOwned
	// StatusConflict means another document holds the tuple.
	StatusConflict
)

func (s Status) String() string {
	switch s {
	case StatusInserted:
		return "inserted"
	case StatusOwned:
		return "owned"
	case StatusConflict:
		return "conflict"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Entry identifies the live document that holds a tuple.
type Entry struct {
	DocID     string
	Partition shard.PartitionID
}

// InsertResult is returned by TryInsert. Existing is set when Status is StatusConflict.
type InsertResult struct {
	Status   Status
	Existing Entry
}

// Conflict reports whether another document holds the tuple.
func (r InsertResult) Conflict() bool { return r.Status == StatusConflict }

// Fresh reports whether this call took the tuple, so a rollback must release it.
func (r InsertResult) Fresh() bool { return r.Status == StatusInserted }

// Index is the check-and-set contract shared by every backend.
type Index interface {
	// TryInsert atomically claims tuple for e.DocID. It is linearizable per tuple:
	// of several concurrent claims for a free tuple exactly one gets StatusInserted.
	TryInsert(ctx context.Context, tuple uniquekey.Tuple, e Entry) (InsertResult, error)

	// Remove releases tuple if, and only if, e.DocID holds it. Removing an absent
	// tuple, or one held by another document, is a no-op.
	Remove(ctx context.Context, tuple uniquekey.Tuple, e Entry) error

	// Lookup returns the holder of tuple.
	Lookup(ctx context.Context, tuple uniquekey.Tuple) (Entry, bool, error)
}

// Namespace names one logical index: a unique key of a collection, scoped either to a
// partition or to the whole collection.
type Namespace struct {
	Collection string
	Definition int
	Partition  shard.PartitionID
	Global     bool
}

// String renders "collection/u<definition>/global" or "collection/u<definition>/p<partition>".
func (n Namespace) String() string {
	if n.Global {
		return fmt.Sprintf("%s/u%d/global", n.Collection, n.Definition)
	}
	return fmt.Sprintf("%s/u%d/p%s", n.Collection, n.Definition, n.Partition)
}

// Factory creates the backing Index for a namespace.
type Factory func(ns Namespace) Index

// MemoryFactory returns a Factory producing in-memory shards.
func MemoryFactory() Factory {
	return func(Namespace) Index { return NewShard() }
}
