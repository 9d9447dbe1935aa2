// Package shard maps partition key values to physical partitions and derives
// hash-distributed keys for unique constraint records.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"

	"github.com/jacentio/unikey/uniquekey"
)

// MaxPartitions is the upper bound on physical partitions per collection.
const MaxPartitions = 256

// PartitionID names a physical partition ("00" through "ff").
type PartitionID string

// SinglePartition is the partition used when a collection has no partition key.
const SinglePartition PartitionID = "00"

// Resolver maps a document's partition key value to its physical partition.
type Resolver interface {
	Resolve(partitionKey uniquekey.Tuple) PartitionID
}

// HashResolver distributes partition key values over a fixed number of partitions.
// With numPartitions=1, everything goes to partition "00".
type HashResolver struct {
	numPartitions int
}

// NewHashResolver creates a HashResolver. numPartitions is clamped to [1, MaxPartitions].
func NewHashResolver(numPartitions int) HashResolver {
	if numPartitions < 1 {
		numPartitions = 1
	}
	if numPartitions > MaxPartitions {
		numPartitions = MaxPartitions
	}
	return HashResolver{numPartitions: numPartitions}
}

// NumPartitions returns the number of partitions.
func (r HashResolver) NumPartitions() int {
	if r.numPartitions < 1 {
		return 1
	}
	return r.numPartitions
}

// Resolve hashes the canonical tuple key onto a partition.
func (r HashResolver) Resolve(partitionKey uniquekey.Tuple) PartitionID {
	n := r.NumPartitions()
	if n == 1 {
		return SinglePartition
	}
	return PartitionID(fmt.Sprintf("%02x", Slot(partitionKey.Key(), n)))
}

// Slot hashes key onto [0, n). Used for partitions and for striped locks.
func Slot(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// ConstraintPK computes a hash-distributed partition key for a unique constraint record.
// Each (namespace, tuple) lands on its own partition, so there is no hot key per index.
func ConstraintPK(namespace, tupleKey string) string {
	data := fmt.Sprintf("%s#%s", namespace, tupleKey)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}
