package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jacentio/unikey/internal/shard"
	"github.com/jacentio/unikey/uniquekey"
)

// DefaultRedisPrefix prefixes every key written by RedisIndex.
const DefaultRedisPrefix = "unikey:"

// Each held tuple is a hash {doc_id, partition}. The scripts make claim and release
// single atomic steps on the server.
var (
	tryInsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'doc_id')
if cur then
	return {cur, redis.call('HGET', KEYS[1], 'partition') or ''}
end
redis.call('HSET', KEYS[1], 'doc_id', ARGV[1], 'partition', ARGV[2])
return {}
`)

	removeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'doc_id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisIndex implements Index on Redis.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
	ns     Namespace
}

// NewRedisIndex creates a RedisIndex for one namespace. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisIndex(client redis.UniversalClient, prefix string, ns Namespace) *RedisIndex {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisIndex{client: client, prefix: prefix, ns: ns}
}

// RedisFactory returns a Factory whose indexes share one Redis deployment.
func RedisFactory(client redis.UniversalClient, prefix string) Factory {
	return func(ns Namespace) Index { return NewRedisIndex(client, prefix, ns) }
}

func (r *RedisIndex) key(tuple uniquekey.Tuple) string {
	return r.prefix + r.ns.String() + ":" + shard.ConstraintPK(r.ns.String(), tuple.Key())
}

// TryInsert implements Index.
func (r *RedisIndex) TryInsert(ctx context.Context, tuple uniquekey.Tuple, e Entry) (InsertResult, error) {
	owner, err := tryInsertScript.Run(ctx, r.client, []string{r.key(tuple)}, e.DocID, string(e.Partition)).StringSlice()
	if err != nil {
		return InsertResult{}, fmt.Errorf("redis try insert: %w", err)
	}
	if len(owner) == 0 {
		return InsertResult{Status: StatusInserted}, nil
	}
	if owner[0] == e.DocID {
		return InsertResult{Status: StatusOwned}, nil
	}
	existing := Entry{DocID: owner[0]}
	if len(owner) > 1 {
		existing.Partition = shard.PartitionID(owner[1])
	}
	return InsertResult{Status: StatusConflict, Existing: existing}, nil
}

// Remove implements Index.
func (r *RedisIndex) Remove(ctx context.Context, tuple uniquekey.Tuple, e Entry) error {
	if err := removeScript.Run(ctx, r.client, []string{r.key(tuple)}, e.DocID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis remove: %w", err)
	}
	return nil
}

// Lookup implements Index.
func (r *RedisIndex) Lookup(ctx context.Context, tuple uniquekey.Tuple) (Entry, bool, error) {
	vals, err := r.client.HMGet(ctx, r.key(tuple), "doc_id", "partition").Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis lookup: %w", err)
	}
	docID, ok := vals[0].(string)
	if !ok {
		return Entry{}, false, nil
	}
	e := Entry{DocID: docID}
	if p, ok := vals[1].(string); ok {
		e.Partition = shard.PartitionID(p)
	}
	return e, true, nil
}

// ClearRedis deletes every unique key record of collection under prefix and returns the
// number of keys removed.
func ClearRedis(ctx context.Context, client redis.UniversalClient, prefix, collection string) (int, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	pattern := globEscaper.Replace(prefix+collection) + "/*"

	removed := 0
	iter := client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		n, err := client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("redis clear %s: %w", collection, err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis clear %s: %w", collection, err)
	}
	return removed, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
