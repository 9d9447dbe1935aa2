package index

import (
	"context"
	"sync"

	"github.com/jacentio/unikey/uniquekey"
)

// Shard is an in-memory Index. All mutations happen under one mutex, which makes
// TryInsert and Remove linearizable.
type Shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewShard creates an empty Shard.
func NewShard() *Shard {
	return &Shard{entries: make(map[string]Entry)}
}

// TryInsert implements Index.
func (s *Shard) TryInsert(ctx context.Context, tuple uniquekey.Tuple, e Entry) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	key := tuple.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok {
		if cur.DocID == e.DocID {
			return InsertResult{Status: StatusOwned}, nil
		}
		return InsertResult{Status: StatusConflict, Existing: cur}, nil
	}
	s.entries[key] = e
	return InsertResult{Status: StatusInserted}, nil
}

// Remove implements Index.
func (s *Shard) Remove(_ context.Context, tuple uniquekey.Tuple, e Entry) error {
	key := tuple.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok && cur.DocID == e.DocID {
		delete(s.entries, key)
	}
	return nil
}

// Lookup implements Index.
func (s *Shard) Lookup(_ context.Context, tuple uniquekey.Tuple) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[tuple.Key()]
	return e, ok, nil
}

// Len returns the number of held tuples.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
