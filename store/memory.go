package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDocuments is an in-memory DocumentStore.
type MemoryDocuments struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryDocuments creates an empty MemoryDocuments.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{items: make(map[string]*Item)}
}

// Get implements DocumentStore.
func (m *MemoryDocuments) Get(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[id]
	if !ok || expired(it, time.Now()) {
		return nil, ErrNotFound
	}
	return copyItem(it), nil
}

// GetExpired implements ExpiredReader.
func (m *MemoryDocuments) GetExpired(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[id]
	if !ok || !expired(it, time.Now()) {
		return nil, ErrNotFound
	}
	return copyItem(it), nil
}

// Put implements DocumentStore.
func (m *MemoryDocuments) Put(_ context.Context, item *Item, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[item.ID]
	if expectedVersion == 0 {
		if ok {
			return ErrAlreadyExists
		}
	} else if !ok || cur.Version != expectedVersion {
		return ErrConcurrentModification
	}
	m.items[item.ID] = copyItem(item)
	return nil
}

// Delete implements DocumentStore.
func (m *MemoryDocuments) Delete(_ context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentModification
	}
	delete(m.items, id)
	return nil
}

// Expired implements ExpirySweeper. Items are ordered by id.
func (m *MemoryDocuments) Expired(_ context.Context, now time.Time) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Item
	for _, it := range m.items {
		if expired(it, now) {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored documents, expired ones included.
func (m *MemoryDocuments) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func expired(it *Item, now time.Time) bool {
	return it.ExpiresAt > 0 && it.ExpiresAt <= now.Unix()
}

func copyItem(it *Item) *Item {
	cp := *it
	cp.Document = it.Document.Clone()
	return &cp
}
