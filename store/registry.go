package store

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the collections of a database by name. Stream handlers use it to find
// the collection a storage record belongs to.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]*Collection)}
}

// Register adds a collection. Names must be unique.
func (r *Registry) Register(c *Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, ok := r.collections[name]; ok {
		return fmt.Errorf("unikey: collection %q already registered", name)
	}
	r.collections[name] = c
	return nil
}

// Collection returns the collection registered under name.
func (r *Registry) Collection(name string) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[name]
	return c, ok
}

// Names returns all registered collection names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collections))
	for n := range r.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
