// Package registry provides a generic thread-safe name-keyed registry used by
// the tool catalogue and the LLM provider table.
package registry

import (
	"fmt"
	"sync"
)

// BaseRegistry is a generic registry keyed by name.
type BaseRegistry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewBaseRegistry creates an empty registry.
func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{
		items: make(map[string]T),
	}
}

// Register adds or replaces an item under the given name.
func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("registry: name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = item
	return nil
}

// Get retrieves an item by name.
func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[name]
	return item, ok
}

// Remove deletes an item by name. Returns false if the name was absent.
func (r *BaseRegistry[T]) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[name]; !ok {
		return false
	}
	delete(r.items, name)
	return true
}

// Names returns all registered names in unspecified order.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	return names
}

// List returns all registered items in unspecified order.
func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]T, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	return items
}

// Range calls fn for each registered item until fn returns false.
// The lock is held for the duration; fn must not call back into the registry.
func (r *BaseRegistry[T]) Range(fn func(name string, item T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, item := range r.items {
		if !fn(name, item) {
			return
		}
	}
}

// Count returns the number of registered items.
func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Clear removes all items.
func (r *BaseRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]T)
}
