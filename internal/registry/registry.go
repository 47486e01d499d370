// Package registry provides a generic register-once, many-readers/one-writer
// store for named entries (channels, extensions, timers). It mirrors the
// teacher's registry packages' concurrency shape (sync.RWMutex, clone-on-read)
// generalized with Go generics instead of one copy per entry type.
package registry

import (
	"sync"

	"github.com/basket/taskcore/internal/task"
)

// Registerable is anything that can live in a BaseRegistry: it must name itself.
type Registerable interface {
	ID() string
}

// BaseRegistry is a concurrency-safe, register-once-by-id store.
type BaseRegistry[T Registerable] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// New creates an empty registry.
func New[T Registerable]() *BaseRegistry[T] {
	return &BaseRegistry[T]{entries: make(map[string]T)}
}

// Register adds entry under entry.ID(). Returns task.ErrAlreadyRegistered if
// an entry with that id already exists.
func (r *BaseRegistry[T]) Register(entry T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.ID()]; exists {
		return task.ErrAlreadyRegistered
	}
	r.entries[entry.ID()] = entry
	return nil
}

// Unregister removes the entry with the exact given id. Returns
// task.ErrNotRegistered if no such entry exists.
func (r *BaseRegistry[T]) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; !exists {
		return task.ErrNotRegistered
	}
	delete(r.entries, id)
	return nil
}

// Get returns the entry registered under id.
func (r *BaseRegistry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// List returns a snapshot slice of all registered entries. Mutating the
// returned slice does not affect the registry.
func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}
	return out
}

// Len returns the number of registered entries.
func (r *BaseRegistry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
