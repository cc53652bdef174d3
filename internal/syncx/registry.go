// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Registry is a mutex-guarded map of live objects keyed by id.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewRegistry creates an empty registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// Put stores v under k, replacing any previous value.
func (r *Registry[K, V]) Put(k K, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[k] = v
}

// TryAdd stores v only if k is absent and reports whether it did.
func (r *Registry[K, V]) TryAdd(k K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[k]; ok {
		return false
	}
	r.items[k] = v
	return true
}

// Get returns the value stored under k.
func (r *Registry[K, V]) Get(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[k]
	return v, ok
}

// Delete removes k.
func (r *Registry[K, V]) Delete(k K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, k)
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Values returns a snapshot of the stored values in no particular order.
func (r *Registry[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	return out
}
