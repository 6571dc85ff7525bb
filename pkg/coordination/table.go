package coordination

import (
	"maps"
	"slices"
	"sync"
)

// Table is a concurrency-safe key/value store owned by a single agent
// instance. Tables are never shared between agents.
type Table[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewTable creates an empty Table.
func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{items: make(map[K]V)}
}

// Get returns the value stored under key.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.items[key]
	return v, ok
}

// Has reports whether key is present.
func (t *Table[K, V]) Has(key K) bool {
	_, ok := t.Get(key)
	return ok
}

// Set stores value under key and reports whether it replaced an entry.
func (t *Table[K, V]) Set(key K, value V) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced = t.items[key]
	t.items[key] = value
	return replaced
}

// Update applies fn to the entry under key while holding the write lock.
// fn receives the current value (or the zero value) and whether it existed,
// and returns the value to store.
func (t *Table[K, V]) Update(key K, fn func(current V, exists bool) V) V {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.items[key]
	next := fn(cur, ok)
	t.items[key] = next
	return next
}

// Replace applies fn to the entry under key only if it exists, and reports
// whether it did.
func (t *Table[K, V]) Replace(key K, fn func(current V) V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.items[key]
	if ok {
		t.items[key] = fn(cur)
	}
	return ok
}

// Delete removes key and returns the removed value.
func (t *Table[K, V]) Delete(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[key]
	if ok {
		delete(t.items, key)
	}
	return v, ok
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Snapshot returns a copy of all entries.
func (t *Table[K, V]) Snapshot() map[K]V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.items)
}

// Values returns a copy of all values in unspecified order.
func (t *Table[K, V]) Values() []V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Collect(maps.Values(t.items))
}

// Drain removes and returns every entry.
func (t *Table[K, V]) Drain() map[K]V {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.items
	t.items = make(map[K]V)
	return old
}
