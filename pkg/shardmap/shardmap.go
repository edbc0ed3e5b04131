// Package shardmap provides a concurrent map split into independently locked
// shards. Keys are assigned to shards by their xxhash digest.
package shardmap

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultShards = 32

type shard[K ~string, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// Map is safe for concurrent use. Operations on a single key are atomic;
// there is no atomicity across keys.
type Map[K ~string, V any] struct {
	shards []*shard[K, V]
}

// New creates a map with n shards. n <= 0 selects DefaultShards.
func New[K ~string, V any](n int) *Map[K, V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[K, V]{shards: make([]*shard[K, V], n)}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return m.shards[xxhash.Sum64String(string(key))%uint64(len(m.shards))]
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (m *Map[K, V]) Set(key K, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// SetIfAbsent stores value only when key is not present and reports whether
// it did.
func (m *Map[K, V]) SetIfAbsent(key K, value V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; exists {
		return false
	}
	s.items[key] = value
	return true
}

// Update runs fn under the shard lock with the current value. If fn returns
// keep=false the key is removed, otherwise the returned value is stored.
func (m *Map[K, V]) Update(key K, fn func(current V, exists bool) (next V, keep bool)) V {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	next, keep := fn(cur, ok)
	if keep {
		s.items[key] = next
	} else {
		delete(s.items, key)
	}
	return next
}

// Delete removes key and returns the removed value.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// DeleteIf removes key only when pred holds for its current value.
func (m *Map[K, V]) DeleteIf(key K, pred func(V) bool) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok || !pred(v) {
		return false
	}
	delete(s.items, key)
	return true
}

// Len returns the number of keys. The result is not a consistent snapshot
// under concurrent writes.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry, one shard at a time, until fn returns
// false. fn must not call back into the map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Clear removes every entry.
func (m *Map[K, V]) Clear() {
	for _, s := range m.shards {
		s.mu.Lock()
		s.items = make(map[K]V)
		s.mu.Unlock()
	}
}
