// Package state provides the shared in-memory key-value store that
// handlers use to exchange per-task and per-device state between
// messages. It is the only sanctioned cross-handler mutable state;
// values are opaque to the store and tagged by the caller's key
// convention (e.g. "task:<id>:status", "heartbeat:<source>:last_seen").
package state

import (
	"strings"
	"sync"
)

// Store is a concurrency-safe keyed map. The zero value is not usable;
// call NewStore.
type Store struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]any)}
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Get returns the value for key, or nil if absent.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

// TryGet returns the value and whether it was present.
func (s *Store) TryGet(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Contains reports whether key is present.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Remove deletes key and reports whether it existed.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// Update applies fn to the current value of key (nil if absent) and
// stores the result. The read-modify-write is atomic: no other writer
// can interleave between fn observing the old value and the store of
// the new one.
func (s *Store) Update(key string, fn func(old any) any) {
	s.mu.Lock()
	s.data[key] = fn(s.data[key])
	s.mu.Unlock()
}

// Count returns the number of stored keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns a snapshot of all keys in unspecified order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// KeysWithPrefix returns all keys starting with prefix. Used by the
// workflow engine to sweep task-scoped temporary keys.
func (s *Store) KeysWithPrefix(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns a shallow copy of the whole map.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// ClearAll removes every entry.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.data = make(map[string]any)
	s.mu.Unlock()
}
