// Package syncmap provides a typed map that is safe for concurrent use.
package syncmap

import (
	"iter"
	"sync"
)

// SyncMap is a map guarded by a read-write mutex.
// Writes are last-write-wins; it suits read-mostly data whose values never change once stored.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func New[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// LoadMany returns the values found for keys and the keys that were missing,
// both in the order the keys were given.
func (s *SyncMap[K, V]) LoadMany(keys []K) (found map[K]V, missing []K) {
	found = make(map[K]V, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		if v, ok := s.m[k]; ok {
			found[k] = v
			continue
		}
		missing = append(missing, k)
	}
	return found, missing
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// LoadOrStore returns the value stored under key if there is one.
// Otherwise it stores value and returns it.
func (s *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	s.m[key] = value
	return value, false
}

// StoreMany stores every pair of values under a single lock acquisition.
func (s *SyncMap[K, V]) StoreMany(values map[K]V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.m[k] = v
	}
}

func (s *SyncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *SyncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// All iterates over the map while holding the read lock.
// The yield function must not write to the map.
func (s *SyncMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for k, v := range s.m {
			if !yield(k, v) {
				return
			}
		}
	}
}
