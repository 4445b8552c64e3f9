// Package cache holds the process-wide in-memory mirror of entity state.
// Entries are never evicted; a time-to-live only marks the collection stale
// so readers know to attempt a refresh. Stale data is still served when a
// refresh is impossible (availability over strict freshness).
package cache

import (
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Store is a keyed in-memory cache of one entity collection.
type Store[T any] struct {
	ttl  time.Duration
	data *gocache.Cache

	mu          sync.Mutex
	refreshedAt time.Time
}

// New builds a Store whose collection is considered stale once ttl has
// passed since the last full refresh.
func New[T any](ttl time.Duration) *Store[T] {
	// NoExpiration: staleness is advisory here, never an eviction policy.
	return &Store[T]{
		ttl:  ttl,
		data: gocache.New(gocache.NoExpiration, 0),
	}
}

// Put stores or overwrites the entry for key. Applying the same entity
// twice produces the same observable state.
func (s *Store[T]) Put(key string, v T) {
	s.data.Set(key, entry[T]{value: v, fetchedAt: time.Now()}, gocache.NoExpiration)
}

// Get returns the entry for key, or false on a miss.
func (s *Store[T]) Get(key string) (T, bool) {
	raw, found := s.data.Get(key)
	if !found {
		var zero T
		return zero, false
	}
	return raw.(entry[T]).value, true
}

// Delete removes the entry for key. Missing keys are a no-op.
func (s *Store[T]) Delete(key string) {
	s.data.Delete(key)
}

// All returns every cached entity ordered by key.
func (s *Store[T]) All() []T {
	items := s.data.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, items[k].Object.(entry[T]).value)
	}
	return out
}

// Keys returns all cached keys, sorted.
func (s *Store[T]) Keys() []string {
	items := s.data.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached entities.
func (s *Store[T]) Len() int {
	return s.data.ItemCount()
}

// Replace swaps the whole collection for items and marks it fresh. Used
// when a full set arrives from the remote authority.
func (s *Store[T]) Replace(items map[string]T) {
	s.data.Flush()
	now := time.Now()
	for k, v := range items {
		s.data.Set(k, entry[T]{value: v, fetchedAt: now}, gocache.NoExpiration)
	}
	s.markRefreshed()
}

// markRefreshed records a successful refresh without replacing entries.
func (s *Store[T]) markRefreshed() {
	s.mu.Lock()
	s.refreshedAt = time.Now()
	s.mu.Unlock()
}

// Expired reports whether the collection needs a refresh attempt: either
// it was never refreshed or the TTL has elapsed since the last one.
func (s *Store[T]) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshedAt.IsZero() {
		return true
	}
	return time.Since(s.refreshedAt) > s.ttl
}
