// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with expiration metadata. A zero ExpiresAt means the
// entry never expires.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired.
func (e *Entry[T]) IsExpired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// TTLStore is a generic in-memory store with TTL support and automatic cleanup.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	onEvict  func(key K, value V)
}

// NewTTLStore creates a new TTL store. The cleanup goroutine runs every
// cleanupInterval to remove expired entries.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*Entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict sets the callback called when items are removed during cleanup
// (not on manual Delete).
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value that never expires until Expire or Delete is called.
func (s *TTLStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value}
}

// SetTTL stores a value with the given TTL.
func (s *TTLStore[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: time.Now().Add(ttl)}
}

// Expire rearms an existing entry with a TTL. Returns false if the key is
// not present.
func (s *TTLStore[K, V]) Expire(key K, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.items[key]
	if !exists || entry.IsExpired() {
		return false
	}
	entry.ExpiresAt = time.Now().Add(ttl)
	return true
}

// Get retrieves a value by key. Returns the value and true if found and not
// expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.items[key]
	if !exists || entry.IsExpired() {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Delete removes a key without invoking the eviction callback.
func (s *TTLStore[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Len returns the number of non-expired entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entry := range s.items {
		if !entry.IsExpired() {
			n++
		}
	}
	return n
}

// Range calls fn for each non-expired entry until fn returns false.
func (s *TTLStore[K, V]) Range(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, entry := range s.items {
		if entry.IsExpired() {
			continue
		}
		if !fn(k, entry.Value) {
			return
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (s *TTLStore[K, V]) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) cleanup() {
	type evicted struct {
		key   K
		value V
	}
	var removed []evicted

	s.mu.Lock()
	for k, entry := range s.items {
		if entry.IsExpired() {
			removed = append(removed, evicted{key: k, value: entry.Value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range removed {
			onEvict(e.key, e.value)
		}
	}
}
