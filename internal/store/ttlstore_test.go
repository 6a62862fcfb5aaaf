package store

import (
	"sync"
	"testing"
	"time"
)

func TestSetAndGet(t *testing.T) {
	s := NewTTLStore[string, int](time.Minute)
	defer s.Stop()

	s.Set("a", 1)
	got, ok := s.Get("a")
	if !ok || got != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", got, ok)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
}

func TestSetWithoutTTLNeverExpires(t *testing.T) {
	s := NewTTLStore[string, int](10 * time.Millisecond)
	defer s.Stop()

	s.Set("pinned", 1)
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.Get("pinned"); !ok {
		t.Error("entry without TTL expired")
	}
}

func TestSetTTLExpires(t *testing.T) {
	s := NewTTLStore[string, int](10 * time.Millisecond)
	defer s.Stop()

	s.SetTTL("fleeting", 1, 20*time.Millisecond)
	if _, ok := s.Get("fleeting"); !ok {
		t.Fatal("entry should exist before its TTL")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := s.Get("fleeting"); ok {
		t.Error("entry survived its TTL")
	}
}

func TestExpireArmsExistingEntry(t *testing.T) {
	s := NewTTLStore[string, int](10 * time.Millisecond)
	defer s.Stop()

	s.Set("a", 1)
	if !s.Expire("a", 20*time.Millisecond) {
		t.Fatal("Expire on existing key should report true")
	}
	if s.Expire("missing", time.Second) {
		t.Error("Expire on missing key should report false")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := s.Get("a"); ok {
		t.Error("armed entry survived its TTL")
	}
}

func TestOnEvictRunsForExpiredEntries(t *testing.T) {
	s := NewTTLStore[string, int](10 * time.Millisecond)
	defer s.Stop()

	var mu sync.Mutex
	evicted := map[string]int{}
	s.SetOnEvict(func(key string, value int) {
		mu.Lock()
		evicted[key] = value
		mu.Unlock()
	})

	s.SetTTL("a", 1, 20*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if evicted["a"] != 1 {
		t.Errorf("evicted = %v, want a=1", evicted)
	}
}

func TestLenAndRange(t *testing.T) {
	s := NewTTLStore[string, int](time.Minute)
	defer s.Stop()

	s.Set("a", 1)
	s.Set("b", 2)
	s.Delete("a")

	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	seen := 0
	s.Range(func(key string, value int) bool {
		seen++
		return true
	})
	if seen != 1 {
		t.Errorf("Range visited %d entries, want 1", seen)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewTTLStore[string, int](time.Minute)
	s.Stop()
	s.Stop()
}
