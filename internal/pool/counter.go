// Package pool provides revolving identifier pools for media control
// commands. A pool hands out monotonically increasing integers and wraps
// back to its low bound at the high bound, so an identifier is never
// reused while a prior allocation might still resolve.
package pool

import "sync/atomic"

// Revolving is a concurrency-safe revolving counter over [low, high].
// The zero value is not usable; construct with NewRevolving.
type Revolving struct {
	low  uint64
	high uint64
	next atomic.Uint64
}

// NewRevolving creates a counter that yields low, low+1, ... high and then
// wraps back to low. Panics if low > high.
func NewRevolving(low, high uint64) *Revolving {
	if low > high {
		panic("pool: low bound above high bound")
	}
	r := &Revolving{low: low, high: high}
	r.next.Store(low)
	return r
}

// Get returns the next identifier, wrapping at the high bound.
func (r *Revolving) Get() uint64 {
	for {
		cur := r.next.Load()
		n := cur + 1
		if cur >= r.high {
			n = r.low
		}
		if r.next.CompareAndSwap(cur, n) {
			return cur
		}
	}
}

// Peek returns the identifier the next Get would yield, without consuming
// it. Intended for tests that assert pool state.
func (r *Revolving) Peek() uint64 {
	return r.next.Load()
}
