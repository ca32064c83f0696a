// Package ring implements the bounded FIFO of mbuf pointers spec.md §3
// calls "Ring" — the substrate for every inter-thread hand-off in the
// datapath (shared-queue fan-in/out, RX→consumer, consumer→TX, tasklet
// wake-up). SPSC is lock-free single-producer/single-consumer; MPMC adds a
// mutex for a ring that may be touched from more than one tasklet.
package ring

import (
	"sync/atomic"

	"github.com/OpenVisualCloud/go-mtl/mtlerr"
)

// SPSC is a single-producer/single-consumer bounded ring of *T. Capacity is
// rounded up to the next power of two so index masking replaces modulo.
type SPSC[T any] struct {
	mask  uint64
	buf   []atomic.Pointer[T]
	head  atomic.Uint64 // consumer-owned
	tail  atomic.Uint64 // producer-owned
}

// NewSPSC creates a ring able to hold at least capacity elements.
func NewSPSC[T any](capacity int) *SPSC[T] {
	n := nextPow2(capacity)
	return &SPSC[T]{
		mask: uint64(n - 1),
		buf:  make([]atomic.Pointer[T], n),
	}
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Enqueue places v at the tail. Returns mtlerr.ErrRingFull if the ring has
// no free slot; per spec.md §4.2 this is a silent drop from the caller's
// perspective, not a blocking operation.
func (r *SPSC[T]) Enqueue(v *T) error {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= uint64(len(r.buf)) {
		return mtlerr.ErrRingFull
	}
	r.buf[tail&r.mask].Store(v)
	r.tail.Store(tail + 1)
	return nil
}

// Dequeue removes and returns the head element, or (nil, false) if empty.
func (r *SPSC[T]) Dequeue() (*T, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return nil, false
	}
	slot := &r.buf[head&r.mask]
	v := slot.Load()
	slot.Store(nil)
	r.head.Store(head + 1)
	return v, true
}

// Len returns the number of elements currently queued. Approximate under
// concurrent access from the non-owning side, exact from the owning side.
func (r *SPSC[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the ring's fixed capacity.
func (r *SPSC[T]) Cap() int { return len(r.buf) }
