package ring

import (
	"sync"

	"github.com/OpenVisualCloud/go-mtl/mtlerr"
)

// MPMC is a multi-producer/multi-consumer bounded ring for a ring that more
// than one tasklet may touch. No other package in this module constructs
// one: the shared RX queue's session and CNI sinks (spec.md §4.2) are
// ring.SPSC. Built as a mutex-guarded slice rather
// than a lock-free structure: the pack's mempool-style primitives (spec.md
// §5 "Mempools are lock-free (MPMC semantics from the pool implementation)")
// don't surface a reusable lock-free MPMC ring for arbitrary Go types, and
// the shared-queue spinlock spec.md §4.2 already describes is the same
// granularity of lock this type provides.
type MPMC[T any] struct {
	mu   sync.Mutex
	buf  []*T
	head int
	tail int
	size int
}

// NewMPMC creates a ring with the given fixed capacity.
func NewMPMC[T any](capacity int) *MPMC[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &MPMC[T]{buf: make([]*T, capacity)}
}

// Enqueue places v at the tail, or returns mtlerr.ErrRingFull.
func (r *MPMC[T]) Enqueue(v *T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.buf) {
		return mtlerr.ErrRingFull
	}
	r.buf[r.tail] = v
	r.tail = (r.tail + 1) % len(r.buf)
	r.size++
	return nil
}

// Dequeue removes and returns the head element, or (nil, false) if empty.
func (r *MPMC[T]) Dequeue() (*T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// Len returns the number of elements currently queued.
func (r *MPMC[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
