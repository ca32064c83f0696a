// Package queue implements the shared TX/RX queue multiplexer of spec.md
// §4.2 (C5): a small fixed pool of hardware queues contended for by many
// sessions, with software soft-RSS classification standing in for a
// hardware classifier when the backend has none.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "queue")

// SharedTXQueue wraps one backend TX queue with a spinlock (a busy-retry
// CAS loop rather than a blocking mutex, so a tasklet never parks the OS
// thread mid-burst) and a fatal flag a queue sets once the backend reports
// it unusable.
type SharedTXQueue struct {
	q     backend.TXQueue
	busy  atomic.Bool
	fatal atomic.Bool
}

// NewSharedTXQueue wraps a backend-opened TX queue for multiplexed use.
func NewSharedTXQueue(q backend.TXQueue) *SharedTXQueue {
	return &SharedTXQueue{q: q}
}

// TryLock attempts to acquire the queue's spinlock without blocking,
// returning false if another session's burst is in flight.
func (s *SharedTXQueue) TryLock() bool {
	return s.busy.CompareAndSwap(false, true)
}

// Unlock releases the spinlock.
func (s *SharedTXQueue) Unlock() { s.busy.Store(false) }

// Fatal reports whether this queue has been marked unusable.
func (s *SharedTXQueue) Fatal() bool { return s.fatal.Load() || s.q.Fatal() }

// Burst takes the spinlock, forwards bufs to the backend, releases, and
// marks the queue fatal on a hard backend error so the next TSQSet.Get
// skips it (spec.md §4.2 "tsq_burst ... may be marked fatal error").
func (s *SharedTXQueue) Burst(bufs []*mbuf.Buf, n int) (int, error) {
	for !s.TryLock() {
	}
	defer s.Unlock()

	sent, err := s.q.TxBurst(bufs, n)
	if err != nil {
		log.WithError(err).Warn("shared tx queue marked fatal")
		s.fatal.Store(true)
	}
	return sent, err
}

// TxBurst satisfies rfc4175.Transmitter/anc411.Transmitter by forwarding
// to Burst, so a mtl session can hand a SharedTXQueue to its TX session
// core exactly as it would a dedicated backend.TXQueue.
func (s *SharedTXQueue) TxBurst(bufs []*mbuf.Buf, n int) (int, error) {
	return s.Burst(bufs, n)
}

// Backend returns the wrapped queue, for the caller that owns the
// refcounting/teardown of the underlying backend.TXQueue.
func (s *SharedTXQueue) Backend() backend.TXQueue { return s.q }

// TSQSet is the pool of shared TX queues a port makes available to
// sessions running in shared-queue mode.
type TSQSet struct {
	mu      sync.Mutex
	queues  []*SharedTXQueue
	nextIdx int
}

// NewTSQSet wraps queues, in hardware queue-id order, for round-robin
// allocation with fatal-queue skipping.
func NewTSQSet(queues []*SharedTXQueue) *TSQSet {
	return &TSQSet{queues: queues}
}

// Get returns the next non-fatal queue in round-robin order, or
// ErrQueueBusy if every queue is currently fatal.
func (s *TSQSet) Get() (*SharedTXQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queues)
	for i := 0; i < n; i++ {
		idx := (s.nextIdx + i) % n
		q := s.queues[idx]
		if !q.Fatal() {
			s.nextIdx = (idx + 1) % n
			return q, nil
		}
	}
	return nil, mtlerr.ErrQueueBusy
}

// Len reports the number of queues in the set.
func (s *TSQSet) Len() int { return len(s.queues) }
