package queue

import (
	"net"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/ring"
)

// rxBurstSize is the poll-loop burst spec.md §4.2 fixes at 128.
const rxBurstSize = 128

// SessionSink is the per-session receive endpoint a shared RX queue
// dispatches matched packets to. Implemented by the rfc4175 RX session and
// the RTCP engine's RX-side NACK consumer.
type SessionSink interface {
	// Match reports whether a packet with this 3-tuple belongs to the
	// session.
	Match(srcIP, dstIP net.IP, dstPort uint16) bool
	// Ring returns the session's inbound SPSC ring for batched enqueue.
	Ring() *ring.SPSC[mbuf.Buf]
}

// SharedRXQueue polls one backend RX queue, classifies each received
// packet against a linear list of registered sessions, and batches
// adjacent same-session packets before enqueueing them (spec.md §4.2:
// "adjacent packets for the same session are enqueued together to amortize
// the ring op"); ring.SPSC has no bulk enqueue, so each packet of a batch
// is still its own Enqueue call. Unmatched packets are pushed to a CNI
// catch-all sink, if one is registered.
type SharedRXQueue struct {
	q        backend.RXQueue
	sessions []SessionSink
	cni      SessionSink

	dropped    uint64
	cniDropped uint64
}

// NewSharedRXQueue wraps a backend-opened RX queue for multiplexed polling.
func NewSharedRXQueue(q backend.RXQueue) *SharedRXQueue {
	return &SharedRXQueue{q: q}
}

// Backend returns the wrapped queue, for the caller that owns the
// teardown of the underlying backend.RXQueue.
func (rq *SharedRXQueue) Backend() backend.RXQueue { return rq.q }

// AddSession registers a session's sink for classification. Order matters
// only for tie-breaking when two sessions' filters would both match, which
// spec.md's flow table already prevents via unique-tuple installation.
func (rq *SharedRXQueue) AddSession(s SessionSink) {
	rq.sessions = append(rq.sessions, s)
}

// RemoveSession unregisters a session's sink.
func (rq *SharedRXQueue) RemoveSession(s SessionSink) {
	for i, existing := range rq.sessions {
		if existing == s {
			rq.sessions = append(rq.sessions[:i], rq.sessions[i+1:]...)
			return
		}
	}
}

// SetCNI installs the catch-all sink for packets matching no session.
func (rq *SharedRXQueue) SetCNI(s SessionSink) { rq.cni = s }

// Poll performs one burst-128 RX round, classifying and batching each
// received packet. Returns the number of packets received (not the number
// successfully delivered — a ring-full drop is silent per spec.md §4.2).
func (rq *SharedRXQueue) Poll(srcIP, dstIP net.IP, dstPortOf func(*mbuf.Buf) uint16) (int, error) {
	bufs := make([]*mbuf.Buf, rxBurstSize)
	n, err := rq.q.RxBurst(bufs, rxBurstSize)
	if err != nil || n == 0 {
		return n, err
	}

	var batch []*mbuf.Buf
	var batchSink SessionSink

	flush := func() {
		if batchSink == nil || len(batch) == 0 {
			return
		}
		for _, b := range batch {
			if e := batchSink.Ring().Enqueue(b); e != nil {
				rq.dropped++
			}
		}
		batch = batch[:0]
	}

	for i := 0; i < n; i++ {
		b := bufs[i]
		port := dstPortOf(b)
		sink := rq.classify(srcIP, dstIP, port)
		if sink != batchSink {
			flush()
			batchSink = sink
		}
		if sink == nil {
			if rq.cni != nil {
				if e := rq.cni.Ring().Enqueue(b); e != nil {
					rq.cniDropped++
				}
			}
			continue
		}
		batch = append(batch, b)
	}
	flush()

	return n, nil
}

func (rq *SharedRXQueue) classify(srcIP, dstIP net.IP, dstPort uint16) SessionSink {
	for _, s := range rq.sessions {
		if s.Match(srcIP, dstIP, dstPort) {
			return s
		}
	}
	return nil
}

// Dropped returns the count of packets that matched a session but could
// not be enqueued (ring full).
func (rq *SharedRXQueue) Dropped() uint64 { return rq.dropped }

// CNIDropped returns the count of unmatched packets that could not be
// enqueued to the CNI sink.
func (rq *SharedRXQueue) CNIDropped() uint64 { return rq.cniDropped }
