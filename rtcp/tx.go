package rtcp

import (
	"sync"

	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "rtcp")

// Retransmitter is the system TX queue a TXRing re-emits matched packets
// through, per spec.md §4.4 ("re-emits the matching packets through the
// system TX queue").
type Retransmitter interface {
	TxBurst(bufs []*mbuf.Buf, n int) (int, error)
}

// TXRing keeps the last bufferSize transmitted packets indexed by RTP
// sequence number, so a NACK naming a recent seq id can be served without
// the session re-deriving the packet from the frame buffer.
type TXRing struct {
	mu      sync.Mutex
	slots   []*mbuf.Buf
	seqs    []uint16
	present []bool
	size    int

	retransmitted uint64
	ignored       uint64
}

// NewTXRing creates a ring holding the last bufferSize packets.
func NewTXRing(bufferSize int) *TXRing {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &TXRing{
		slots:   make([]*mbuf.Buf, bufferSize),
		seqs:    make([]uint16, bufferSize),
		present: make([]bool, bufferSize),
		size:    bufferSize,
	}
}

// Record stores b as the packet just sent at RTP sequence seq. The caller
// retains ownership; TXRing only holds a reference for possible
// retransmission, never frees it.
func (r *TXRing) Record(seq uint16, b *mbuf.Buf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := int(seq) % r.size
	r.slots[idx] = b
	r.seqs[idx] = seq
	r.present[idx] = true
}

// HandleNack parses an inbound IMTL NACK packet and re-emits every
// still-buffered matching packet through tx. Items naming a seq id this
// ring no longer holds (too old) or never sent (not yet transmitted) are
// logged and ignored, per spec.md §4.4.
func (r *TXRing) HandleNack(pkt *Packet, tx Retransmitter) error {
	r.mu.Lock()
	var resend []*mbuf.Buf
	for _, item := range pkt.Items {
		count := int(item.FollowCount) + 1
		for i := 0; i < count; i++ {
			seq := item.StartSeq + uint16(i)
			idx := int(seq) % r.size
			if !r.present[idx] || r.seqs[idx] != seq {
				r.ignored++
				log.WithField("seq", seq).Debug("nack for unbuffered sequence, ignored")
				continue
			}
			resend = append(resend, r.slots[idx])
		}
	}
	r.mu.Unlock()

	if len(resend) == 0 {
		return nil
	}
	n, err := tx.TxBurst(resend, len(resend))
	r.mu.Lock()
	r.retransmitted += uint64(n)
	r.mu.Unlock()
	return err
}

// Stats returns the retransmitted and ignored NACK item counters.
func (r *TXRing) Stats() (retransmitted, ignored uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retransmitted, r.ignored
}
