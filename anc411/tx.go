package anc411

import (
	"fmt"
	"sync"

	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "anc411")

// MaxItemsPerPacket is spec.md §4.7's ST40_MAX_META: the most sub-packets
// one RTP packet carries before a new packet starts.
const MaxItemsPerPacket = 8

// Transmitter is the queue a TX session hands finished packets to.
type Transmitter interface {
	TxBurst(bufs []*mbuf.Buf, n int) (int, error)
}

// TXConfig configures one ANC/fast-metadata TX session.
type TXConfig struct {
	PayloadType uint8
	SSRC        uint32
}

// TXSession builds RFC 8331 packets from a frame's worth of meta items,
// one packet per MaxItemsPerPacket-sized group, keyed on a single RTP
// timestamp per spec.md §4.7.
type TXSession struct {
	cfg  TXConfig
	pool *mbuf.Pool
	tx   Transmitter

	mu          sync.Mutex
	seq         uint16
	itemsSent   uint64
	packetsSent uint64
}

// NewTXSession creates an ANC/fast-metadata TX session.
func NewTXSession(cfg TXConfig, pool *mbuf.Pool, tx Transmitter) *TXSession {
	return &TXSession{cfg: cfg, pool: pool, tx: tx}
}

// SendFrame packetizes items under one RTP timestamp, marking the final
// packet of the frame.
func (s *TXSession) SendFrame(ts uint32, items []Item) (int, error) {
	sent := 0
	for start := 0; start < len(items); start += MaxItemsPerPacket {
		end := start + MaxItemsPerPacket
		if end > len(items) {
			end = len(items)
		}
		group := items[start:end]
		marker := end == len(items)

		payload, err := s.buildPayload(group)
		if err != nil {
			return sent, fmt.Errorf("anc411: build payload: %w", err)
		}

		b := s.pool.Alloc()
		s.mu.Lock()
		seq := s.seq
		s.seq++
		s.mu.Unlock()

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    s.cfg.PayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           s.cfg.SSRC,
			},
			Payload: payload,
		}
		out, err := pkt.Marshal()
		if err != nil {
			return sent, fmt.Errorf("anc411: rtp marshal: %w", err)
		}
		b.Payload = append(b.Payload, out...)

		n, err := s.tx.TxBurst([]*mbuf.Buf{b}, 1)
		if err != nil {
			log.WithError(err).Error("anc411 tx burst failed")
			return sent, fmt.Errorf("anc411: tx burst: %w", err)
		}
		sent += n

		s.mu.Lock()
		s.itemsSent += uint64(len(group))
		s.packetsSent++
		s.mu.Unlock()
	}
	return sent, nil
}

// buildPayload serializes one RTP payload: a 1-byte item count followed
// by each item's marshaled sub-packet.
func (s *TXSession) buildPayload(items []Item) ([]byte, error) {
	out := []byte{byte(len(items))}
	for i := range items {
		b, err := items[i].Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// Stats returns cumulative TX counters.
func (s *TXSession) Stats() (itemsSent, packetsSent uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsSent, s.packetsSent
}
