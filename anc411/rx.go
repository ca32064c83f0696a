package anc411

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// NotifyFrameReadyFunc delivers one frame's aggregated meta items.
type NotifyFrameReadyFunc func(items []Item)

// RXSession aggregates consecutive ANC/fast-metadata packets sharing one
// RTP timestamp into a frame-aligned meta list per spec.md §4.7: the
// in-flight group stays open until the timestamp changes or the marker
// bit is set.
type RXSession struct {
	onFrameReady NotifyFrameReadyFunc

	mu       sync.Mutex
	hasCur   bool
	curTS    uint32
	curItems []Item

	itemsReceived uint64
	itemsDropped  uint64
	checksumFails uint64
}

// NewRXSession creates an ANC/fast-metadata RX session.
func NewRXSession(onFrameReady NotifyFrameReadyFunc) *RXSession {
	return &RXSession{onFrameReady: onFrameReady}
}

// HandlePacket processes one received RTP packet carrying a 1-byte item
// count followed by marshaled sub-packets.
func (s *RXSession) HandlePacket(rtpBytes []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(rtpBytes); err != nil {
		return fmt.Errorf("anc411: rx unmarshal: %w", err)
	}
	if len(pkt.Payload) < 1 {
		return fmt.Errorf("anc411: empty payload")
	}
	count := int(pkt.Payload[0])
	buf := pkt.Payload[1:]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCur && pkt.Timestamp != s.curTS {
		s.closeLocked()
	}
	if !s.hasCur {
		s.hasCur = true
		s.curTS = pkt.Timestamp
		s.curItems = nil
	}

	for i := 0; i < count; i++ {
		it, consumed, ok, err := UnmarshalItem(buf)
		if err != nil {
			return fmt.Errorf("anc411: parse sub-packet %d: %w", i, err)
		}
		buf = buf[consumed:]
		s.itemsReceived++
		if !ok {
			s.itemsDropped++
			s.checksumFails++
			continue
		}
		s.curItems = append(s.curItems, *it)
	}

	if pkt.Marker {
		s.closeLocked()
	}
	return nil
}

func (s *RXSession) closeLocked() {
	items := s.curItems
	s.hasCur = false
	s.curItems = nil
	if s.onFrameReady != nil && len(items) > 0 {
		s.onFrameReady(items)
	}
}

// Flush force-closes any in-flight group, for shutdown or idle timeout.
func (s *RXSession) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasCur {
		s.closeLocked()
	}
}

// Stats returns cumulative RX counters.
func (s *RXSession) Stats() (received, dropped, checksumFails uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsReceived, s.itemsDropped, s.checksumFails
}
