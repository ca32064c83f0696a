package rfc4175

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/OpenVisualCloud/go-mtl/collab"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/OpenVisualCloud/go-mtl/pacing"
	"github.com/OpenVisualCloud/go-mtl/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "rfc4175")

// defaultBPMPayloadLen is spec.md §4.5's 1260-byte BPM default.
const defaultBPMPayloadLen = 1260

// mediaClockRate is the RFC 4175 RTP media clock, 90 kHz.
const mediaClockRate = 90000

// defaultARPTimeout bounds the background resolution SendFrame starts when
// TXConfig.ARPTimeout is zero (spec.md §4.5's non-blocking "mirror kernel
// sendto" choice); SendFrame does not wait for it.
const defaultARPTimeout = 200 * time.Millisecond

// txRetryWindow bounds how long SendFrame keeps retrying a failed TxBurst
// for one packet before returning the error; each retry is counted in
// txRetries.
const txRetryWindow = 10 * time.Millisecond

// FrameBuffer is the raster a producer hands the TX session, internally
// owned or externally supplied for zero-copy (spec.md §3 "Frame buffer
// (video)").
type FrameBuffer struct {
	Data     []byte
	External bool
	ExtIOVA  uint64
}

// GetNextFrameFunc supplies the next frame to send, or ok=false if none is
// ready yet.
type GetNextFrameFunc func() (*FrameBuffer, bool)

// NotifyFrameDoneFunc is called once a frame has been fully packetized and
// handed to pacing/backend, with the RTP timestamp it was sent under.
type NotifyFrameDoneFunc func(rtpTimestamp uint32)

// TXConfig configures one ST 2110-20 TX session.
type TXConfig struct {
	Width, Height int
	FPS           float64
	Fmt           PixFmt
	Packing       PackingMode
	Interlaced    bool
	PayloadType   uint8
	SSRC          uint32
	PktDataLen    int // BPM/GPM block size; defaults to defaultBPMPayloadLen
	MaxPayload    int // GPM_SL per-line chunk size; defaults to PktDataLen

	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	ARPTimeout       time.Duration // zero: silent-drop-until-resolved (spec.md §4.5/§7)

	NackRingSize int // 0 disables RTCP retransmit buffering

	OutOfOrderTest bool // test-mode permuted emit order
}

func (c *TXConfig) pktDataLen() int {
	if c.PktDataLen > 0 {
		return c.PktDataLen
	}
	return defaultBPMPayloadLen
}

func (c *TXConfig) maxPayload() int {
	if c.MaxPayload > 0 {
		return c.MaxPayload
	}
	return c.pktDataLen()
}

// Transmitter is the queue a TX session hands finished packets to —
// satisfied by backend.TXQueue or queue.SharedTXQueue.
type Transmitter interface {
	TxBurst(bufs []*mbuf.Buf, n int) (int, error)
}

// TXSession packetizes frames into RFC 4175 RTP packets and hands them to
// pacing and a Transmitter, per spec.md §4.5 (C8).
type TXSession struct {
	cfg      TXConfig
	pool     *mbuf.Pool
	pacer    pacing.Pacer
	tx       Transmitter
	resolver collab.NeighborResolver
	nackRing *rtcp.TXRing

	mu        sync.Mutex
	seq       uint16
	extSeqHi  uint16
	timestamp uint32
	dstMAC    net.HardwareAddr
	resolved  bool

	framesSent  uint64
	txRetries   uint64
	bytesSent   uint64
}

// NewTXSession creates a TX session. pool sizes packets at least
// cfg.pktDataLen()+mbuf.Headroom bytes.
func NewTXSession(cfg TXConfig, pool *mbuf.Pool, pacer pacing.Pacer, tx Transmitter, resolver collab.NeighborResolver) *TXSession {
	s := &TXSession{cfg: cfg, pool: pool, pacer: pacer, tx: tx, resolver: resolver}
	if cfg.NackRingSize > 0 {
		s.nackRing = rtcp.NewTXRing(cfg.NackRingSize)
	}
	return s
}

// SendFrame packetizes and transmits one frame fetched from next, pacing
// each packet's departure within the frame epoch.
func (s *TXSession) SendFrame(epoch time.Time, next GetNextFrameFunc) (int, error) {
	frame, ok := next()
	if !ok {
		return 0, nil
	}

	if err := s.ensureResolved(); err != nil {
		return 0, err
	}

	plans := s.packetize(frame.Data)
	total := len(plans)
	sent := 0

	order := make([]int, total)
	for i := range order {
		order[i] = i
	}
	if s.cfg.OutOfOrderTest {
		permuteBounded(order, 4)
	}

	s.mu.Lock()
	ts := s.timestamp
	s.mu.Unlock()

	for _, idx := range order {
		p := plans[idx]
		marker := idx == total-1

		b := s.pool.Alloc()
		payload, pktSeq := s.buildPacket(p, frame.Data, ts, marker)
		b.Payload = append(b.Payload, payload...)

		s.pacer.WaitForDeparture(epoch, idx, total, len(payload))
		var stamp pacing.StampTarget
		s.pacer.Stamp(&stamp, epoch, idx, total)
		b.LaunchTimeNS = stamp.LaunchTimeNS

		n, err := s.tx.TxBurst([]*mbuf.Buf{b}, 1)
		for retryUntil := time.Now().Add(txRetryWindow); err != nil && time.Now().Before(retryUntil); {
			s.mu.Lock()
			s.txRetries++
			s.mu.Unlock()
			n, err = s.tx.TxBurst([]*mbuf.Buf{b}, 1)
		}
		if err != nil {
			return sent, fmt.Errorf("rfc4175: tx session send: %w", err)
		}
		if s.nackRing != nil {
			s.nackRing.Record(pktSeq, b)
		}
		sent += n
		s.mu.Lock()
		s.bytesSent += uint64(len(payload))
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.framesSent++
	step := uint32(float64(mediaClockRate) / s.cfg.FPS)
	if s.cfg.Interlaced {
		step /= 2
	}
	s.timestamp += step
	s.mu.Unlock()

	return sent, nil
}

// ensureResolved resolves the destination MAC once, honoring spec.md
// §4.5/§7's ARP-timeout contract: a zero timeout returns success
// immediately (the caller proceeds as if sent, mirroring kernel sendto
// dropping silently on an incomplete neighbor entry); a nonzero timeout
// blocks up to that long and returns an error on failure.
func (s *TXSession) ensureResolved() error {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.resolver == nil {
		return fmt.Errorf("%w: no neighbor resolver configured", mtlerr.ErrInvalidArgument)
	}

	timeout := s.cfg.ARPTimeout
	if timeout == 0 {
		go s.resolveAsync()
		return nil
	}

	mac, err := s.resolveWithTimeout(timeout)
	if err != nil {
		return fmt.Errorf("%w: %v", mtlerr.ErrPeerUnreachable, err)
	}
	s.mu.Lock()
	s.dstMAC = mac
	s.resolved = true
	s.mu.Unlock()
	return nil
}

func (s *TXSession) resolveAsync() {
	mac, err := s.resolveWithTimeout(defaultARPTimeout)
	if err != nil {
		log.WithError(err).Debug("background neighbor resolution failed, packets silently dropped until resolved")
		return
	}
	s.mu.Lock()
	s.dstMAC = mac
	s.resolved = true
	s.mu.Unlock()
}

func (s *TXSession) resolveWithTimeout(timeout time.Duration) (net.HardwareAddr, error) {
	type result struct {
		mac net.HardwareAddr
		err error
	}
	done := make(chan result, 1)
	go func() {
		mac, err := s.resolver.Resolve(nil, s.cfg.DstIP)
		done <- result{mac, err}
	}()
	select {
	case r := <-done:
		return r.mac, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("arp resolution timed out after %s", timeout)
	}
}

// packetPlan describes one outgoing packet's placement within the frame.
type packetPlan struct {
	offset  int
	length  int
	srd1    SRD
	srd2    *SRD
}

// packetize builds the packet plan for one frame according to the
// session's packing mode.
func (s *TXSession) packetize(frame []byte) []packetPlan {
	lineBytes := BytesPerLine(s.cfg.Width, s.cfg.Fmt)
	switch s.cfg.Packing {
	case PackingGPMSingleLine:
		return s.planGPMSL(frame, lineBytes)
	default:
		return s.planChunked(frame, lineBytes, s.cfg.pktDataLen())
	}
}

// planChunked implements BPM and two-SRD GPM: the raster is sliced into
// fixed-size blocks regardless of line boundaries, splitting a block that
// crosses a line into two SRDs (spec.md §4.5 "optional extra_rtp_hdr when
// the SRD continues onto the next line").
func (s *TXSession) planChunked(frame []byte, lineBytes, chunk int) []packetPlan {
	var plans []packetPlan
	for cursor := 0; cursor < len(frame); {
		length := chunk
		if cursor+length > len(frame) {
			length = len(frame) - cursor
		}
		rowNumber := cursor / lineBytes
		rowOffset := cursor % lineBytes

		plan := packetPlan{offset: cursor, length: length}
		if rowOffset+length <= lineBytes {
			plan.srd1 = SRD{RowNumber: uint16(rowNumber), RowOffset: uint16(rowOffset), RowLength: uint16(length)}
		} else {
			firstLen := lineBytes - rowOffset
			plan.srd1 = SRD{RowNumber: uint16(rowNumber), RowOffset: uint16(rowOffset), RowLength: uint16(firstLen)}
			plan.srd2 = &SRD{RowNumber: uint16(rowNumber + 1), RowOffset: 0, RowLength: uint16(length - firstLen)}
		}
		plans = append(plans, plan)
		cursor += length
	}
	return plans
}

// planGPMSL implements GPM_SL: chunks of at most maxPayload bytes, never
// crossing a line boundary.
func (s *TXSession) planGPMSL(frame []byte, lineBytes int) []packetPlan {
	var plans []packetPlan
	maxPayload := s.cfg.maxPayload()
	rows := len(frame) / lineBytes
	for row := 0; row < rows; row++ {
		lineStart := row * lineBytes
		for off := 0; off < lineBytes; off += maxPayload {
			length := maxPayload
			if off+length > lineBytes {
				length = lineBytes - off
			}
			plans = append(plans, packetPlan{
				offset: lineStart + off,
				length: length,
				srd1:   SRD{RowNumber: uint16(row), RowOffset: uint16(off), RowLength: uint16(length)},
			})
		}
	}
	return plans
}

// buildPacket serializes one packet: 12-byte RTP header (via pion/rtp) +
// RFC 4175 media header + raster payload slice, returning the bytes and
// the RTP sequence number assigned to it.
func (s *TXSession) buildPacket(p packetPlan, frame []byte, ts uint32, marker bool) ([]byte, uint16) {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	if s.seq == 0 {
		s.extSeqHi++
	}
	extSeq := s.extSeqHi
	dstMAC := s.dstMAC
	s.mu.Unlock()
	_ = dstMAC // resolved MAC is consumed by the backend's L2 construction, not this payload

	mh := &MediaHeader{ExtSeqNum: extSeq, SRDs: []SRD{p.srd1}}
	if p.srd2 != nil {
		mh.SRDs = append(mh.SRDs, *p.srd2)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.cfg.PayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.cfg.SSRC,
		},
		Payload: append(mh.Marshal(), frame[p.offset:p.offset+p.length]...),
	}
	out, err := pkt.Marshal()
	if err != nil {
		log.WithError(err).Error("rtp marshal failed")
		return nil, seq
	}
	return out, seq
}

// permuteBounded shuffles order in place with swaps bounded to at most
// maxDistance apart, spec.md §4.5's "bounded-distance swaps" out-of-order
// test mode.
func permuteBounded(order []int, maxDistance int) {
	for i := 0; i < len(order)-1; i++ {
		j := i + 1 + (i % maxDistance)
		if j >= len(order) {
			continue
		}
		order[i], order[j] = order[j], order[i]
	}
}

// Stats returns cumulative TX counters.
func (s *TXSession) Stats() (framesSent, txRetries, bytesSent uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesSent, s.txRetries, s.bytesSent
}
