package rfc4175

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// FrameStatus reports whether a delivered frame is fully covered.
type FrameStatus int

const (
	StatusComplete FrameStatus = iota
	StatusIncomplete
)

func (s FrameStatus) String() string {
	if s == StatusComplete {
		return "complete"
	}
	return "incomplete"
}

// FrameMeta is the metadata record spec.md §4.6 attaches to every
// frame-ready callback.
type FrameMeta struct {
	Width, Height     int
	FPS               float64
	Fmt               PixFmt
	FrameTotalSize    int
	FrameRecvSize     int
	TimestampFirstPkt uint32
	TimestampLastPkt  uint32
	SeqDiscont        int
	SeqLost           int
	Status            FrameStatus
	SecondField       bool
}

// NotifyFrameReadyFunc delivers a closed-out frame's raster bytes and
// metadata.
type NotifyFrameReadyFunc func(data []byte, meta FrameMeta)

// NotifySliceReadyFunc delivers a slice-mode watermark: linesReady never
// decreases within a frame, per spec.md §4.6.
type NotifySliceReadyFunc func(linesReady int, timestamp uint32)

// DetectedParams is what the auto-detect path infers from the first three
// packets of a stream.
type DetectedParams struct {
	Width, Height int
	FPS           float64
	Fmt           PixFmt
}

// DetectReply is the consumer's answer to auto-detect, applied before the
// session accepts frames (spec.md §4.6). A positive OverrideSliceLines
// replaces the slice granularity. A positive OverrideFrameSize makes the
// session adopt the detected width and height; the size value itself is
// not applied.
type DetectReply struct {
	OverrideFrameSize  int
	OverrideSliceLines int
}

// NotifyDetectFunc is called once auto-detect has inferred stream
// parameters; the session applies the returned overrides, if any, before
// accepting frames.
type NotifyDetectFunc func(DetectedParams) DetectReply

// RXConfig configures one ST 2110-20 RX session.
type RXConfig struct {
	Width, Height int
	FPS           float64
	Fmt           PixFmt
	Interlaced    bool

	SliceLines         int // 0 disables slice-mode callbacks
	IncompleteDelivery bool
	AutoDetect         bool

	PktDataLen int // BPM block size used to derive total_pkts_in_frame; defaults to defaultBPMPayloadLen
}

func (c *RXConfig) pktDataLen() int {
	if c.PktDataLen > 0 {
		return c.PktDataLen
	}
	return defaultBPMPayloadLen
}

type frameState struct {
	timestamp    uint32
	buf          []byte
	lineRecv     []int // bytes received per raster line, for gap detection
	recvSize     int
	tsFirst      uint32
	tsLast       uint32
	seqDiscont   int
	seqLost      int
	linesEmitted int
	secondField  bool
	totalPkts    int // total_pkts_in_frame, spec.md §4.6
	recvPkts     int
}

// RXSession reassembles RFC 4175 packets into frames per spec.md §4.6
// (C9): one pinned in-flight frame, placement by SRD offset, closure on
// marker/timestamp-change/packet-count, completeness tracking, optional
// slice-mode and auto-detect.
type RXSession struct {
	cfg RXConfig

	onFrameReady NotifyFrameReadyFunc
	onSliceReady NotifySliceReadyFunc
	onDetect     NotifyDetectFunc

	mu              sync.Mutex
	current         *frameState
	closedTS        uint32
	hasClosed       bool
	lastSeq         uint16
	hasLastSeq      bool
	lastTSForParity uint32
	hasLastTS       bool

	detectSamples []detectSample
	detectDone    bool

	framesDelivered uint64
	framesDropped   uint64
	lateArrivals    uint64
}

type detectSample struct {
	rowNumber int
	timestamp uint32
}

// NewRXSession creates an RX session.
func NewRXSession(cfg RXConfig, onFrameReady NotifyFrameReadyFunc) *RXSession {
	return &RXSession{cfg: cfg, onFrameReady: onFrameReady, detectDone: !cfg.AutoDetect}
}

// SetSliceCallback installs the slice-ready callback.
func (s *RXSession) SetSliceCallback(fn NotifySliceReadyFunc) { s.onSliceReady = fn }

// SetDetectCallback installs the auto-detect callback.
func (s *RXSession) SetDetectCallback(fn NotifyDetectFunc) { s.onDetect = fn }

// HandlePacket processes one received RFC 4175 RTP packet (rtpBytes
// includes the 12-byte RTP header).
func (s *RXSession) HandlePacket(rtpBytes []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(rtpBytes); err != nil {
		return fmt.Errorf("rfc4175: rx unmarshal: %w", err)
	}
	mh, payload, err := UnmarshalMediaHeader(pkt.Payload)
	if err != nil {
		return fmt.Errorf("rfc4175: rx media header: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.trackSeqLocked(pkt.SequenceNumber)

	if !s.detectDone {
		s.sampleDetectLocked(mh, pkt.Timestamp)
	}

	if s.hasClosed && seqTimestampOlder(pkt.Timestamp, s.closedTS) {
		s.lateArrivals++
		return nil
	}

	if s.current == nil {
		s.openFrameLocked(pkt.Timestamp)
	} else if pkt.Timestamp != s.current.timestamp {
		if seqTimestampOlder(pkt.Timestamp, s.current.timestamp) {
			s.lateArrivals++
			return nil
		}
		s.closeFrameLocked()
		s.openFrameLocked(pkt.Timestamp)
	}

	off := payload
	s.placeLocked(mh.SRDs[0], off[:min(len(off), int(mh.SRDs[0].RowLength))])
	if len(mh.SRDs) > 1 {
		s.placeLocked(mh.SRDs[1], off[mh.SRDs[0].RowLength:])
	}

	s.current.tsLast = pkt.Timestamp
	s.current.recvPkts++

	// spec.md §4.6: closure is also triggered by packet count reaching
	// total_pkts_in_frame, not only by the marker bit.
	if pkt.Marker || (s.current.totalPkts > 0 && s.current.recvPkts >= s.current.totalPkts) {
		s.closeFrameLocked()
	}
	return nil
}

// seqTimestampOlder reports whether ts is strictly older than ref under
// RFC 1982 serial-number comparison (32-bit RTP timestamp wraparound).
func seqTimestampOlder(ts, ref uint32) bool {
	return int32(ts-ref) < 0
}

func (s *RXSession) trackSeqLocked(seq uint16) {
	if !s.hasLastSeq {
		s.hasLastSeq = true
		s.lastSeq = seq
		return
	}
	expected := s.lastSeq + 1
	if seq != expected {
		delta := int16(seq - expected)
		if delta > 0 && s.current != nil {
			s.current.seqDiscont++
			s.current.seqLost += int(delta)
		}
	}
	s.lastSeq = seq
}

func (s *RXSession) sampleDetectLocked(mh *MediaHeader, ts uint32) {
	s.detectSamples = append(s.detectSamples, detectSample{rowNumber: int(mh.SRDs[0].RowNumber), timestamp: ts})
	if len(s.detectSamples) < 3 {
		return
	}
	s.detectDone = true

	// A crude but serviceable inference: distinct timestamps among the
	// first three packets bound the frame period; the largest observed
	// row number lower-bounds height. Width/format cannot be inferred
	// from header alone without a payload-size convention, so they fall
	// back to the configured defaults.
	maxRow := 0
	for _, smp := range s.detectSamples {
		if smp.rowNumber > maxRow {
			maxRow = smp.rowNumber
		}
	}
	det := DetectedParams{Width: s.cfg.Width, Height: maxRow + 1, FPS: s.cfg.FPS, Fmt: s.cfg.Fmt}
	if det.Height < s.cfg.Height {
		det.Height = s.cfg.Height
	}

	if s.onDetect != nil {
		reply := s.onDetect(det)
		if reply.OverrideSliceLines > 0 {
			s.cfg.SliceLines = reply.OverrideSliceLines
		}
		if reply.OverrideFrameSize > 0 {
			s.cfg.Width, s.cfg.Height = det.Width, det.Height
		}
	}
}

func (s *RXSession) openFrameLocked(ts uint32) {
	height := s.cfg.Height
	total := FrameSize(s.cfg.Width, height, s.cfg.Fmt)
	if s.cfg.Interlaced {
		total /= 2
		height /= 2
	}
	second := false
	if s.cfg.Interlaced && s.hasLastTS {
		second = (ts-s.lastTSForParity)%2 != 0
	}
	s.lastTSForParity = ts
	s.hasLastTS = true

	s.current = &frameState{
		timestamp:   ts,
		buf:         make([]byte, total),
		lineRecv:    make([]int, height),
		tsFirst:     ts,
		tsLast:      ts,
		secondField: second,
		totalPkts:   PacketsPerFrameBPM(s.cfg.Width, height, s.cfg.Fmt, s.cfg.pktDataLen()),
	}
}

func (s *RXSession) placeLocked(srd SRD, data []byte) {
	f := s.current
	off := FrameOffset(int(srd.RowNumber), int(srd.RowOffset), s.cfg.Width, s.cfg.Fmt)
	length := int(srd.RowLength)
	if length > len(data) {
		length = len(data)
	}
	if off+length > len(f.buf) {
		// spec.md §4.6: "reject any SRD whose computed end exceeds
		// frame_size" — drop this SRD's bytes, the frame stays open.
		return
	}
	copy(f.buf[off:off+length], data[:length])
	f.recvSize += length

	if int(srd.RowNumber) < len(f.lineRecv) {
		f.lineRecv[srd.RowNumber] += length
		s.maybeEmitSliceLocked(int(srd.RowNumber))
	}
}

func (s *RXSession) maybeEmitSliceLocked(rowNumber int) {
	if s.cfg.SliceLines <= 0 || s.onSliceReady == nil {
		return
	}
	f := s.current
	lineBytes := BytesPerLine(s.cfg.Width, s.cfg.Fmt)
	readyLines := 0
	for readyLines < len(f.lineRecv) && f.lineRecv[readyLines] >= lineBytes {
		readyLines++
	}
	watermark := (readyLines / s.cfg.SliceLines) * s.cfg.SliceLines
	if watermark > f.linesEmitted {
		f.linesEmitted = watermark
		s.onSliceReady(watermark, f.timestamp)
	}
}

func (s *RXSession) closeFrameLocked() {
	f := s.current
	s.current = nil
	s.closedTS = f.timestamp
	s.hasClosed = true

	total := len(f.buf)
	complete := f.recvSize == total && allLinesFullLocked(f, s.cfg)
	status := StatusComplete
	if !complete {
		status = StatusIncomplete
	}

	if status == StatusIncomplete && !s.cfg.IncompleteDelivery {
		s.framesDropped++
		return
	}

	meta := FrameMeta{
		Width: s.cfg.Width, Height: s.cfg.Height, FPS: s.cfg.FPS, Fmt: s.cfg.Fmt,
		FrameTotalSize:    total,
		FrameRecvSize:     f.recvSize,
		TimestampFirstPkt: f.tsFirst,
		TimestampLastPkt:  f.tsLast,
		SeqDiscont:        f.seqDiscont,
		SeqLost:           f.seqLost,
		Status:            status,
		SecondField:       f.secondField,
	}
	s.framesDelivered++
	if s.onFrameReady != nil {
		s.onFrameReady(f.buf, meta)
	}
}

func allLinesFullLocked(f *frameState, cfg RXConfig) bool {
	lineBytes := BytesPerLine(cfg.Width, cfg.Fmt)
	for _, recv := range f.lineRecv {
		if recv < lineBytes {
			return false
		}
	}
	return true
}

// Stats returns cumulative RX counters.
func (s *RXSession) Stats() (delivered, dropped, late uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesDelivered, s.framesDropped, s.lateArrivals
}
