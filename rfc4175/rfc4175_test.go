package rfc4175

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/pacing"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesPerLineAndFrameSize(t *testing.T) {
	assert.Equal(t, 1920*5/2, BytesPerLine(1920, YUV422P10LE))
	assert.Equal(t, BytesPerLine(1920, YUV422P10LE)*1080, FrameSize(1920, 1080, YUV422P10LE))
}

func TestMediaHeaderMarshalUnmarshalSingleSRD(t *testing.T) {
	mh := &MediaHeader{
		ExtSeqNum: 0x1234,
		SRDs:      []SRD{{RowNumber: 10, RowOffset: 20, RowLength: 1200}},
	}
	buf := mh.Marshal()
	got, rest, err := UnmarshalMediaHeader(append(buf, []byte("payload")...))
	require.NoError(t, err)
	assert.Equal(t, mh.ExtSeqNum, got.ExtSeqNum)
	require.Len(t, got.SRDs, 1)
	assert.Equal(t, mh.SRDs[0], got.SRDs[0])
	assert.Equal(t, []byte("payload"), rest)
}

func TestMediaHeaderMarshalUnmarshalTwoSRDs(t *testing.T) {
	mh := &MediaHeader{
		ExtSeqNum: 7,
		SRDs: []SRD{
			{RowNumber: 5, RowOffset: 1100, RowLength: 160},
			{RowNumber: 6, RowOffset: 0, RowLength: 1100},
		},
	}
	buf := mh.Marshal()
	got, _, err := UnmarshalMediaHeader(buf)
	require.NoError(t, err)
	require.Len(t, got.SRDs, 2)
	assert.Equal(t, mh.SRDs, got.SRDs)
}

func TestUnmarshalMediaHeaderRejectsThirdSRD(t *testing.T) {
	buf := make([]byte, extSeqLen+3*srdHeaderLen)
	for i := 0; i < 3; i++ {
		off := extSeqLen + i*srdHeaderLen
		buf[off+4] = 0x80 // continuation bit set on every entry
	}
	_, _, err := UnmarshalMediaHeader(buf)
	assert.Error(t, err)
}

func TestFrameOffset(t *testing.T) {
	off := FrameOffset(2, 0, 1920, YUV422P10LE)
	assert.Equal(t, BytesPerLine(1920, YUV422P10LE)*2, off)

	withOffset := FrameOffset(2, 40, 1920, YUV422P10LE)
	assert.Equal(t, BytesPerLine(1920, YUV422P10LE)*2+40, withOffset)
}

type fakeTransmitter struct {
	sent [][]byte
}

func (f *fakeTransmitter) TxBurst(bufs []*mbuf.Buf, n int) (int, error) {
	for i := 0; i < n; i++ {
		cp := append([]byte(nil), bufs[i].Payload...)
		f.sent = append(f.sent, cp)
	}
	return n, nil
}

type immediateResolver struct{}

func (immediateResolver) Resolve(_ context.Context, _ net.IP) (net.HardwareAddr, error) {
	return net.HardwareAddr{0, 1, 2, 3, 4, 5}, nil
}

// buildTestRTPPacket assembles a minimal RFC 4175 RTP packet for RX tests,
// bypassing TXSession so the seq/timestamp/marker under test are exact.
func buildTestRTPPacket(seq uint16, ts uint32, marker bool, mediaPayload []byte) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x42,
		},
		Payload: mediaPayload,
	}
	out, err := pkt.Marshal()
	if err != nil {
		panic(err)
	}
	return out
}

func TestTXSessionSendFrameProducesBPMPackets(t *testing.T) {
	cfg := TXConfig{
		Width: 64, Height: 8, FPS: 50, Fmt: YUV422P10LE,
		Packing: PackingBPM, PayloadType: 96, SSRC: 0xabc,
		PktDataLen: 160,
		SrcIP:      net.ParseIP("127.0.0.1"), DstIP: net.ParseIP("127.0.0.2"),
		SrcPort: 20000, DstPort: 20000,
	}
	pool := mbuf.NewPool("t", 2048)
	tx := &fakeTransmitter{}
	pacer := pacing.NewTSC(1_000_000)
	sess := NewTXSession(cfg, pool, pacer, tx, immediateResolver{})

	frame := make([]byte, FrameSize(cfg.Width, cfg.Height, cfg.Fmt))
	for i := range frame {
		frame[i] = byte(i)
	}
	calls := 0
	next := func() (*FrameBuffer, bool) {
		if calls > 0 {
			return nil, false
		}
		calls++
		return &FrameBuffer{Data: frame}, true
	}

	n, err := sess.SendFrame(time.Now(), next)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Len(t, tx.sent, n)

	framesSent, _, bytesSent := sess.Stats()
	assert.Equal(t, uint64(1), framesSent)
	assert.Greater(t, bytesSent, uint64(0))
}

func TestTXSessionZeroARPTimeoutSendsImmediately(t *testing.T) {
	cfg := TXConfig{
		Width: 16, Height: 2, FPS: 25, Fmt: RGB8,
		Packing: PackingGPMSingleLine, PayloadType: 96, SSRC: 1,
		MaxPayload: 24,
		SrcIP:      net.ParseIP("127.0.0.1"), DstIP: net.ParseIP("127.0.0.2"),
		SrcPort: 1, DstPort: 2,
	}
	pool := mbuf.NewPool("t2", 256)
	tx := &fakeTransmitter{}
	pacer := pacing.NewTSC(1_000_000)
	sess := NewTXSession(cfg, pool, pacer, tx, &immediateResolver{})

	frame := make([]byte, FrameSize(cfg.Width, cfg.Height, cfg.Fmt))
	next := func() (*FrameBuffer, bool) { return &FrameBuffer{Data: frame}, true }

	n, err := sess.SendFrame(time.Now(), next)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestRXSessionAssemblesCompleteFrame(t *testing.T) {
	cfg := TXConfig{
		Width: 32, Height: 4, FPS: 50, Fmt: YUV422P10LE,
		Packing: PackingBPM, PayloadType: 96, SSRC: 0x42,
		PktDataLen: 64,
		SrcIP:      net.ParseIP("127.0.0.1"), DstIP: net.ParseIP("127.0.0.2"),
		SrcPort: 1, DstPort: 2,
	}
	pool := mbuf.NewPool("t3", 1024)
	tx := &fakeTransmitter{}
	pacer := pacing.NewTSC(1_000_000)
	txSess := NewTXSession(cfg, pool, pacer, tx, immediateResolver{})

	frame := make([]byte, FrameSize(cfg.Width, cfg.Height, cfg.Fmt))
	for i := range frame {
		frame[i] = byte(i + 1)
	}
	next := func() (*FrameBuffer, bool) { return &FrameBuffer{Data: frame}, true }
	txSess.cfg.ARPTimeout = time.Second
	_, err := txSess.SendFrame(time.Now(), next)
	require.NoError(t, err)

	var delivered []byte
	var meta FrameMeta
	rxCfg := RXConfig{Width: cfg.Width, Height: cfg.Height, FPS: cfg.FPS, Fmt: cfg.Fmt, PktDataLen: cfg.PktDataLen}
	rx := NewRXSession(rxCfg, func(data []byte, m FrameMeta) {
		delivered = append([]byte(nil), data...)
		meta = m
	})
	for _, raw := range tx.sent {
		require.NoError(t, rx.HandlePacket(raw))
	}

	require.Len(t, delivered, len(frame))
	assert.Equal(t, frame, delivered)
	assert.Equal(t, StatusComplete, meta.Status)
	assert.Equal(t, len(frame), meta.FrameRecvSize)
}

func TestRXSessionDropsIncompleteFrameByDefault(t *testing.T) {
	rxCfg := RXConfig{Width: 32, Height: 4, FPS: 50, Fmt: YUV422P10LE}
	called := false
	rx := NewRXSession(rxCfg, func(data []byte, m FrameMeta) { called = true })

	mh := &MediaHeader{ExtSeqNum: 1, SRDs: []SRD{{RowNumber: 0, RowOffset: 0, RowLength: 10}}}
	payload := append(mh.Marshal(), make([]byte, 10)...)
	pkt := buildTestRTPPacket(1, 1000, true, payload)
	require.NoError(t, rx.HandlePacket(pkt))

	assert.False(t, called)
	_, dropped, _ := rx.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestRXSessionDeliversIncompleteWhenOptedIn(t *testing.T) {
	rxCfg := RXConfig{Width: 32, Height: 4, FPS: 50, Fmt: YUV422P10LE, IncompleteDelivery: true}
	var meta FrameMeta
	rx := NewRXSession(rxCfg, func(data []byte, m FrameMeta) { meta = m })

	mh := &MediaHeader{ExtSeqNum: 1, SRDs: []SRD{{RowNumber: 0, RowOffset: 0, RowLength: 10}}}
	payload := append(mh.Marshal(), make([]byte, 10)...)
	pkt := buildTestRTPPacket(1, 1000, true, payload)
	require.NoError(t, rx.HandlePacket(pkt))

	assert.Equal(t, StatusIncomplete, meta.Status)
}

func TestRXSessionDropsLateArrivalAfterClose(t *testing.T) {
	rxCfg := RXConfig{Width: 32, Height: 4, FPS: 50, Fmt: YUV422P10LE}
	rx := NewRXSession(rxCfg, func(data []byte, m FrameMeta) {})

	full := FrameSize(rxCfg.Width, rxCfg.Height, rxCfg.Fmt)
	mh := &MediaHeader{ExtSeqNum: 1, SRDs: []SRD{{RowNumber: 0, RowOffset: 0, RowLength: uint16(full)}}}
	payload := append(mh.Marshal(), make([]byte, full)...)
	require.NoError(t, rx.HandlePacket(buildTestRTPPacket(1, 2000, true, payload)))

	late := buildTestRTPPacket(2, 1000, true, payload)
	require.NoError(t, rx.HandlePacket(late))

	_, _, lateCount := rx.Stats()
	assert.Equal(t, uint64(1), lateCount)
}

func TestRXSessionClosesFrameOnPacketCountWithoutMarker(t *testing.T) {
	// spec.md §4.6: closure triggers on total_pkts_in_frame reached, not
	// only on the marker bit — this frame's last packet never sets marker.
	// PktDataLen is chosen equal to one raster line's byte size so
	// total_pkts_in_frame works out to exactly Height, one row per packet.
	const width, height = 32, 6
	lineBytes := BytesPerLine(width, YUV422P10LE)
	rxCfg := RXConfig{Width: width, Height: height, FPS: 50, Fmt: YUV422P10LE, PktDataLen: lineBytes}

	total := PacketsPerFrameBPM(rxCfg.Width, rxCfg.Height, rxCfg.Fmt, rxCfg.PktDataLen)
	require.Equal(t, height, total)

	var meta FrameMeta
	var delivered []byte
	rx := NewRXSession(rxCfg, func(data []byte, m FrameMeta) {
		delivered = append([]byte(nil), data...)
		meta = m
	})

	full := FrameSize(rxCfg.Width, rxCfg.Height, rxCfg.Fmt)
	frame := make([]byte, full)
	for i := range frame {
		frame[i] = byte(i + 1)
	}

	for row := 0; row < height; row++ {
		mh := &MediaHeader{SRDs: []SRD{{RowNumber: uint16(row), RowOffset: 0, RowLength: uint16(lineBytes)}}}
		payload := append(mh.Marshal(), frame[row*lineBytes:(row+1)*lineBytes]...)
		// marker deliberately left false on every packet, including the last.
		require.NoError(t, rx.HandlePacket(buildTestRTPPacket(uint16(row+1), 1000, false, payload)))
	}

	require.NotNil(t, delivered)
	assert.Equal(t, frame, delivered)
	assert.Equal(t, StatusComplete, meta.Status)
}

func TestPermuteBoundedKeepsEachIndexOnce(t *testing.T) {
	order := make([]int, 20)
	for i := range order {
		order[i] = i
	}
	permuteBounded(order, 4)
	seen := make(map[int]bool)
	for _, v := range order {
		assert.False(t, seen[v], "duplicate index after permute")
		seen[v] = true
	}
}
