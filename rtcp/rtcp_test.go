package rtcp

import (
	"testing"

	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketMarshalUnmarshalRoundTrip(t *testing.T) {
	p := &Packet{
		SSRC: 0xdeadbeef,
		Items: []FCIItem{
			{StartSeq: 100, FollowCount: 2},
			{StartSeq: 200, FollowCount: 0},
		},
	}
	buf := p.Marshal()
	assert.True(t, IsIMTLNack(buf))

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, p.SSRC, got.SSRC)
	assert.Equal(t, p.Items, got.Items)
}

func TestUnmarshalRejectsWrongTag(t *testing.T) {
	p := &Packet{SSRC: 1}
	buf := p.Marshal()
	copy(buf[8:12], []byte("XXXX"))
	_, err := Unmarshal(buf)
	assert.Error(t, err)
}

func TestRXTrackerDetectsGapAndSplitsOnRecovery(t *testing.T) {
	tr := NewRXTracker(42, 3)
	tr.OnReceive(1)
	tr.OnReceive(2)
	tr.OnReceive(5) // gap: missing 3, 4
	assert.Equal(t, 1, tr.PendingCount())

	lost, discont := tr.Stats()
	assert.Equal(t, uint64(2), lost)
	assert.Equal(t, uint64(1), discont)

	tr.OnReceive(3) // recovers part of the gap: {3,4} is split down to {4}
	assert.Equal(t, 1, tr.PendingCount())
}

func TestRXTrackerTreatsExact32768GapAsLost(t *testing.T) {
	tr := NewRXTracker(42, 3)
	tr.OnReceive(0)
	tr.OnReceive(32769) // gap of exactly 32768: must resolve to lost, not recovered
	assert.Equal(t, 1, tr.PendingCount())

	lost, discont := tr.Stats()
	assert.Equal(t, uint64(32768), lost)
	assert.Equal(t, uint64(1), discont)
}

func TestRXTrackerFlushBuildsPacket(t *testing.T) {
	tr := NewRXTracker(7, 3)
	tr.OnReceive(1)
	tr.OnReceive(10)
	pkt := tr.Flush()
	require.NotNil(t, pkt)
	assert.Equal(t, uint32(7), pkt.SSRC)
	require.Len(t, pkt.Items, 1)
	assert.Equal(t, uint16(2), pkt.Items[0].StartSeq)
	assert.Equal(t, uint16(7), pkt.Items[0].FollowCount)
}

func TestRXTrackerEmitsEveryNPackets(t *testing.T) {
	tr := NewRXTracker(1, 3)
	tr.OnReceive(0)
	seq := uint16(2) // introduce a one-packet gap the loop below never recovers
	var last *Packet
	for i := 0; i < 130; i++ {
		if p := tr.OnReceive(seq); p != nil {
			last = p
		}
		seq++
	}
	assert.NotNil(t, last)
}

type fakeRetransmitter struct {
	sent []*mbuf.Buf
}

func (f *fakeRetransmitter) TxBurst(bufs []*mbuf.Buf, n int) (int, error) {
	f.sent = append(f.sent, bufs[:n]...)
	return n, nil
}

func TestTXRingHandleNackResendsBufferedPackets(t *testing.T) {
	ring := NewTXRing(64)
	pool := mbuf.NewPool("t", 1024)
	for seq := uint16(0); seq < 10; seq++ {
		ring.Record(seq, pool.Alloc())
	}

	tx := &fakeRetransmitter{}
	nack := &Packet{SSRC: 1, Items: []FCIItem{{StartSeq: 3, FollowCount: 1}}}
	require.NoError(t, ring.HandleNack(nack, tx))
	assert.Len(t, tx.sent, 2)

	retransmitted, ignored := ring.Stats()
	assert.Equal(t, uint64(2), retransmitted)
	assert.Equal(t, uint64(0), ignored)
}

func TestTXRingIgnoresUnbufferedSeq(t *testing.T) {
	ring := NewTXRing(8)
	tx := &fakeRetransmitter{}
	nack := &Packet{SSRC: 1, Items: []FCIItem{{StartSeq: 500, FollowCount: 0}}}
	require.NoError(t, ring.HandleNack(nack, tx))
	assert.Empty(t, tx.sent)

	_, ignored := ring.Stats()
	assert.Equal(t, uint64(1), ignored)
}

func TestLossSimulatorDropsAtFullRate(t *testing.T) {
	sim := NewLossSimulator(1.0, 3, 1)
	drops := 0
	for i := 0; i < 10; i++ {
		if sim.ShouldDrop() {
			drops++
		}
	}
	assert.Greater(t, drops, 0)
}
