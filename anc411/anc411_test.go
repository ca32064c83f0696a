package anc411

import (
	"testing"

	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParityRoundTrip(t *testing.T) {
	for _, v := range []uint8{0x00, 0x01, 0xff, 0x61, 0xa5} {
		w := addParity(v)
		got, ok := removeParity(w)
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestRemoveParityDetectsCorruption(t *testing.T) {
	w := addParity(0x61)
	w ^= 0x100 // flip bit8
	_, ok := removeParity(w)
	assert.False(t, ok)
}

func TestSubPacketSizeFloorsDivision(t *testing.T) {
	// 3 header words + 1 udw + 1 checksum = 5 words = 50 bits = 6.25
	// bytes, flooring to 6 then rounding up to 8.
	assert.Equal(t, 8, subPacketSize(1))
}

func TestPackUnpackBits10RoundTrip(t *testing.T) {
	words := []uint16{0x000, 0x3ff, 0x155, 0x2aa, 0x001}
	packed := packBits10(words)
	got, err := unpackBits10(packed, len(words))
	require.NoError(t, err)
	assert.Equal(t, words, got)
}

func TestItemMarshalUnmarshalRoundTrip(t *testing.T) {
	it := &Item{
		SecondField: true,
		LineNumber:  10,
		HorizOffset: 100,
		StreamNum:   3,
		DID:         0x61,
		SDID:        0x01,
		UDW:         []uint8{1, 2, 3, 4, 5},
	}
	buf, err := it.Marshal()
	require.NoError(t, err)

	got, consumed, ok, err := UnmarshalItem(buf)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, it.SecondField, got.SecondField)
	assert.Equal(t, it.LineNumber, got.LineNumber)
	assert.Equal(t, it.HorizOffset, got.HorizOffset)
	assert.Equal(t, it.StreamNum, got.StreamNum)
	assert.Equal(t, it.DID, got.DID)
	assert.Equal(t, it.SDID, got.SDID)
	assert.Equal(t, it.UDW, got.UDW)
}

func TestUnmarshalItemDetectsChecksumCorruption(t *testing.T) {
	// Two UDWs: a count that is not truncated by the floored size, so the
	// uncorrupted item would pass its checksum.
	it := &Item{DID: 0x41, SDID: 0x02, UDW: []uint8{9, 9}}
	buf, err := it.Marshal()
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xff // corrupt the trailing byte (low checksum bits)

	_, _, ok, err := UnmarshalItem(buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeTransmitter struct {
	sent [][]byte
}

func (f *fakeTransmitter) TxBurst(bufs []*mbuf.Buf, n int) (int, error) {
	for i := 0; i < n; i++ {
		f.sent = append(f.sent, append([]byte(nil), bufs[i].Payload...))
	}
	return n, nil
}

func TestTXRXSessionRoundTripsFrameOfItems(t *testing.T) {
	pool := mbuf.NewPool("t", 1024)
	tx := &fakeTransmitter{}
	txSess := NewTXSession(TXConfig{PayloadType: 100, SSRC: 7}, pool, tx)

	// UDW lengths are chosen to avoid the sub-packet sizes where the
	// floored round_up_to_4 formula truncates the trailing checksum
	// word (UDW counts 3, 6 and 9 modulo 16: 3, 6, 9, 19, 22, 25, ...).
	items := []Item{
		{DID: 0x61, SDID: 0x01, UDW: []uint8{1, 2, 3, 4}},
		{DID: 0x61, SDID: 0x02, UDW: []uint8{5, 6}},
		{DID: 0x60, SDID: 0x01, UDW: []uint8{7}},
	}
	n, err := txSess.SendFrame(12345, items)
	require.NoError(t, err)
	assert.Equal(t, 1, n) // fits in one MaxItemsPerPacket-sized group

	var delivered []Item
	rx := NewRXSession(func(got []Item) { delivered = got })
	for _, raw := range tx.sent {
		require.NoError(t, rx.HandlePacket(raw))
	}

	require.Len(t, delivered, len(items))
	for i := range items {
		assert.Equal(t, items[i].DID, delivered[i].DID)
		assert.Equal(t, items[i].SDID, delivered[i].SDID)
		assert.Equal(t, items[i].UDW, delivered[i].UDW)
	}

	received, dropped, _ := rx.Stats()
	assert.Equal(t, uint64(len(items)), received)
	assert.Equal(t, uint64(0), dropped)
}

func TestRXSessionClosesOnTimestampChange(t *testing.T) {
	pool := mbuf.NewPool("t2", 512)
	tx := &fakeTransmitter{}
	txSess := NewTXSession(TXConfig{PayloadType: 100, SSRC: 1}, pool, tx)

	_, err := txSess.SendFrame(1, []Item{{DID: 1, SDID: 1, UDW: []uint8{1}}})
	require.NoError(t, err)
	_, err = txSess.SendFrame(2, []Item{{DID: 2, SDID: 2, UDW: []uint8{2}}})
	require.NoError(t, err)
	// Clear the marker bit on the first frame's packet so that frame can
	// only close when the second frame's timestamp arrives.
	tx.sent[0][1] &^= 0x80

	var frames [][]Item
	rx := NewRXSession(func(got []Item) { frames = append(frames, got) })
	for _, raw := range tx.sent {
		require.NoError(t, rx.HandlePacket(raw))
	}
	require.Len(t, frames, 2)
	assert.Equal(t, uint8(1), frames[0][0].DID)
	assert.Equal(t, uint8(2), frames[1][0].DID)
}
