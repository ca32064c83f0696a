package anc411

import (
	"encoding/binary"
	"fmt"
)

// subHeaderLen is the fixed-size C/LineNumber/HorizontalOffset/StreamNum
// header preceding each sub-packet's bit-packed UDW stream.
const subHeaderLen = 4

// MaxUDWPerItem bounds one sub-packet's UDW count so its on-wire size
// never needs more than a single RTP payload segment.
const MaxUDWPerItem = 255

// Item is one ANC (ST 2110-40) or fast-metadata (ST 2110-41) sub-packet;
// both wire formats share this exact UDW/parity/checksum encoding per
// spec.md §4.7.
type Item struct {
	SecondField bool // C bit: second field of an interlaced source
	LineNumber  uint16
	HorizOffset uint16
	StreamNum   uint8
	DID         uint8
	SDID        uint8
	UDW         []uint8
}

// Marshal encodes one Item into its on-wire sub-packet bytes.
func (it *Item) Marshal() ([]byte, error) {
	if len(it.UDW) > MaxUDWPerItem {
		return nil, fmt.Errorf("anc411: %d UDWs exceeds max %d", len(it.UDW), MaxUDWPerItem)
	}
	hdr := make([]byte, subHeaderLen)
	var v uint32
	if it.SecondField {
		v |= 1 << 31
	}
	v |= uint32(it.LineNumber&0x7ff) << 20
	v |= uint32(it.HorizOffset&0xfff) << 8
	v |= uint32(it.StreamNum)
	binary.BigEndian.PutUint32(hdr, v)

	words := subPacketWords(it.DID, it.SDID, it.UDW)
	body := packBits10(words)
	size := subPacketSize(len(it.UDW))
	switch {
	case len(body) < size:
		body = append(body, make([]byte, size-len(body))...)
	case len(body) > size:
		// spec.md §9 Open Question (b): the floored sub-packet size can
		// be narrower than the bits actually needed, truncating the
		// trailing word (typically the checksum) to match the on-wire
		// reality this encoding replicates.
		body = body[:size]
	}
	return append(hdr, body...), nil
}

// UnmarshalItem parses one sub-packet from the front of buf, returning
// the item, the number of bytes consumed, and an error only for a
// structurally truncated buffer — parity/checksum failures are reported
// via ok=false so the caller can drop just this sub-packet and keep
// reassembling the rest of the frame (spec.md §4.7).
func UnmarshalItem(buf []byte) (it *Item, consumed int, ok bool, err error) {
	if len(buf) < subHeaderLen+subPacketSize(0) {
		return nil, 0, false, fmt.Errorf("anc411: buffer too short for a sub-packet header")
	}
	v := binary.BigEndian.Uint32(buf[:subHeaderLen])
	it = &Item{
		SecondField: v&(1<<31) != 0,
		LineNumber:  uint16(v>>20) & 0x7ff,
		HorizOffset: uint16(v>>8) & 0xfff,
		StreamNum:   uint8(v),
	}

	// Data_Count (the UDW count) is itself parity-coded and sits as the
	// third word of the bit stream; decode just the first three words to
	// learn it, then re-decode the whole stream once the size is known.
	probe, err := unpackBits10(buf[subHeaderLen:], 3)
	if err != nil {
		return nil, 0, false, fmt.Errorf("anc411: %w", err)
	}
	did, didOK := removeParity(probe[0])
	sdid, sdidOK := removeParity(probe[1])
	count, countOK := removeParity(probe[2])
	if !didOK || !sdidOK || !countOK {
		// Can't trust Data_Count if its own parity is broken; treat the
		// minimal-size sub-packet as consumed so the caller can resync on
		// the next one.
		size := subHeaderLen + subPacketSize(0)
		return nil, size, false, nil
	}

	size := subHeaderLen + subPacketSize(int(count))
	if len(buf) < size {
		return nil, 0, false, fmt.Errorf("anc411: truncated sub-packet, need %d have %d", size, len(buf))
	}
	words, err := unpackBits10(buf[subHeaderLen:], 3+int(count)+1)
	if err != nil {
		return nil, 0, false, fmt.Errorf("anc411: %w", err)
	}

	it.DID = did
	it.SDID = sdid
	it.UDW = make([]uint8, count)
	valid := true
	for i := 0; i < int(count); i++ {
		b, bOK := removeParity(words[3+i])
		it.UDW[i] = b
		valid = valid && bOK
	}
	wantChecksum := checksumWord(words[:3+int(count)])
	if wantChecksum != words[3+int(count)] {
		valid = false
	}
	return it, size, valid, nil
}
