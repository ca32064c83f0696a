// Package rtcp implements the IMTL NACK/retransmit engine of spec.md §4.4
// (C7): an RTCP-shaped feedback packet identified by the four-byte "IMTL"
// name tag, a TX-side ring of recent packets available for retransmit, and
// an RX-side gap tracker that emits NACK requests for lost sequence ids.
package rtcp

import (
	"encoding/binary"
	"fmt"
)

const (
	rtcpVersion   = 2
	appPacketType = 204 // RTCP APP, reused as the carrier for the IMTL NACK payload
	nackSubtype   = 1
	nameTag       = "IMTL"
	headerLen     = 12 // version/pt byte + pt byte + length(2) + ssrc(4) + name(4)
	fciItemLen    = 4  // start_seq(2) + follow_count(2)
)

// FCIItem is one feedback-control-information entry: a contiguous run of
// lost sequence ids starting at StartSeq, FollowCount packets long (0 means
// just StartSeq itself).
type FCIItem struct {
	StartSeq    uint16
	FollowCount uint16
}

// Packet is a parsed IMTL NACK packet.
type Packet struct {
	SSRC  uint32
	Items []FCIItem
}

// Marshal encodes p into its on-wire RTCP APP form.
func (p *Packet) Marshal() []byte {
	n := headerLen + len(p.Items)*fciItemLen
	buf := make([]byte, n)

	buf[0] = (rtcpVersion << 6) | nackSubtype
	buf[1] = appPacketType
	binary.BigEndian.PutUint16(buf[2:4], uint16(n/4-1))
	binary.BigEndian.PutUint32(buf[4:8], p.SSRC)
	copy(buf[8:12], []byte(nameTag))

	off := headerLen
	for _, item := range p.Items {
		binary.BigEndian.PutUint16(buf[off:off+2], item.StartSeq)
		binary.BigEndian.PutUint16(buf[off+2:off+4], item.FollowCount)
		off += fciItemLen
	}
	return buf
}

// Unmarshal parses buf into a Packet, returning an error if it is not a
// well-formed IMTL-tagged RTCP APP packet.
func Unmarshal(buf []byte) (*Packet, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("rtcp: packet too short: %d bytes", len(buf))
	}
	version := buf[0] >> 6
	if version != rtcpVersion {
		return nil, fmt.Errorf("rtcp: unsupported version %d", version)
	}
	if buf[1] != appPacketType {
		return nil, fmt.Errorf("rtcp: not an app packet (pt=%d)", buf[1])
	}
	if string(buf[8:12]) != nameTag {
		return nil, fmt.Errorf("rtcp: missing %q name tag", nameTag)
	}

	p := &Packet{SSRC: binary.BigEndian.Uint32(buf[4:8])}
	rest := buf[headerLen:]
	if len(rest)%fciItemLen != 0 {
		return nil, fmt.Errorf("rtcp: trailing %d bytes do not form whole FCI items", len(rest)%fciItemLen)
	}
	for off := 0; off+fciItemLen <= len(rest); off += fciItemLen {
		p.Items = append(p.Items, FCIItem{
			StartSeq:    binary.BigEndian.Uint16(rest[off : off+2]),
			FollowCount: binary.BigEndian.Uint16(rest[off+2 : off+4]),
		})
	}
	return p, nil
}

// IsIMTLNack reports whether buf looks like an IMTL-tagged RTCP NACK
// packet without fully parsing it, for a fast-path RX filter ahead of the
// session demultiplexer.
func IsIMTLNack(buf []byte) bool {
	return len(buf) >= headerLen && buf[1] == appPacketType && string(buf[8:12]) == nameTag
}
