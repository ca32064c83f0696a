// Package rfc4175 implements the ST 2110-20 (RFC 4175 uncompressed video)
// send and receive state machines of spec.md §4.5/§4.6 (C8/C9): frame to
// packet serialization in BPM/GPM/GPM_SL packing modes, and packet to
// frame reassembly with completeness and interlace tracking.
package rfc4175

import (
	"encoding/binary"
	"fmt"
)

// PackingMode selects the RFC 4175 packetization strategy spec.md §4.5
// names BPM, GPM, or GPM_SL.
type PackingMode int

const (
	PackingBPM PackingMode = iota
	PackingGPM
	PackingGPMSingleLine
)

func (m PackingMode) String() string {
	switch m {
	case PackingBPM:
		return "BPM"
	case PackingGPM:
		return "GPM"
	case PackingGPMSingleLine:
		return "GPM_SL"
	default:
		return "unknown"
	}
}

// PixFmt describes a pixel format's pixel-group geometry: PgSize bytes
// cover PgCoverage pixels.
type PixFmt struct {
	Name       string
	PgSize     int
	PgCoverage int
}

var (
	// YUV422P10LE is 4:2:2 10-bit, 5 bytes covering 2 pixels.
	YUV422P10LE = PixFmt{Name: "YUV422PLANAR10LE", PgSize: 5, PgCoverage: 2}
	// YUV420P10LE is 4:2:0 10-bit, 15 bytes covering 8 pixels.
	YUV420P10LE = PixFmt{Name: "YUV420PLANAR10LE", PgSize: 15, PgCoverage: 8}
	// RGB8 is 8-bit RGB, 3 bytes covering 1 pixel.
	RGB8 = PixFmt{Name: "RGB8", PgSize: 3, PgCoverage: 1}
)

// BytesPerLine computes spec.md §4.5's bytes_per_line for width w pixels.
func BytesPerLine(width int, fmt PixFmt) int {
	return width * fmt.PgSize / fmt.PgCoverage
}

// FrameSize computes the raster size in bytes for a progressive frame;
// halve it for one field of an interlaced frame.
func FrameSize(width, height int, fmt PixFmt) int {
	return BytesPerLine(width, fmt) * height
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// PacketsPerFrameBPM computes spec.md §4.5's BPM packet count:
// ceil(W×H / pkt_pixels), pkt_pixels = pktDataLen×pg_coverage/pg_size.
func PacketsPerFrameBPM(width, height int, fmt PixFmt, pktDataLen int) int {
	pktPixels := pktDataLen * fmt.PgCoverage / fmt.PgSize
	if pktPixels <= 0 {
		return 0
	}
	return ceilDiv(width*height, pktPixels)
}

// PacketsPerLineGPMSL computes spec.md §4.5's GPM_SL packet-per-line count:
// ceil(bytes_per_line / max_payload).
func PacketsPerLineGPMSL(bytesPerLine, maxPayload int) int {
	return ceilDiv(bytesPerLine, maxPayload)
}

// SRD is one Sample Row Data unit, addressed per spec.md §3/GLOSSARY by
// (row_number, row_offset, row_length) — the byte range within a raster
// line one media-header entry covers.
type SRD struct {
	RowNumber uint16
	RowOffset uint16 // byte offset within the line, already pg-scaled
	RowLength uint16 // byte length of this SRD's payload
	FieldID   uint8  // 0 or 1, interlaced second-field marker
}

// srdHeaderLen is the on-wire size of one SRD entry in the RFC 4175 media
// header: Length(2) + Field/LineNumber(2) + Continuation/Offset(2).
const srdHeaderLen = 6

// extSeqLen is the size of the extended sequence number field that
// precedes the SRD list.
const extSeqLen = 2

// MediaHeader is the RFC 4175 payload header following the 12-byte RTP
// header: an extended sequence number plus one or two SRD entries (a
// second only in GPM two-SRD-per-packet mode, signaled by the
// continuation bit on the first).
type MediaHeader struct {
	ExtSeqNum uint16
	SRDs      []SRD // len 1 or 2
}

// Marshal encodes h into its on-wire form.
func (h *MediaHeader) Marshal() []byte {
	buf := make([]byte, extSeqLen+len(h.SRDs)*srdHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.ExtSeqNum)

	off := extSeqLen
	for i, srd := range h.SRDs {
		binary.BigEndian.PutUint16(buf[off:off+2], srd.RowLength)

		fieldAndLine := uint16(srd.RowNumber) & 0x7fff
		if srd.FieldID != 0 {
			fieldAndLine |= 0x8000
		}
		binary.BigEndian.PutUint16(buf[off+2:off+4], fieldAndLine)

		contAndOffset := srd.RowOffset & 0x7fff
		if i < len(h.SRDs)-1 {
			contAndOffset |= 0x8000 // continuation: another SRD follows
		}
		binary.BigEndian.PutUint16(buf[off+4:off+6], contAndOffset)

		off += srdHeaderLen
	}
	return buf
}

// UnmarshalMediaHeader parses buf (the RTP payload, with the 12-byte RTP
// header already stripped) into a MediaHeader and returns the remaining
// payload bytes.
func UnmarshalMediaHeader(buf []byte) (*MediaHeader, []byte, error) {
	if len(buf) < extSeqLen+srdHeaderLen {
		return nil, nil, fmt.Errorf("rfc4175: payload too short for a media header: %d bytes", len(buf))
	}
	h := &MediaHeader{ExtSeqNum: binary.BigEndian.Uint16(buf[0:2])}
	off := extSeqLen
	for {
		if off+srdHeaderLen > len(buf) {
			return nil, nil, fmt.Errorf("rfc4175: truncated SRD header at offset %d", off)
		}
		length := binary.BigEndian.Uint16(buf[off : off+2])
		fieldAndLine := binary.BigEndian.Uint16(buf[off+2 : off+4])
		contAndOffset := binary.BigEndian.Uint16(buf[off+4 : off+6])
		off += srdHeaderLen

		srd := SRD{
			RowLength: length,
			RowNumber: fieldAndLine & 0x7fff,
			RowOffset: contAndOffset & 0x7fff,
		}
		if fieldAndLine&0x8000 != 0 {
			srd.FieldID = 1
		}
		h.SRDs = append(h.SRDs, srd)

		if contAndOffset&0x8000 == 0 {
			break
		}
		if len(h.SRDs) >= 2 {
			// spec.md §4.5: at most two SRDs per packet (the extra-header
			// form). A third continuation bit would indicate a malformed
			// or adversarial packet.
			return nil, nil, fmt.Errorf("rfc4175: more than two SRDs in one packet")
		}
	}
	return h, buf[off:], nil
}

// FrameOffset computes spec.md §4.6's placement formula: the destination
// byte offset for an SRD's payload within the frame raster. rowOffset is
// already a byte offset within the line (SRD.RowOffset), so this is just
// the line's base offset plus rowOffset.
func FrameOffset(rowNumber, rowOffset int, width int, fmt PixFmt) int {
	return rowNumber*BytesPerLine(width, fmt) + rowOffset
}
