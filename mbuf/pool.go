// Package mbuf implements the fixed-size, reference-counted buffer pool
// spec.md §3 calls "Mbuf": headroom for L2/L3/L4 headers plus a payload
// region, bulk alloc/free, and an atomic refcount for the rare multi-segment
// case (an externally supplied zero-copy frame plus a header segment).
//
// There is no comparable pool abstraction in the retrieval pack (the
// teacher and its siblings all hand data to the kernel via net.Conn, which
// owns its own buffers) — this package is built on sync.Pool per spec.md's
// description rather than ported from an example; see DESIGN.md.
package mbuf

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "mbuf")

// Buf is one pool-allocated buffer descriptor. Headroom reserves space for
// synthesized Ethernet/IP/UDP headers ahead of Payload; Data is the backing
// array, Payload a sub-slice of it that grows as headers are prepended.
type Buf struct {
	Data    []byte
	Payload []byte

	// LaunchTimeNS is the NIC-honored departure timestamp a launch-time
	// TSN pacer stamps (spec.md §4.3); zero means unset.
	LaunchTimeNS uint64

	pool    *Pool
	refs    atomic.Int32
	ext     []byte // external (zero-copy) payload segment, if any
	extIOVA uint64
}

// Headroom is the number of bytes reserved ahead of Payload for L2/L3/L4
// headers (14 Ethernet + 20 IPv4 + 8 UDP, rounded up).
const Headroom = 64

// Reset restores Payload to the full post-headroom region and drops any
// external segment, readying the buffer for reuse from the pool.
func (b *Buf) Reset() {
	b.Payload = b.Data[Headroom:Headroom]
	b.ext = nil
	b.extIOVA = 0
	b.LaunchTimeNS = 0
	b.refs.Store(1)
}

// Prepend grows Payload backwards into the headroom to make room for a
// header, returning the header region to fill in.
func (b *Buf) Prepend(n int) ([]byte, bool) {
	start := cap(b.Data) - cap(b.Payload) - n
	if start < 0 {
		return nil, false
	}
	b.Payload = b.Data[start : start+n+len(b.Payload)]
	return b.Payload[:n], true
}

// SetExternal attaches a zero-copy payload segment and its IO virtual
// address, used when the producer supplied an external frame buffer
// (spec.md §3 "Frame buffer (video)", EXT_FRAME).
func (b *Buf) SetExternal(data []byte, ioVA uint64) {
	b.ext = data
	b.extIOVA = ioVA
	b.refs.Add(1)
}

// External returns the external segment and its IOVA, if one is attached.
func (b *Buf) External() ([]byte, uint64, bool) {
	if b.ext == nil {
		return nil, 0, false
	}
	return b.ext, b.extIOVA, true
}

// Ref increments the reference count. Non-external mbufs never need more
// than one reference; this exists for the multi-segment case.
func (b *Buf) Ref() { b.refs.Add(1) }

// Unref decrements the reference count and returns the buffer to its pool
// once it reaches zero.
func (b *Buf) Unref() {
	if b.refs.Add(-1) == 0 {
		b.pool.put(b)
	}
}

// Pool is a fixed-size buffer pool. bufSize is the total allocation per
// buffer including Headroom; sized for the largest payload the owning
// queue will ever emit or receive.
type Pool struct {
	bufSize int
	free    sync.Pool
}

// NewPool creates a pool of buffers sized bufSize bytes each.
func NewPool(name string, bufSize int) *Pool {
	p := &Pool{bufSize: bufSize}
	p.free = sync.Pool{
		New: func() any {
			b := &Buf{Data: make([]byte, bufSize), pool: p}
			b.Reset()
			return b
		},
	}
	log.WithFields(logrus.Fields{"name": name, "buf_size": bufSize}).Debug("mbuf pool created")
	return p
}

// Alloc returns one buffer with refcount 1, ready to use.
func (p *Pool) Alloc() *Buf {
	b := p.free.Get().(*Buf)
	b.Reset()
	return b
}

// AllocBulk fills dst with n freshly reset buffers, returning the number
// actually filled (always n when dst has room for n, since a sync.Pool-backed
// implementation never runs dry — it grows instead. Kept as a count return to
// match the bulk-alloc contract of spec.md §4.1 consumers that do check it).
func (p *Pool) AllocBulk(dst []*Buf, n int) int {
	filled := 0
	for ; filled < n && filled < len(dst); filled++ {
		dst[filled] = p.Alloc()
	}
	return filled
}

// FreeBulk unrefs every non-nil buffer in bufs.
func (p *Pool) FreeBulk(bufs []*Buf) {
	for _, b := range bufs {
		if b != nil {
			b.Unref()
		}
	}
}

func (p *Pool) put(b *Buf) { p.free.Put(b) }
