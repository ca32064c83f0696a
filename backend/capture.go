package backend

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/OpenVisualCloud/go-mtl/mbuf"
)

// pcapMagic is the classic (not pcapng) libpcap magic number, little-endian
// byte order, microsecond timestamps.
const pcapMagic = 0xa1b2c3d4

// CapturePoint writes a burst of received or transmitted mbufs to a pcap
// file, the debugging aid spec.md's redesign notes call out for
// reproducing a session's on-wire traffic outside the datapath itself.
// Safe for concurrent Write calls from multiple session goroutines.
type CapturePoint struct {
	mu  sync.Mutex
	w   *bufio.Writer
	closeFn func() error
}

// NewCapturePoint wraps dst (already open for writing) with a buffered
// pcap writer and emits the global file header immediately.
func NewCapturePoint(dst io.Writer, closeFn func() error) (*CapturePoint, error) {
	c := &CapturePoint{w: bufio.NewWriterSize(dst, 64*1024), closeFn: closeFn}
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:4], pcapMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // version major
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // version minor
	// bytes 8:16 are thiszone/sigfigs, left zero
	binary.LittleEndian.PutUint32(hdr[16:20], 262144) // snaplen
	binary.LittleEndian.PutUint32(hdr[20:24], 1)      // linktype: DLT_EN10MB
	if _, err := c.w.Write(hdr); err != nil {
		return nil, err
	}
	return c, nil
}

// Write appends one record-per-mbuf. External (zero-copy) segments are
// dumped by following their External() pointer rather than Payload.
func (c *CapturePoint) Write(bufs []*mbuf.Buf, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < n && i < len(bufs); i++ {
		b := bufs[i]
		if b == nil {
			continue
		}
		data := b.Payload
		if ext, _, ok := b.External(); ok {
			data = ext
		}
		rec := make([]byte, 16)
		binary.LittleEndian.PutUint32(rec[0:4], uint32(now.Unix()))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(now.Nanosecond()/1000))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(len(data)))
		binary.LittleEndian.PutUint32(rec[12:16], uint32(len(data)))
		if _, err := c.w.Write(rec); err != nil {
			return err
		}
		if _, err := c.w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes buffered records to the underlying writer without closing
// it, so a capture can be inspected mid-run.
func (c *CapturePoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Flush()
}

// Close flushes and, if a close function was supplied, closes the
// underlying destination.
func (c *CapturePoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Flush(); err != nil {
		return err
	}
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}
