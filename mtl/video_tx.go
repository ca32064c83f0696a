package mtl

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/OpenVisualCloud/go-mtl/pacing"
	"github.com/OpenVisualCloud/go-mtl/queue"
	"github.com/OpenVisualCloud/go-mtl/rfc4175"
	"github.com/OpenVisualCloud/go-mtl/sched"
)

// VideoTXConfig mirrors spec.md §6's "session creation contract (video
// TX)" table. NumPort redundancy (mirrored sessions on a second port) is
// the caller's responsibility: create two VideoTXSessions, one per Port.
type VideoTXConfig struct {
	DstIP       net.IP
	DstPort     uint16
	SrcPortBase uint16 // 0: Port picks one via allocSrcPort

	PayloadType uint8
	SSRC        uint32

	Width, Height int
	FPS           FPS
	Fmt           rfc4175.PixFmt
	Packing       rfc4175.PackingMode
	Interlaced    bool

	FramebuffCnt int // ring depth a caller-side producer uses; not enforced here

	GetNextFrame    rfc4175.GetNextFrameFunc
	NotifyFrameDone rfc4175.NotifyFrameDoneFunc

	Flags      SessionFlags
	ARPTimeout time.Duration // zero: spec.md §4.5/§7 silent-drop-until-resolved

	NackRingSize int // 0 disables RTCP retransmit buffering
}

// VideoTXSession is one ST 2110-20 TX session bound to a Port: an
// rfc4175.TXSession driven every scheduler iteration by a Tasklet that
// pulls one frame via GetNextFrame if the producer has one ready. When the
// owning Port's config.FlagSharedTXQueue is set, the per-frame drive step
// instead runs under the port's single shared-TX driver Tasklet (spec.md
// §4.2, C5), and the backend queue is wrapped in a queue.SharedTXQueue so
// concurrent sessions contending for it spin rather than corrupt a burst.
type VideoTXSession struct {
	core   *rfc4175.TXSession
	port   *Port
	raw    backend.TXQueue // the queue handed back to PutTXQueue on Close
	closed atomic.Bool
}

// NewVideoTXSession reserves a TX queue on p, builds the pacer the
// backend's capabilities select (spec.md §4.3), and registers a Tasklet
// with the Engine's scheduler pool that drives the session every
// cooperative loop iteration.
func (p *Port) NewVideoTXSession(cfg VideoTXConfig) (*VideoTXSession, error) {
	if cfg.DstIP == nil {
		return nil, mtlerr.ErrInvalidArgument
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || float64(cfg.FPS) <= 0 {
		return nil, mtlerr.ErrInvalidArgument
	}

	q, err := p.backend.GetTXQueue(backend.FlowFilter{DstIP: cfg.DstIP, DstPort: cfg.DstPort})
	if err != nil {
		return nil, err
	}

	bytesPerSec := uint64(rfc4175.FrameSize(cfg.Width, cfg.Height, cfg.Fmt)) * uint64(cfg.FPS)
	pacer := pacing.SelectPacer(p.pacingCaps(), bytesPerSec)

	txCfg := rfc4175.TXConfig{
		Width:       cfg.Width,
		Height:      cfg.Height,
		FPS:         float64(cfg.FPS),
		Fmt:         cfg.Fmt,
		Packing:     cfg.Packing,
		Interlaced:  cfg.Interlaced,
		PayloadType: cfg.PayloadType,
		SSRC:        cfg.SSRC,
		SrcIP:       p.cfg.SIPAddr,
		DstIP:       cfg.DstIP,
		SrcPort:     p.allocSrcPort(cfg.SrcPortBase),
		DstPort:     cfg.DstPort,
		ARPTimeout:  cfg.ARPTimeout,
		NackRingSize: func() int {
			if cfg.Flags.Has(FlagEnableRTCP) {
				return cfg.NackRingSize
			}
			return 0
		}(),
	}

	var tx rfc4175.Transmitter = q
	if p.cfg.Flags.Has(config.FlagSharedTXQueue) {
		tx = queue.NewSharedTXQueue(q)
	}

	core := rfc4175.NewTXSession(txCfg, p.txPool, pacer, tx, p.resolver)
	s := &VideoTXSession{core: core, port: p, raw: q}

	drive := func() {
		if s.closed.Load() {
			return
		}
		sent, err := core.SendFrame(time.Now(), cfg.GetNextFrame)
		if err != nil {
			log.WithError(err).Warn("video tx session send failed")
			return
		}
		if sent > 0 && cfg.NotifyFrameDone != nil {
			cfg.NotifyFrameDone(0)
		}
	}

	bandwidthMbps := float64(bytesPerSec) * 8 / 1e6
	if p.cfg.Flags.Has(config.FlagSharedTXQueue) {
		if err := p.registerSharedTX(drive); err != nil {
			_ = p.backend.PutTXQueue(q)
			return nil, err
		}
		return s, nil
	}

	_, err = p.engine.scheds.AddSession(&sched.Tasklet{
		Name:    "video-tx",
		Handler: drive,
	}, bandwidthMbps)
	if err != nil {
		_ = p.backend.PutTXQueue(q)
		return nil, err
	}

	return s, nil
}

// Stats returns cumulative TX counters: frames sent, burst retries, bytes.
func (s *VideoTXSession) Stats() (framesSent, txRetries, bytesSent uint64) {
	return s.core.Stats()
}

// Close stops the session's tasklet from driving any further SendFrame
// calls and releases the TX queue. The Tasklet itself remains registered
// (schedulers have no mid-flight removal API, matching spec.md §5's
// "tasklets run for the scheduler's lifetime"); Close just makes its
// Handler a no-op from here on.
func (s *VideoTXSession) Close() error {
	s.closed.Store(true)
	return s.port.backend.PutTXQueue(s.raw)
}
