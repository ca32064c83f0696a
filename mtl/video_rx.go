package mtl

import (
	"net"
	"sync/atomic"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/OpenVisualCloud/go-mtl/queue"
	"github.com/OpenVisualCloud/go-mtl/rfc4175"
	"github.com/OpenVisualCloud/go-mtl/ring"
	"github.com/OpenVisualCloud/go-mtl/sched"
)

// rxPollBurst is the per-tasklet-iteration RxBurst size; matches
// queue.SharedRXQueue's spec.md §4.2 burst-128 default.
const rxPollBurst = 128

// sharedRXRingSize sizes the SPSC ring a shared-queue RX session drains;
// large enough to absorb one poller tick's worth of bursts at rxBurstSize
// (queue.rxBurstSize) before a slow consumer starts dropping.
const sharedRXRingSize = 512

// VideoRXConfig mirrors spec.md §6's RX counterpart of the TX session
// creation contract.
type VideoRXConfig struct {
	DstIP   net.IP // multicast group to join, or the unicast bind address
	DstPort uint16

	Width, Height int
	FPS           FPS
	Fmt           rfc4175.PixFmt
	Interlaced    bool

	SliceLines         int
	IncompleteDelivery bool
	AutoDetect         bool

	NotifyFrameReady rfc4175.NotifyFrameReadyFunc
	NotifySlice      rfc4175.NotifySliceReadyFunc
	NotifyDetect     rfc4175.NotifyDetectFunc

	Flags SessionFlags
}

// VideoRXSession is one ST 2110-20 RX session bound to a Port. In the
// default (dedicated-queue) mode it holds its own reserved RX queue and
// Tasklet, bursting and reassembling in one step. When the owning Port's
// config.FlagSharedRXQueue is set, it instead registers itself as a
// queue.SessionSink on the port-wide shared poller and only drains its own
// ring (spec.md §4.2, C5).
type VideoRXSession struct {
	core *rfc4175.RXSession
	port *Port
	pool *mbuf.Pool

	dstIP   net.IP
	dstPort uint16

	q      backend.RXQueue      // set in dedicated mode
	shared *queue.SharedRXQueue // set in shared mode
	inbox  *ring.SPSC[mbuf.Buf] // set in shared mode

	closed atomic.Bool
}

// NewVideoRXSession reserves an RX queue on p (joining cfg.DstIP as a
// multicast group when it is one) and registers a polling Tasklet with
// the Engine's scheduler pool — or, when p's config.FlagSharedRXQueue is
// set, registers with the port's single shared-RX poller instead of
// starting a dedicated one.
func (p *Port) NewVideoRXSession(cfg VideoRXConfig) (*VideoRXSession, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || float64(cfg.FPS) <= 0 {
		return nil, mtlerr.ErrInvalidArgument
	}

	rxCfg := rfc4175.RXConfig{
		Width:              cfg.Width,
		Height:             cfg.Height,
		FPS:                float64(cfg.FPS),
		Fmt:                cfg.Fmt,
		Interlaced:         cfg.Interlaced,
		SliceLines:         cfg.SliceLines,
		IncompleteDelivery: cfg.IncompleteDelivery,
		AutoDetect:         cfg.AutoDetect,
	}
	core := rfc4175.NewRXSession(rxCfg, cfg.NotifyFrameReady)
	if cfg.NotifySlice != nil {
		core.SetSliceCallback(cfg.NotifySlice)
	}
	if cfg.NotifyDetect != nil {
		core.SetDetectCallback(cfg.NotifyDetect)
	}

	s := &VideoRXSession{core: core, port: p, pool: p.rxPool, dstIP: cfg.DstIP, dstPort: cfg.DstPort}
	bandwidthMbps := float64(rfc4175.FrameSize(cfg.Width, cfg.Height, cfg.Fmt)) * float64(cfg.FPS) * 8 / 1e6

	q, err := p.backend.GetRXQueue(backend.FlowFilter{DstIP: cfg.DstIP, DstPort: cfg.DstPort})
	if err != nil {
		return nil, err
	}

	if p.cfg.Flags.Has(config.FlagSharedRXQueue) {
		s.shared = queue.NewSharedRXQueue(q)
		s.inbox = ring.NewSPSC[mbuf.Buf](sharedRXRingSize)
		s.shared.AddSession(s)

		if err := p.registerSharedRX(s.shared, cfg.DstIP, cfg.DstPort); err != nil {
			_ = p.backend.PutRXQueue(q)
			return nil, err
		}
		if _, err := p.engine.scheds.AddSession(&sched.Tasklet{
			Name:    "video-rx-drain",
			Handler: s.drain,
		}, bandwidthMbps); err != nil {
			p.unregisterSharedRX(s.shared)
			_ = p.backend.PutRXQueue(q)
			return nil, err
		}
		return s, nil
	}

	s.q = q
	if _, err := p.engine.scheds.AddSession(&sched.Tasklet{
		Name:    "video-rx",
		Handler: s.poll,
	}, bandwidthMbps); err != nil {
		_ = p.backend.PutRXQueue(q)
		return nil, err
	}
	return s, nil
}

// Match implements queue.SessionSink: in shared-RX-queue mode this
// session only claims packets addressed to its own destination.
func (s *VideoRXSession) Match(_ net.IP, dstIP net.IP, dstPort uint16) bool {
	return dstIP.Equal(s.dstIP) && dstPort == s.dstPort
}

// Ring implements queue.SessionSink: the inbound SPSC ring the port's
// shared poller enqueues into and drain consumes from.
func (s *VideoRXSession) Ring() *ring.SPSC[mbuf.Buf] { return s.inbox }

// poll runs one RxBurst round and hands every received packet to the
// underlying RXSession, never blocking beyond the backend's own
// bounded-read-timeout (spec.md §5's hot loops never sleep indefinitely).
// Dedicated-queue mode only; shared-queue mode uses drain instead.
func (s *VideoRXSession) poll() {
	if s.closed.Load() {
		return
	}
	bufs := make([]*mbuf.Buf, rxPollBurst)
	n, err := s.q.RxBurst(bufs, rxPollBurst)
	if err != nil {
		log.WithError(err).Warn("video rx queue burst failed")
		return
	}
	for i := 0; i < n; i++ {
		if err := s.core.HandlePacket(bufs[i].Payload); err != nil {
			log.WithError(err).Debug("video rx dropped malformed packet")
		}
	}
}

// drain runs in shared-RX-queue mode: the port's shared poller has already
// classified and enqueued this session's packets into inbox; drain only
// dequeues and reassembles, never touching the backend queue itself.
func (s *VideoRXSession) drain() {
	if s.closed.Load() {
		return
	}
	for {
		b, ok := s.inbox.Dequeue()
		if !ok {
			break
		}
		if err := s.core.HandlePacket(b.Payload); err != nil {
			log.WithError(err).Debug("video rx dropped malformed packet")
		}
	}
}

// Stats returns cumulative RX counters: frames delivered, frames dropped
// incomplete, and late arrivals after a frame already closed.
func (s *VideoRXSession) Stats() (delivered, dropped, late uint64) {
	return s.core.Stats()
}

// Close stops the session's tasklet from polling/draining further and
// releases the RX queue. In shared-queue mode it also unregisters from
// the port's poller so that poller doesn't keep bursting from a closed
// queue every tick.
func (s *VideoRXSession) Close() error {
	s.closed.Store(true)
	if s.shared != nil {
		s.shared.RemoveSession(s)
		s.port.unregisterSharedRX(s.shared)
		return s.port.backend.PutRXQueue(s.shared.Backend())
	}
	return s.port.backend.PutRXQueue(s.q)
}
