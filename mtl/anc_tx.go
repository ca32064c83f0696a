package mtl

import (
	"net"
	"sync/atomic"

	"github.com/OpenVisualCloud/go-mtl/anc411"
	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/OpenVisualCloud/go-mtl/sched"
)

// ancTaskletBandwidthMbps is a conservative fixed quota charge for an ANC
// session's tasklet: metadata traffic is orders of magnitude smaller than
// the video essence it rides alongside, so it is not worth computing a
// per-session estimate the way video TX/RX do.
const ancTaskletBandwidthMbps = 1

// GetNextMetaFunc supplies the next frame's worth of ANC/fast-metadata
// items to send, or ok=false if none is ready yet.
type GetNextMetaFunc func() (items []anc411.Item, timestamp uint32, ok bool)

// ANCTXConfig configures one ST 2110-40/41 TX session.
type ANCTXConfig struct {
	DstIP   net.IP
	DstPort uint16

	PayloadType uint8
	SSRC        uint32

	GetNextMeta GetNextMetaFunc
}

// ANCTXSession drives an anc411.TXSession from a Tasklet exactly like
// VideoTXSession drives an rfc4175.TXSession.
type ANCTXSession struct {
	core   *anc411.TXSession
	port   *Port
	q      backend.TXQueue
	closed atomic.Bool
}

// NewANCTXSession reserves a TX queue on p and registers a polling
// Tasklet that pulls one frame's items via cfg.GetNextMeta per iteration.
func (p *Port) NewANCTXSession(cfg ANCTXConfig) (*ANCTXSession, error) {
	if cfg.DstIP == nil || cfg.GetNextMeta == nil {
		return nil, mtlerr.ErrInvalidArgument
	}

	q, err := p.backend.GetTXQueue(backend.FlowFilter{DstIP: cfg.DstIP, DstPort: cfg.DstPort})
	if err != nil {
		return nil, err
	}

	core := anc411.NewTXSession(anc411.TXConfig{PayloadType: cfg.PayloadType, SSRC: cfg.SSRC}, p.txPool, q)
	s := &ANCTXSession{core: core, port: p, q: q}

	_, err = p.engine.scheds.AddSession(&sched.Tasklet{
		Name: "anc-tx",
		Handler: func() {
			if s.closed.Load() {
				return
			}
			items, ts, ok := cfg.GetNextMeta()
			if !ok {
				return
			}
			if _, err := core.SendFrame(ts, items); err != nil {
				log.WithError(err).Warn("anc tx session send failed")
			}
		},
	}, ancTaskletBandwidthMbps)
	if err != nil {
		_ = p.backend.PutTXQueue(q)
		return nil, err
	}

	return s, nil
}

// Stats returns cumulative TX counters: items sent, packets sent.
func (s *ANCTXSession) Stats() (itemsSent, packetsSent uint64) { return s.core.Stats() }

// Close stops the session's tasklet from sending further frames and
// releases the TX queue.
func (s *ANCTXSession) Close() error {
	s.closed.Store(true)
	return s.port.backend.PutTXQueue(s.q)
}
