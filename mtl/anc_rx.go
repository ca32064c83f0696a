package mtl

import (
	"net"
	"sync/atomic"

	"github.com/OpenVisualCloud/go-mtl/anc411"
	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/sched"
)

// ANCRXConfig configures one ST 2110-40/41 RX session.
type ANCRXConfig struct {
	DstIP   net.IP
	DstPort uint16

	NotifyFrameReady anc411.NotifyFrameReadyFunc
}

// ANCRXSession polls a reserved RX queue and feeds packets to an
// anc411.RXSession, exactly like VideoRXSession does for rfc4175.
type ANCRXSession struct {
	core   *anc411.RXSession
	port   *Port
	q      backend.RXQueue
	closed atomic.Bool
}

// NewANCRXSession reserves an RX queue on p and registers a polling
// Tasklet with the Engine's scheduler pool.
func (p *Port) NewANCRXSession(cfg ANCRXConfig) (*ANCRXSession, error) {
	q, err := p.backend.GetRXQueue(backend.FlowFilter{DstIP: cfg.DstIP, DstPort: cfg.DstPort})
	if err != nil {
		return nil, err
	}

	core := anc411.NewRXSession(cfg.NotifyFrameReady)
	s := &ANCRXSession{core: core, port: p, q: q}

	_, err = p.engine.scheds.AddSession(&sched.Tasklet{
		Name:    "anc-rx",
		Handler: s.poll,
	}, ancTaskletBandwidthMbps)
	if err != nil {
		_ = p.backend.PutRXQueue(q)
		return nil, err
	}

	return s, nil
}

func (s *ANCRXSession) poll() {
	if s.closed.Load() {
		return
	}
	bufs := make([]*mbuf.Buf, rxPollBurst)
	n, err := s.q.RxBurst(bufs, rxPollBurst)
	if err != nil {
		log.WithError(err).Warn("anc rx queue burst failed")
		return
	}
	for i := 0; i < n; i++ {
		if err := s.core.HandlePacket(bufs[i].Payload); err != nil {
			log.WithError(err).Debug("anc rx dropped malformed packet")
		}
	}
}

// Stats returns cumulative RX counters: items received, dropped, and
// checksum failures.
func (s *ANCRXSession) Stats() (received, dropped, checksumFails uint64) {
	return s.core.Stats()
}

// Close stops the session's tasklet from polling further and releases
// the RX queue.
func (s *ANCRXSession) Close() error {
	s.closed.Store(true)
	return s.port.backend.PutRXQueue(s.q)
}
