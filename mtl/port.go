package mtl

import (
	"net"
	"sync"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/collab"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/pacing"
	"github.com/OpenVisualCloud/go-mtl/queue"
	"github.com/OpenVisualCloud/go-mtl/sched"
)

// defaultMbufSize covers a full BPM/GPM RTP packet (spec.md §4.5's
// 1260-byte default payload) plus header room and the ANC/RTCP frame
// shapes this module builds.
const defaultMbufSize = 2048

// sharedRXEntry is one session's shared RX queue registered with a port's
// single poller tasklet (config.FlagSharedRXQueue).
type sharedRXEntry struct {
	q       *queue.SharedRXQueue
	dstIP   net.IP
	dstPort uint16
}

// Port is one opened NIC port shared by every session built on it: the
// backend handle, dedicated TX/RX mbuf pools, and a sequence counter for
// the src-port allocation spec.md §6 calls random_port(base).
type Port struct {
	engine   *Engine
	cfg      config.PortConfig
	backend  backend.Port
	resolver collab.NeighborResolver

	txPool *mbuf.Pool
	rxPool *mbuf.Pool

	mu          sync.Mutex
	nextSrcPort uint16

	// sharedMu guards the shared-queue bookkeeping spec.md §4.2 (C5)
	// describes: config.FlagSharedRXQueue/FlagSharedTXQueue route video
	// sessions through one port-wide poller/driver tasklet instead of one
	// tasklet per session, amortizing the scarce scheduler-slot resource
	// (C11) across many sessions the way a limited hardware queue pool
	// would on real silicon.
	sharedMu        sync.Mutex
	sharedRXEntries []sharedRXEntry
	sharedRXStarted bool
	sharedTXDrivers []func()
	sharedTXStarted bool
}

// registerSharedRX adds q to this port's shared-RX poll set and, on first
// use, starts the single poller Tasklet that services every queue in the
// set each scheduler iteration.
func (p *Port) registerSharedRX(q *queue.SharedRXQueue, dstIP net.IP, dstPort uint16) error {
	p.sharedMu.Lock()
	defer p.sharedMu.Unlock()
	p.sharedRXEntries = append(p.sharedRXEntries, sharedRXEntry{q: q, dstIP: dstIP, dstPort: dstPort})
	if p.sharedRXStarted {
		return nil
	}
	p.sharedRXStarted = true
	_, err := p.engine.scheds.AddSession(&sched.Tasklet{
		Name:    "shared-rx-poll",
		Handler: p.pollSharedRX,
	}, 0)
	return err
}

// unregisterSharedRX removes q from the poll set, called from a shared
// session's Close before its backend queue is released — otherwise the
// poller would keep bursting from a closed queue every tick.
func (p *Port) unregisterSharedRX(q *queue.SharedRXQueue) {
	p.sharedMu.Lock()
	defer p.sharedMu.Unlock()
	for i, e := range p.sharedRXEntries {
		if e.q == q {
			p.sharedRXEntries = append(p.sharedRXEntries[:i], p.sharedRXEntries[i+1:]...)
			return
		}
	}
}

// pollSharedRX runs one round of Poll against every registered shared RX
// queue. Each queue already knows its own fixed destination port (the
// socket it was opened against), so dstPortOf is a constant closure per
// queue rather than a per-packet header parse — kernelsocket.go's
// net.UDPConn already strips the headers a hardware backend would hand
// back raw.
func (p *Port) pollSharedRX() {
	p.sharedMu.Lock()
	entries := append([]sharedRXEntry(nil), p.sharedRXEntries...)
	p.sharedMu.Unlock()

	for _, e := range entries {
		dstPort := e.dstPort
		if _, err := e.q.Poll(nil, e.dstIP, func(*mbuf.Buf) uint16 { return dstPort }); err != nil {
			log.WithError(err).Warn("shared rx queue poll failed")
		}
	}
}

// registerSharedTX adds drive to this port's shared-TX driver set and, on
// first use, starts the single driver Tasklet that runs every registered
// session's SendFrame call each scheduler iteration.
func (p *Port) registerSharedTX(drive func()) error {
	p.sharedMu.Lock()
	defer p.sharedMu.Unlock()
	p.sharedTXDrivers = append(p.sharedTXDrivers, drive)
	if p.sharedTXStarted {
		return nil
	}
	p.sharedTXStarted = true
	_, err := p.engine.scheds.AddSession(&sched.Tasklet{
		Name:    "shared-tx-drive",
		Handler: p.driveSharedTX,
	}, 0)
	return err
}

// driveSharedTX runs one round of every registered session's drive
// closure. A closed session's closure is a no-op (its own atomic.Bool
// flag), the same "Tasklet stays registered, Handler goes inert" contract
// dedicated sessions already rely on (spec.md §5: schedulers have no
// mid-flight removal API).
func (p *Port) driveSharedTX() {
	p.sharedMu.Lock()
	drivers := append([]func(){}, p.sharedTXDrivers...)
	p.sharedMu.Unlock()

	for _, drive := range drivers {
		drive()
	}
}

// Caps returns the backend's advertised capabilities.
func (p *Port) Caps() backend.Capabilities { return p.backend.Caps() }

func (p *Port) pacingCaps() pacing.Capabilities {
	c := p.backend.Caps()
	return pacing.Capabilities{
		HasTrafficManager: c.HasTrafficManager,
		HasTxMaxRateSysfs: c.HasTxMaxRateSysfs,
		HasLaunchTime:     c.HasLaunchTime,
	}
}

// allocSrcPort implements spec.md §6's random_port(base): the first call
// picks a pseudo-random offset from base, every later call on this port
// increments from there, avoiding two sessions colliding on the same
// ephemeral source port.
func (p *Port) allocSrcPort(base uint16) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextSrcPort == 0 {
		p.nextSrcPort = base + uint16(randSeed()%4096)
	}
	port := p.nextSrcPort
	p.nextSrcPort++
	return port
}

// Close releases the backend port. The owning Engine also closes every
// port it opened when the Engine itself is closed; calling this directly
// is only needed for a port created and torn down outside Engine.Close.
func (p *Port) Close() error { return p.backend.Close() }
