// Package mtl is the top-level handle spec.md §9 redesigns the original
// library's global singletons into: one owned Engine holding a scheduler
// pool and a stat collector, opening Ports, each of which mints video
// TX/RX sessions and ANC TX/RX sessions over a statically selected
// backend (spec.md §4.1).
package mtl

import (
	"fmt"
	"sync"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/collab"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/sched"
	"github.com/OpenVisualCloud/go-mtl/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "mtl")

// BackendFactory resolves a config.PMDKind to the Backend that opens it.
// Backend selection is static per port (spec.md §4.1); tests substitute a
// fake factory to exercise Engine/Port wiring without a real NIC.
type BackendFactory func(kind config.PMDKind) (backend.Backend, error)

// DefaultBackendFactory wires the four concrete backends spec.md §4.1
// lists: kernel UDP socket, AF_XDP, RDMA/UD, and DPDK poll-mode.
func DefaultBackendFactory(kind config.PMDKind) (backend.Backend, error) {
	switch kind {
	case config.PMDKernelSocket:
		return backend.NewKernelSocket(), nil
	case config.PMDAFXDP:
		return backend.NewAFXDP(), nil
	case config.PMDRDMAUD:
		return backend.NewRDMA(), nil
	case config.PMDDPDK:
		return backend.NewDPDK(), nil
	default:
		return nil, fmt.Errorf("mtl: unknown pmd %q", kind)
	}
}

// Engine is the process-wide handle: one scheduler pool shared by every
// session on every port, one stat collector, and the set of opened ports.
type Engine struct {
	cfg      config.EngineConfig
	backends BackendFactory
	resolver collab.NeighborResolver
	mgr      collab.ManagerClient

	scheds *sched.Pool
	stats  *stats.Collector

	mu    sync.Mutex
	ports map[int]*Port
}

// NewEngine validates cfg and constructs the Engine. No ports are opened
// until NewPort is called. reg may be nil to skip Prometheus export.
func NewEngine(cfg config.EngineConfig, resolver collab.NeighborResolver, mgr collab.ManagerClient, reg *prometheus.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		backends: DefaultBackendFactory,
		resolver: resolver,
		mgr:      mgr,
		scheds:   sched.NewPool(float64(cfg.DataQuotaMbpsPerSch)),
		stats:    stats.New(reg),
		ports:    make(map[int]*Port),
	}, nil
}

// SetBackendFactory overrides backend selection; used by tests to
// substitute the kernel-socket backend for loopback runs or a fake
// backend entirely.
func (e *Engine) SetBackendFactory(f BackendFactory) { e.backends = f }

// NewPort opens one configured port. spec.md §4.1: backend selection is
// static per port, the rest of the core only ever sees backend.Port.
func (e *Engine) NewPort(portCfg config.PortConfig) (*Port, error) {
	if err := portCfg.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.ports[portCfg.PortID]; exists {
		return nil, fmt.Errorf("mtl: port %d already open", portCfg.PortID)
	}

	be, err := e.backends(portCfg.PMD)
	if err != nil {
		return nil, err
	}
	bp, err := be.Open(portCfg, e.resolver, e.mgr)
	if err != nil {
		return nil, err
	}

	p := &Port{
		engine:   e,
		cfg:      portCfg,
		backend:  bp,
		resolver: e.resolver,
		txPool:   mbuf.NewPool(fmt.Sprintf("port%d-tx", portCfg.PortID), defaultMbufSize),
		rxPool:   mbuf.NewPool(fmt.Sprintf("port%d-rx", portCfg.PortID), defaultMbufSize),
	}
	e.ports[portCfg.PortID] = p
	log.WithField("port_id", portCfg.PortID).WithField("pmd", portCfg.PMD).Info("port opened")
	return p, nil
}

// Port returns a previously opened port by id, or nil.
func (e *Engine) Port(portID int) *Port {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ports[portID]
}

// Stats exposes the engine-wide stat collector so sessions and the demo
// CLI can register additional counters.
func (e *Engine) Stats() *stats.Collector { return e.stats }

// Close stops every scheduler tasklet and closes every opened port.
func (e *Engine) Close() error {
	if err := e.scheds.Stop(); err != nil {
		log.WithError(err).Warn("scheduler pool stop returned an error")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, p := range e.ports {
		if err := p.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
