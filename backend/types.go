// Package backend implements the NIC backend abstraction of spec.md §4.1:
// one interface, four implementations (kernel UDP socket, AF_XDP umem,
// RDMA/UD verbs, DPDK-style poll-mode), hiding four unrelated datapaths
// behind a uniform open/get-queue/tx-burst/rx-burst/close API. The rest of
// the core never branches on which concrete backend it is holding.
package backend

import (
	"github.com/OpenVisualCloud/go-mtl/collab"
	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
)

// Capabilities are the feature flags spec.md §3 "Port" lists: whether the
// backend offloads multi-segment sends, IPv4 checksum, hardware
// timestamping, and whether queues may be started after port init.
type Capabilities struct {
	OffloadMultiSegment bool
	OffloadIPv4Checksum bool
	SupportsHWTimestamp bool
	SupportsRuntimeQueueStart bool
	HasTrafficManager   bool
	HasTxMaxRateSysfs   bool
	HasLaunchTime       bool
}

// FlowFilter mirrors collab.FlowFilter; re-exported under this package so
// backend callers don't need to import collab just to install a flow.
type FlowFilter = collab.FlowFilter

// FlowHandle identifies a flow installed into a backend (spec.md §3
// "Flow"). Opaque to callers outside this package.
type FlowHandle uint64

// TXQueue is a reserved transmit queue. Exactly one session owns a TX
// queue unless it is a shared queue (spec.md §3 "Queue" invariant).
type TXQueue interface {
	// TxBurst hands up to n mbufs to the backend for transmission,
	// returning the number actually accepted. May sleep or not depending
	// on the pacing mode bound to this queue (spec.md §4.1).
	TxBurst(bufs []*mbuf.Buf, n int) (int, error)
	// SetRate configures (or no-ops, depending on backend) the queue's
	// hardware rate limit in bytes/sec.
	SetRate(bytesPerSec uint64) error
	// FlushTX emits padding packets built from pad, then polls
	// completions, per spec.md §4.1 "flush_tx(queue, pad_mbuf)".
	FlushTX(pad *mbuf.Buf) error
	// Close releases the queue.
	Close() error
	// Fatal reports whether this queue has observed a driver-fatal
	// condition (spec.md §7); once true the shared-queue allocator routes
	// new sessions elsewhere.
	Fatal() bool
}

// RXQueue is a reserved (or shared, via a Flow) receive queue.
type RXQueue interface {
	// RxBurst fills out with up to max received mbufs, returning the
	// count actually received.
	RxBurst(out []*mbuf.Buf, max int) (int, error)
	// Close releases the queue.
	Close() error
	Fatal() bool
}

// Port is an opened NIC port. Backends construct concrete Port values
// behind this interface from Open.
type Port interface {
	Caps() Capabilities
	GetTXQueue(hint FlowFilter) (TXQueue, error)
	PutTXQueue(TXQueue) error
	GetRXQueue(filter FlowFilter) (RXQueue, error)
	PutRXQueue(RXQueue) error
	InstallFlow(q RXQueue, filter FlowFilter) (FlowHandle, error)
	UninstallFlow(FlowHandle) error
	Close() error
}

// Backend opens ports of one concrete kind (kernel socket, AF_XDP, RDMA,
// DPDK poll-mode). Selected statically per port at Engine init time.
type Backend interface {
	// Open brings up a port from configuration, consulting a
	// NeighborResolver for ARP and (where the backend needs it) a
	// ManagerClient for privileged operations it cannot perform itself.
	Open(cfg config.PortConfig, resolver collab.NeighborResolver, mgr collab.ManagerClient) (Port, error)
}
