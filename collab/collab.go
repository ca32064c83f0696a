// Package collab declares the narrow interfaces the datapath consumes from
// collaborators that spec.md §1 explicitly places out of scope: the PTP
// engine, ARP/neighbor resolution, and the manager IPC daemon. The core
// never implements these — only a test fake and the demo CLI do.
package collab

import (
	"context"
	"net"
	"time"
)

// PTPSource is the "read PTP time / adjust" surface spec.md §1 says this
// module consumes from an external PTP engine.
type PTPSource interface {
	// Now returns the current PTP-disciplined time.
	Now() time.Time
	// Adjust nudges the local clock by offset (used by launch-time TSN
	// pacing when the backend reports clock drift against the NIC).
	Adjust(offset time.Duration) error
}

// NeighborResolver resolves a destination IP to a MAC address, the single
// operation spec.md §1 consumes from ARP/neighbor-discovery.
type NeighborResolver interface {
	// Resolve blocks until the MAC is known or ctx is done. A zero
	// timeout on ctx mirrors kernel sendto semantics: spec.md §4.5 and §7
	// require the caller, not this interface, to decide whether that is
	// a silent drop or an error.
	Resolve(ctx context.Context, ip net.IP) (net.HardwareAddr, error)
}

// ManagerClient is the subset of the manager IPC daemon's API spec.md §1
// says this module consumes: obtaining the AF_XDP map fd, and reserving,
// releasing, or installing flows through a privileged helper process.
type ManagerClient interface {
	// XSKMapFD returns the fd of the XSKS_MAP for the given interface,
	// handed over the IPC channel via SCM_RIGHTS by the daemon.
	XSKMapFD(ifName string) (int, error)
	// ReserveQueue reserves queue qid on ifName for exclusive use by this
	// process, returning an error if another process already holds it.
	ReserveQueue(ifName string, qid int) error
	// ReleaseQueue releases a previously reserved queue.
	ReleaseQueue(ifName string, qid int) error
	// InstallFlow asks the daemon to install a hardware or XDP-program
	// classifier routing filter's traffic to qid.
	InstallFlow(ifName string, qid int, filter FlowFilter) (FlowToken, error)
	// RemoveFlow undoes a prior InstallFlow.
	RemoveFlow(ifName string, token FlowToken) error
}

// FlowFilter is the wire-independent description of a classifier rule
// the manager daemon is asked to install.
type FlowFilter struct {
	DstIP   net.IP
	SrcIP   net.IP // zero value: wildcard (multicast-style 3-tuple)
	DstPort uint16
}

// FlowToken identifies a flow installed through ManagerClient.InstallFlow,
// opaque to the caller.
type FlowToken uint64
