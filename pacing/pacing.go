// Package pacing implements the three TX pacing modes spec.md §4.3 names:
// TSC busy-poll/sleep pacing, hardware rate-limit (traffic-manager shaper
// or NIC tx_maxrate), and launch-time TSN (a departure timestamp honored
// by the NIC itself). Auto-selection follows spec.md §4.3: prefer hardware
// RL when the backend advertises it, else launch-time when the NIC honors
// departure timestamps, else fall back to TSC.
package pacing

import "time"

// Capabilities describes what a backend's queue can do for pacing,
// consulted by SelectPacer.
type Capabilities struct {
	HasTrafficManager bool // DPDK-style hardware shaper
	HasTxMaxRateSysfs bool // AF_XDP tx_maxrate sysfs knob
	HasLaunchTime     bool // RTE_ETH_TX_OFFLOAD_SEND_ON_TIMESTAMP-equivalent
}

// Pacer decides when a TX session's next packet batch may depart.
type Pacer interface {
	// SetRate reconfigures the pacing budget in bytes/sec. For TSC pacing
	// this changes the inter-packet deadline; for hardware RL it issues a
	// (non-atomic, spec.md §4.3) reconfiguration that must be serialized
	// by the caller with a per-port command lock.
	SetRate(bytesPerSec uint64) error
	// WaitForDeparture blocks (by sleeping or busy-polling, per mode)
	// until the packet at index pktIdx within the current frame may be
	// handed to the backend. Hardware-paced modes return immediately;
	// they do their pacing inside the NIC/driver instead.
	WaitForDeparture(frameEpoch time.Time, pktIdx, totalPkts int, pktBytes int)
	// Stamp attaches whatever pacing metadata a packet needs before it is
	// hand off to tx_burst (e.g. the 64-bit launch-time dynfield).
	Stamp(pkt *StampTarget, frameEpoch time.Time, pktIdx, totalPkts int)
}

// StampTarget is the minimal surface Stamp needs from an mbuf; defined
// here rather than importing package mbuf to avoid a pacing<->mbuf import
// cycle (backend wires the two together).
type StampTarget struct {
	LaunchTimeNS uint64
}

// SelectPacer implements the auto-selection rule of spec.md §4.3.
func SelectPacer(caps Capabilities, bytesPerSec uint64) Pacer {
	switch {
	case caps.HasTrafficManager || caps.HasTxMaxRateSysfs:
		return NewHWRL(bytesPerSec)
	case caps.HasLaunchTime:
		return NewLaunchTime(bytesPerSec)
	default:
		return NewTSC(bytesPerSec)
	}
}
