package pacing

import (
	"sync"
	"time"
)

// LaunchTime stamps each mbuf with a 64-bit departure timestamp the NIC
// honors (spec.md's "TSN launch time", §4.3/GLOSSARY). The driver must
// advertise the send-on-timestamp offload; WaitForDeparture is a no-op
// since the hardware, not this process, enforces the deadline.
type LaunchTime struct {
	mu   sync.Mutex
	rate uint64
}

// NewLaunchTime creates a launch-time pacer budgeted at bytesPerSec,
// used only to compute the linear spread of per-packet departure times
// within a frame.
func NewLaunchTime(bytesPerSec uint64) *LaunchTime {
	return &LaunchTime{rate: bytesPerSec}
}

func (p *LaunchTime) SetRate(bytesPerSec uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = bytesPerSec
	return nil
}

func (p *LaunchTime) WaitForDeparture(frameEpoch time.Time, pktIdx, totalPkts, pktBytes int) {}

// Stamp computes pktIdx's departure time as a linear fraction of the
// frame's byte budget and writes it into pkt.LaunchTimeNS as PTP-epoch
// nanoseconds, for the NIC to honor.
func (p *LaunchTime) Stamp(pkt *StampTarget, frameEpoch time.Time, pktIdx, totalPkts int) {
	if totalPkts <= 0 {
		pkt.LaunchTimeNS = uint64(frameEpoch.UnixNano())
		return
	}
	p.mu.Lock()
	rate := p.rate
	p.mu.Unlock()

	var frameDur time.Duration
	if rate > 0 {
		// Matches TSC's frame-duration computation so both modes spread
		// packets identically within a frame; only the delivery
		// mechanism (sleep vs. NIC-honored timestamp) differs.
		frameDur = time.Duration(float64(totalPkts) / float64(rate) * float64(time.Second))
	}
	depart := frameEpoch.Add(time.Duration(float64(pktIdx) / float64(totalPkts) * float64(frameDur)))
	pkt.LaunchTimeNS = uint64(depart.UnixNano())
}
