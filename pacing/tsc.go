package pacing

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "pacing")

// TSC paces by computing each packet's departure time from the frame
// epoch, packet index and total packet count, then sleeping (and
// busy-polling the final busyPollThreshold, 100µs) until that deadline.
// spec.md §5 allows this as one of the datapath's few intentional
// suspension points.
type TSC struct {
	mu          sync.Mutex
	bytesPerSec uint64
}

// NewTSC creates a TSC pacer budgeted at bytesPerSec.
func NewTSC(bytesPerSec uint64) *TSC {
	return &TSC{bytesPerSec: bytesPerSec}
}

func (p *TSC) SetRate(bytesPerSec uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytesPerSec = bytesPerSec
	return nil
}

// busyPollThreshold is the deadline distance below which WaitForDeparture
// spins instead of sleeping, since time.Sleep's scheduler granularity
// would overshoot a sub-100µs deadline.
const busyPollThreshold = 100 * time.Microsecond

func (p *TSC) WaitForDeparture(frameEpoch time.Time, pktIdx, totalPkts, pktBytes int) {
	if totalPkts <= 0 {
		return
	}
	p.mu.Lock()
	rate := p.bytesPerSec
	p.mu.Unlock()
	if rate == 0 {
		return
	}

	// Linear pacing: packet pktIdx of totalPkts departs at a fraction of
	// the per-frame budget proportional to its position, spreading the
	// frame's bytes evenly across the frame interval implied by rate.
	frameBytes := uint64(pktBytes) * uint64(totalPkts)
	frameDur := time.Duration(float64(frameBytes) / float64(rate) * float64(time.Second))
	deadline := frameEpoch.Add(time.Duration(float64(pktIdx) / float64(totalPkts) * float64(frameDur)))

	for {
		d := time.Until(deadline)
		if d <= 0 {
			return
		}
		if d < busyPollThreshold {
			continue // spin; hot loop, no scheduling handoff
		}
		time.Sleep(d - busyPollThreshold)
	}
}

func (p *TSC) Stamp(pkt *StampTarget, frameEpoch time.Time, pktIdx, totalPkts int) {
	// TSC pacing paces by sleeping before the burst; it does not need to
	// stamp the packet itself.
}
