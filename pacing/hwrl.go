package pacing

import (
	"fmt"
	"sync"
	"time"
)

// RateSetter is the narrow backend surface hardware-RL pacing drives: the
// DPDK traffic-manager shaper commit, or the AF_XDP tx_maxrate sysfs write.
// Backends implement this and hand it to NewHWRL.
type RateSetter interface {
	SetQueueRate(bytesPerSec uint64) error
}

// HWRL pushes the rate limit down into the NIC/driver (traffic manager or
// tx_maxrate sysfs knob) per spec.md §4.3. WaitForDeparture is a no-op:
// the hardware does the pacing once the rate is committed.
type HWRL struct {
	mu     sync.Mutex
	rate   uint64
	setter RateSetter // nil until bound to a queue by the backend
}

// NewHWRL creates a hardware-RL pacer. The backend must call Bind once it
// has opened the queue this pacer will drive.
func NewHWRL(bytesPerSec uint64) *HWRL {
	return &HWRL{rate: bytesPerSec}
}

// Bind attaches the backend's rate setter. Must be called before the first
// SetRate takes effect on hardware.
func (p *HWRL) Bind(setter RateSetter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setter = setter
}

// SetRate is a non-atomic reconfiguration per spec.md §4.3; callers must
// serialize concurrent calls with a per-port command lock ("vf cmd mutex",
// spec.md §5) since the traffic-manager commit is not safe to race.
func (p *HWRL) SetRate(bytesPerSec uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = bytesPerSec
	if p.setter == nil {
		return nil // not yet bound; rate takes effect once it is
	}
	if err := p.setter.SetQueueRate(bytesPerSec); err != nil {
		return fmt.Errorf("pacing: hw rate commit: %w", err)
	}
	return nil
}

func (p *HWRL) WaitForDeparture(frameEpoch time.Time, pktIdx, totalPkts, pktBytes int) {}

func (p *HWRL) Stamp(pkt *StampTarget, frameEpoch time.Time, pktIdx, totalPkts int) {}
