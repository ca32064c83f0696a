// Package sched implements spec.md §4.8's cooperative tasklet scheduler
// (C11): each Scheduler spins a single goroutine round-robining a list of
// Tasklets to completion, never blocking, never preempting — per the
// REDESIGN FLAGS guidance favoring a poll-all Scheduler over an event-loop
// or async runtime. A Pool grows additional Schedulers once one's
// bandwidth quota is exhausted.
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "sched")

// TaskletHandler runs once per scheduler loop iteration. It must return
// promptly without blocking — spec.md §4.8's hot loop never sleeps, so a
// handler that parks the goroutine stalls every other tasklet sharing this
// Scheduler.
type TaskletHandler func()

// Tasklet is one cooperatively scheduled unit of datapath work: typically
// polling one RX or TX queue. Start runs once before the scheduler begins
// calling Handler; Stop runs once after the scheduler has stopped calling
// it. Either may be nil.
type Tasklet struct {
	Name    string
	Start   func() error
	Stop    func()
	Handler TaskletHandler
}

// Scheduler runs a set of Tasklets on one goroutine in strict round-robin,
// run-to-completion order. A Tasklet whose Handler panics is counted and
// logged rather than taking the whole Scheduler down, per spec.md §7's
// "tasklet errors increment a counter and may set a session's
// fatal_error, they never abort the scheduler" propagation rule.
type Scheduler struct {
	name      string
	quotaMbps float64

	mu       sync.Mutex
	tasklets []*Tasklet
	usedMbps float64

	stop atomic.Bool
	done chan struct{}

	errorCount uint64
}

// NewScheduler creates a Scheduler with an aggregate bandwidth quota in
// Mbps across every Tasklet it is asked to hold (data_quota_mbs_per_sch).
// quotaMbps <= 0 means unlimited.
func NewScheduler(name string, quotaMbps float64) *Scheduler {
	return &Scheduler{
		name:      name,
		quotaMbps: quotaMbps,
		done:      make(chan struct{}),
	}
}

// Name returns the scheduler's label, used for logging and pool bookkeeping.
func (s *Scheduler) Name() string { return s.name }

// AddTasklet registers t, running its Start hook immediately, consuming
// bandwidthMbps of quota. It returns mtlerr.ErrQueueBusy's sibling quota
// error if admitting t would exceed the scheduler's quota.
func (s *Scheduler) AddTasklet(t *Tasklet, bandwidthMbps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quotaMbps > 0 && s.usedMbps+bandwidthMbps > s.quotaMbps {
		return mtlerr.ErrQuotaExceeded
	}
	if t.Start != nil {
		if err := t.Start(); err != nil {
			return err
		}
	}
	s.usedMbps += bandwidthMbps
	s.tasklets = append(s.tasklets, t)
	return nil
}

// RemainingMbps reports unused quota, or unlimitedMbps (1<<63 - 1) for an
// unlimited scheduler.
func (s *Scheduler) RemainingMbps() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotaMbps <= 0 {
		return unlimitedMbps
	}
	return s.quotaMbps - s.usedMbps
}

// Run executes the cooperative loop on the calling goroutine until Stop is
// called, invoking every tasklet's Handler once per iteration with no
// blocking call in between. It returns once every Tasklet's Stop hook has
// run.
func (s *Scheduler) Run() {
	defer close(s.done)
	for !s.stop.Load() {
		s.mu.Lock()
		tasklets := s.tasklets
		s.mu.Unlock()

		for _, t := range tasklets {
			s.runOne(t)
		}
	}

	s.mu.Lock()
	tasklets := s.tasklets
	s.mu.Unlock()
	for _, t := range tasklets {
		if t.Stop != nil {
			t.Stop()
		}
	}
}

// runOne invokes one tasklet's Handler, converting a panic into a counted,
// logged error instead of taking the scheduler down.
func (s *Scheduler) runOne(t *Tasklet) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.errorCount, 1)
			log.WithField("scheduler", s.name).
				WithField("tasklet", t.Name).
				WithField("panic", r).
				Error("tasklet handler panicked")
		}
	}()
	t.Handler()
}

// Stop signals the loop to exit after its tasklets' current pass and
// blocks until Run has returned. A later call returns at once, since done
// is already closed; a call on a Scheduler whose Run never started blocks
// forever.
func (s *Scheduler) Stop() {
	s.stop.Store(true)
	<-s.done
}

// Errors returns the count of tasklet handler panics recovered so far.
func (s *Scheduler) Errors() uint64 {
	return atomic.LoadUint64(&s.errorCount)
}

// TaskletCount returns the number of tasklets currently registered.
func (s *Scheduler) TaskletCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasklets)
}

const unlimitedMbps = 1<<63 - 1
