package sched

import (
	"errors"
	"fmt"
	"sync"

	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"golang.org/x/sync/errgroup"
)

// Pool owns a growable set of Schedulers, each capped at the same
// quotaMbps of aggregate tasklet bandwidth. AddSession places a tasklet on
// the first scheduler with enough remaining quota, spawning and starting
// a new one only once every existing scheduler is full — spec.md §4.8's
// "exceeding the quota spawns additional schedulers."
type Pool struct {
	quotaMbps float64

	mu         sync.Mutex
	schedulers []*Scheduler
	nextID     int

	group *errgroup.Group
}

// NewPool creates a Pool whose Schedulers each enforce quotaMbps. A
// quotaMbps <= 0 means every Scheduler the pool spawns is unlimited, so
// AddSession never spawns more than one.
func NewPool(quotaMbps float64) *Pool {
	return &Pool{quotaMbps: quotaMbps, group: &errgroup.Group{}}
}

// AddSession admits one tasklet needing bandwidthMbps of quota onto an
// existing scheduler, or starts a new one running in its own goroutine.
// It returns the scheduler the tasklet landed on.
func (p *Pool) AddSession(t *Tasklet, bandwidthMbps float64) (*Scheduler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sc := range p.schedulers {
		err := sc.AddTasklet(t, bandwidthMbps)
		if err == nil {
			return sc, nil
		}
		if !errors.Is(err, mtlerr.ErrQuotaExceeded) {
			return nil, err
		}
	}

	p.nextID++
	sc := NewScheduler(fmt.Sprintf("sched-%d", p.nextID), p.quotaMbps)
	if err := sc.AddTasklet(t, bandwidthMbps); err != nil {
		return nil, err
	}
	p.schedulers = append(p.schedulers, sc)
	p.group.Go(func() error {
		sc.Run()
		return nil
	})
	return sc, nil
}

// SchedulerCount returns the number of live schedulers, for tests and
// metrics asserting quota-driven growth.
func (p *Pool) SchedulerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.schedulers)
}

// Stop signals every scheduler to exit and waits for their Run goroutines
// to return.
func (p *Pool) Stop() error {
	p.mu.Lock()
	scheds := append([]*Scheduler(nil), p.schedulers...)
	p.mu.Unlock()

	for _, sc := range scheds {
		sc.Stop()
	}
	return p.group.Wait()
}
