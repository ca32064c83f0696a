// Package stats implements the periodic stat collector spec.md §3 calls
// "C1 Stat collector": registered callbacks invoked under a single lock,
// with single-writer counters that readers snapshot. Grounded on the
// dantte-lp-gobfd / runZeroInc-conniver / runZeroInc-sockstats pattern of
// exposing internal counters through prometheus/client_golang alongside an
// in-process snapshot map.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stats")

// Source is a registered statistic callback. Per spec.md §5 "Statistics
// atomics": the callback reads a single-writer counter with a relaxed
// load — it must not itself take a lock the owning session also holds,
// since Collector invokes every Source under its own lock.
type Source func() uint64

// Collector periodically invokes every registered Source under one lock
// and exposes the result both as an in-process snapshot and, if New was
// given a Prometheus registry, as a Prometheus gauge.
type Collector struct {
	mu      sync.Mutex
	sources map[string]Source
	gauges  map[string]prometheus.Gauge
	last    map[string]uint64
	reg     *prometheus.Registry
}

// New creates a Collector. reg may be nil if Prometheus export isn't
// needed; the in-process Snapshot API always works.
func New(reg *prometheus.Registry) *Collector {
	return &Collector{
		sources: make(map[string]Source),
		gauges:  make(map[string]prometheus.Gauge),
		last:    make(map[string]uint64),
		reg:     reg,
	}
}

// Register adds a named callback. help is only used when a Prometheus
// registry was supplied to New.
func (c *Collector) Register(name, help string, fn Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = fn
	if c.reg != nil {
		if _, exists := c.gauges[name]; !exists {
			g := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mtl_" + name,
				Help: help,
			})
			c.reg.MustRegister(g)
			c.gauges[name] = g
		}
	}
}

// Unregister removes a previously registered source.
func (c *Collector) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
	delete(c.last, name)
}

// poll invokes every registered callback once, under the single lock
// spec.md §4 (C1) requires, and updates both the snapshot map and any
// Prometheus gauge.
func (c *Collector) poll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, fn := range c.sources {
		v := fn()
		c.last[name] = v
		if g, ok := c.gauges[name]; ok {
			g.Set(float64(v))
		}
	}
}

// Run polls every interval until ctx is done. Intended to run in its own
// goroutine for the lifetime of the Engine.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	log.WithField("interval", interval).Info("stat collector started")
	for {
		select {
		case <-ctx.Done():
			log.Info("stat collector stopped")
			return
		case <-t.C:
			c.poll()
		}
	}
}

// Snapshot returns a copy of the most recently collected values. Safe to
// call from any goroutine.
func (c *Collector) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}
