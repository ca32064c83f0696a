// Package flow implements the classifier table spec.md §3 calls "Flow":
// install/remove 5-tuple or 3-tuple rules mapping (dst IP, dst UDP port[,
// src IP]) to a queue id, with a software soft-RSS fallback (xxhash) when
// the backend has no hardware classifier.
package flow

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "flow")

// Spec describes one classifier rule, spec.md §3 "Flow" attributes.
type Spec struct {
	DstIP   net.IP
	SrcIP   net.IP // nil: multicast-style 3-tuple, wildcard source
	DstPort uint16
}

func (s Spec) key() string {
	src := ""
	if s.SrcIP != nil {
		src = s.SrcIP.String()
	}
	return fmt.Sprintf("%s|%s|%d", s.DstIP.String(), src, s.DstPort)
}

// Handle identifies an installed flow. Invariant (spec.md §3): a flow's
// queue id never changes after install — the handle is the only way to
// discover or release it.
type Handle struct {
	id    uint64
	QueueID int
}

// Table is a per-port classifier. Guarded by a single mutex per spec.md §5
// ("The flow table is guarded by a per-port mutex").
type Table struct {
	mu      sync.Mutex
	nextID  uint64
	byKey   map[string]*entry
	byID    map[uint64]*entry
	nQueues int
}

type entry struct {
	handle Handle
	spec   Spec
}

// New creates a flow table for a port with nQueues queues available for the
// software soft-RSS fallback.
func New(nQueues int) *Table {
	return &Table{
		byKey:   make(map[string]*entry),
		byID:    make(map[uint64]*entry),
		nQueues: nQueues,
	}
}

// Install adds a classifier rule, returning a handle whose QueueID is
// either the caller-requested queue (hardware classification path) or a
// software soft-RSS bucket (queueHint < 0 selects soft-RSS).
func (t *Table) Install(spec Spec, queueHint int) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := spec.key()
	if _, dup := t.byKey[k]; dup {
		return Handle{}, fmt.Errorf("flow: duplicate rule for %s", k)
	}

	qid := queueHint
	if qid < 0 {
		qid = t.softRSS(spec)
	}

	t.nextID++
	h := Handle{id: t.nextID, QueueID: qid}
	e := &entry{handle: h, spec: spec}
	t.byKey[k] = e
	t.byID[h.id] = e

	log.WithFields(logrus.Fields{
		"dst_ip": spec.DstIP, "dst_port": spec.DstPort, "queue": qid,
	}).Debug("flow installed")
	return h, nil
}

// Uninstall removes a previously installed rule.
func (t *Table) Uninstall(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[h.id]
	if !ok {
		return fmt.Errorf("flow: unknown handle")
	}
	delete(t.byID, h.id)
	delete(t.byKey, e.spec.key())
	return nil
}

// Match looks up the queue a packet with the given 3-tuple should be
// dispatched to. Returns ok=false for the CNI catch-all case.
func (t *Table) Match(dstIP, srcIP net.IP, dstPort uint16) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Exact 4-tuple first (unicast rule), then 3-tuple (multicast rule
	// with wildcard source).
	if e, ok := t.byKey[(Spec{DstIP: dstIP, SrcIP: srcIP, DstPort: dstPort}).key()]; ok {
		return e.handle.QueueID, true
	}
	if e, ok := t.byKey[(Spec{DstIP: dstIP, DstPort: dstPort}).key()]; ok {
		return e.handle.QueueID, true
	}
	return 0, false
}

// softRSS computes the software flow hash spec.md §4.2 uses to bucket a
// session onto one of nQueues queues when the backend has no hardware
// classifier, and §4.1's RDMA backend reuses as the 32-bit immediate-data
// flow tag.
func (t *Table) softRSS(spec Spec) int {
	return int(HashTuple(spec.DstIP, spec.DstPort) % uint32(max(t.nQueues, 1)))
}

// HashTuple computes the 32-bit soft-RSS hash of (dst IP, dst UDP port)
// used both for software queue bucketing and the RDMA backend's
// immediate-data flow tag (spec.md §4.1 item 3).
func HashTuple(dstIP net.IP, dstPort uint16) uint32 {
	var buf [18]byte
	ip4 := dstIP.To4()
	n := copy(buf[:], ip4)
	if ip4 == nil {
		n = copy(buf[:], dstIP.To16())
	}
	binary.BigEndian.PutUint16(buf[n:n+2], dstPort)
	sum := xxhash.Sum64(buf[:n+2])
	return uint32(sum) ^ uint32(sum>>32)
}
