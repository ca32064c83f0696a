package queue

import (
	"net"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
)

// portBucketCount is deliberately odd (spec.md §4.2: "odd-sized bucket
// array for better distribution") so a UDP port range that happens to be a
// multiple of a small power of two doesn't collapse onto one bucket.
const portBucketCount = 131

// SRSSWorker owns a contiguous range of HW RSS queue ids and keeps its own
// bucket array of sessions partitioned by destination UDP port,
// independent of every other worker's (spec.md §4.2: "many queues ...
// funnel into a configurable number of scheduler threads; each thread owns
// a contiguous range of queue ids ... with multiple parallel lists
// partitioned by destination UDP port"). PollAll classifies through each
// owned SharedRXQueue's linear session list; the bucket array is kept up
// to date by AddSession/RemoveSession but is not consulted when polling.
type SRSSWorker struct {
	queues  []*SharedRXQueue
	buckets [portBucketCount][]SessionSink
	cni     SessionSink
}

// NewSRSSWorker wraps the HW queues this worker owns.
func NewSRSSWorker(queues []backend.RXQueue) *SRSSWorker {
	w := &SRSSWorker{}
	for _, q := range queues {
		w.queues = append(w.queues, NewSharedRXQueue(q))
	}
	return w
}

func bucketOf(dstPort uint16) int { return int(dstPort) % portBucketCount }

// AddSession registers a session into the bucket its flow's destination
// port hashes to, and mirrors that registration onto every queue this
// worker owns (a session may receive traffic steered by HW RSS to any of
// them).
func (w *SRSSWorker) AddSession(dstPort uint16, s SessionSink) {
	b := bucketOf(dstPort)
	w.buckets[b] = append(w.buckets[b], s)
	for _, q := range w.queues {
		q.AddSession(s)
	}
}

// RemoveSession undoes AddSession.
func (w *SRSSWorker) RemoveSession(dstPort uint16, s SessionSink) {
	b := bucketOf(dstPort)
	list := w.buckets[b]
	for i, existing := range list {
		if existing == s {
			w.buckets[b] = append(list[:i], list[i+1:]...)
			break
		}
	}
	for _, q := range w.queues {
		q.RemoveSession(s)
	}
}

// SetCNI installs the catch-all sink across every queue this worker owns.
func (w *SRSSWorker) SetCNI(s SessionSink) {
	w.cni = s
	for _, q := range w.queues {
		q.SetCNI(s)
	}
}

// PollAll polls every queue this worker owns once, returning the total
// packets received across them.
func (w *SRSSWorker) PollAll(srcIP, dstIP net.IP, dstPortOf func(*mbuf.Buf) uint16) (int, error) {
	total := 0
	for _, q := range w.queues {
		n, err := q.Poll(srcIP, dstIP, dstPortOf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// QueueCount reports how many HW queues this worker owns.
func (w *SRSSWorker) QueueCount() int { return len(w.queues) }

// SRSS partitions a set of HW RSS queues across a fixed number of workers
// in contiguous ranges, the top-level fan-in spec.md §4.2 describes.
type SRSS struct {
	workers []*SRSSWorker
}

// NewSRSS splits queues into nWorkers contiguous groups. The last worker
// absorbs any remainder when len(queues) doesn't divide evenly.
func NewSRSS(queues []backend.RXQueue, nWorkers int) *SRSS {
	if nWorkers < 1 {
		nWorkers = 1
	}
	s := &SRSS{}
	per := len(queues) / nWorkers
	if per < 1 {
		per = 1
	}
	start := 0
	for i := 0; i < nWorkers && start < len(queues); i++ {
		end := start + per
		if i == nWorkers-1 || end > len(queues) {
			end = len(queues)
		}
		s.workers = append(s.workers, NewSRSSWorker(queues[start:end]))
		start = end
	}
	return s
}

// Workers returns the worker set, for a Scheduler to spawn one tasklet per
// worker.
func (s *SRSS) Workers() []*SRSSWorker { return s.workers }
