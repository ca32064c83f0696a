package queue

import (
	"errors"
	"net"
	"testing"

	"github.com/OpenVisualCloud/go-mtl/backend"
	"github.com/OpenVisualCloud/go-mtl/mbuf"
	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/OpenVisualCloud/go-mtl/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTXQueue struct {
	sent  int
	err   error
	fatal bool
}

func (f *fakeTXQueue) TxBurst(bufs []*mbuf.Buf, n int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.sent += n
	return n, nil
}
func (f *fakeTXQueue) SetRate(uint64) error       { return nil }
func (f *fakeTXQueue) FlushTX(*mbuf.Buf) error    { return nil }
func (f *fakeTXQueue) Close() error               { return nil }
func (f *fakeTXQueue) Fatal() bool                { return f.fatal }

func TestSharedTXQueueBurst(t *testing.T) {
	fq := &fakeTXQueue{}
	sq := NewSharedTXQueue(fq)
	pool := mbuf.NewPool("t", 1024)
	bufs := []*mbuf.Buf{pool.Alloc(), pool.Alloc()}
	n, err := sq.Burst(bufs, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, sq.Fatal())
}

func TestSharedTXQueueMarksFatalOnError(t *testing.T) {
	fq := &fakeTXQueue{err: errors.New("boom")}
	sq := NewSharedTXQueue(fq)
	_, err := sq.Burst(nil, 0)
	assert.Error(t, err)
	assert.True(t, sq.Fatal())
}

func TestTSQSetSkipsFatalQueues(t *testing.T) {
	fq1 := &fakeTXQueue{fatal: true}
	fq2 := &fakeTXQueue{}
	set := NewTSQSet([]*SharedTXQueue{NewSharedTXQueue(fq1), NewSharedTXQueue(fq2)})
	q, err := set.Get()
	require.NoError(t, err)
	_, err = q.Burst(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, fq1.sent)
}

func TestTSQSetAllFatalReturnsBusy(t *testing.T) {
	set := NewTSQSet([]*SharedTXQueue{NewSharedTXQueue(&fakeTXQueue{fatal: true})})
	_, err := set.Get()
	assert.ErrorIs(t, err, mtlerr.ErrQueueBusy)
}

type fakeRXQueue struct {
	bufs []*mbuf.Buf
}

func (f *fakeRXQueue) RxBurst(out []*mbuf.Buf, max int) (int, error) {
	n := copy(out, f.bufs)
	if n > max {
		n = max
	}
	f.bufs = nil
	return n, nil
}
func (f *fakeRXQueue) Close() error { return nil }
func (f *fakeRXQueue) Fatal() bool  { return false }

type fakeSink struct {
	ringVal *ring.SPSC[mbuf.Buf]
	dstIP   net.IP
	port    uint16
}

func (s *fakeSink) Match(srcIP, dstIP net.IP, dstPort uint16) bool {
	return dstIP.Equal(s.dstIP) && dstPort == s.port
}
func (s *fakeSink) Ring() *ring.SPSC[mbuf.Buf] { return s.ringVal }

func TestSharedRXQueueClassifiesAndBatches(t *testing.T) {
	pool := mbuf.NewPool("t", 1024)
	b1, b2, b3 := pool.Alloc(), pool.Alloc(), pool.Alloc()
	fq := &fakeRXQueue{bufs: []*mbuf.Buf{b1, b2, b3}}
	rq := NewSharedRXQueue(fq)

	sink := &fakeSink{ringVal: ring.NewSPSC[mbuf.Buf](16), dstIP: net.ParseIP("239.1.1.1"), port: 20000}
	rq.AddSession(sink)

	dstIP := net.ParseIP("239.1.1.1")
	n, err := rq.Poll(nil, dstIP, func(*mbuf.Buf) uint16 { return 20000 })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, sink.Ring().Len())
}

func TestSharedRXQueueUnmatchedGoesToCNI(t *testing.T) {
	pool := mbuf.NewPool("t", 1024)
	fq := &fakeRXQueue{bufs: []*mbuf.Buf{pool.Alloc()}}
	rq := NewSharedRXQueue(fq)
	cni := &fakeSink{ringVal: ring.NewSPSC[mbuf.Buf](16)}
	rq.SetCNI(cni)

	_, err := rq.Poll(nil, net.ParseIP("239.1.1.9"), func(*mbuf.Buf) uint16 { return 30000 })
	require.NoError(t, err)
	assert.Equal(t, 1, cni.Ring().Len())
}

func TestSRSSPartitionsQueuesContiguously(t *testing.T) {
	var backendQueues []backend.RXQueue
	for i := 0; i < 6; i++ {
		backendQueues = append(backendQueues, &fakeRXQueue{})
	}
	srss := NewSRSS(backendQueues, 3)
	require.Len(t, srss.Workers(), 3)
	for _, w := range srss.Workers() {
		assert.Equal(t, 2, w.QueueCount())
	}
}
