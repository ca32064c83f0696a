package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenVisualCloud/go-mtl/mtlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSchedulerRunsTaskletsEveryIteration(t *testing.T) {
	sc := NewScheduler("test", 0)
	var calls int64
	err := sc.AddTasklet(&Tasklet{
		Name:    "counter",
		Handler: func() { atomic.AddInt64(&calls, 1) },
	}, 0)
	require.NoError(t, err)

	go sc.Run()
	waitUntil(t, func() bool { return atomic.LoadInt64(&calls) > 10 })
	sc.Stop()
}

func TestSchedulerStartAndStopHooksRunExactlyOnce(t *testing.T) {
	sc := NewScheduler("test", 0)
	var starts, stops int64
	err := sc.AddTasklet(&Tasklet{
		Name:    "hooked",
		Start:   func() error { atomic.AddInt64(&starts, 1); return nil },
		Stop:    func() { atomic.AddInt64(&stops, 1) },
		Handler: func() {},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&starts))

	go sc.Run()
	time.Sleep(5 * time.Millisecond)
	sc.Stop()
	assert.Equal(t, int64(1), atomic.LoadInt64(&stops))
}

func TestSchedulerAddTaskletRejectsStartError(t *testing.T) {
	sc := NewScheduler("test", 0)
	boom := assert.AnError
	err := sc.AddTasklet(&Tasklet{
		Name:  "bad",
		Start: func() error { return boom },
	}, 0)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, sc.TaskletCount())
}

func TestSchedulerAddTaskletEnforcesQuota(t *testing.T) {
	sc := NewScheduler("test", 10)
	require.NoError(t, sc.AddTasklet(&Tasklet{Name: "a", Handler: func() {}}, 7))
	assert.InDelta(t, 3, sc.RemainingMbps(), 1e-9)

	err := sc.AddTasklet(&Tasklet{Name: "b", Handler: func() {}}, 5)
	assert.ErrorIs(t, err, mtlerr.ErrQuotaExceeded)
}

func TestSchedulerRecoversPanickingTasklet(t *testing.T) {
	sc := NewScheduler("test", 0)
	var ranAfterPanic int64
	err := sc.AddTasklet(&Tasklet{
		Name:    "panicky",
		Handler: func() { panic("boom") },
	}, 0)
	require.NoError(t, err)
	err = sc.AddTasklet(&Tasklet{
		Name:    "survivor",
		Handler: func() { atomic.AddInt64(&ranAfterPanic, 1) },
	}, 0)
	require.NoError(t, err)

	go sc.Run()
	waitUntil(t, func() bool { return sc.Errors() > 5 })
	waitUntil(t, func() bool { return atomic.LoadInt64(&ranAfterPanic) > 5 })
	sc.Stop()
}

func TestPoolSpawnsAdditionalSchedulerWhenQuotaExceeded(t *testing.T) {
	pool := NewPool(10)

	sc1, err := pool.AddSession(&Tasklet{Name: "s1", Handler: func() {}}, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.SchedulerCount())

	sc2, err := pool.AddSession(&Tasklet{Name: "s2", Handler: func() {}}, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.SchedulerCount())
	assert.NotEqual(t, sc1.Name(), sc2.Name())

	// Fits on sc1's remaining 3 Mbps of quota, not sc2's.
	sc3, err := pool.AddSession(&Tasklet{Name: "s3", Handler: func() {}}, 2)
	require.NoError(t, err)
	assert.Equal(t, sc1.Name(), sc3.Name())
	assert.Equal(t, 2, pool.SchedulerCount())

	require.NoError(t, pool.Stop())
}

func TestPoolUnlimitedQuotaNeverSpawnsMoreThanOneScheduler(t *testing.T) {
	pool := NewPool(0)
	for i := 0; i < 5; i++ {
		_, err := pool.AddSession(&Tasklet{Name: "x", Handler: func() {}}, 1000)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, pool.SchedulerCount())
	require.NoError(t, pool.Stop())
}
