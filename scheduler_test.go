package dipstick

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleOneAndCancel(t *testing.T) {
	var trig atomic.Int64
	sched := NewScheduler()
	defer sched.Stop()

	handle := sched.Schedule(50*time.Millisecond, func(time.Time) {
		trig.Add(1)
	})
	require.Equal(t, 1, sched.TaskCount())

	time.Sleep(170 * time.Millisecond)
	fired := trig.Load()
	require.GreaterOrEqual(t, fired, int64(3))

	handle.Cancel()
	fired = trig.Load()
	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, fired, trig.Load(), "task fired after cancellation")
	assert.Equal(t, 0, sched.TaskCount(), "cancelled task still scheduled")
}

func TestScheduleAndCancelByGuard(t *testing.T) {
	var trig atomic.Int64
	sched := NewScheduler()
	defer sched.Stop()

	handle := sched.Schedule(50*time.Millisecond, func(time.Time) {
		trig.Add(1)
	})
	func() {
		guard := handle.IntoGuard()
		defer guard.Close()
		require.Equal(t, 1, sched.TaskCount())
		time.Sleep(170 * time.Millisecond)
		require.GreaterOrEqual(t, trig.Load(), int64(3))
	}() // here the guard is closed, cancelling

	fired := trig.Load()
	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, fired, trig.Load(), "task fired after guard close")
	assert.Equal(t, 0, sched.TaskCount())
}

func TestScheduleAndDisarmGuard(t *testing.T) {
	var trig atomic.Int64
	sched := NewScheduler()
	defer sched.Stop()

	handle := sched.Schedule(50*time.Millisecond, func(time.Time) {
		trig.Add(1)
	})
	func() {
		guard := handle.IntoGuard()
		defer guard.Close()
		guard.Disarm()
	}()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, sched.TaskCount(), "disarmed guard cancelled the task")
	assert.Greater(t, trig.Load(), int64(0))
	handle.Cancel()
}

func TestScheduleTwoAndCancel(t *testing.T) {
	var trig1, trig2 atomic.Int64
	sched := NewScheduler()
	defer sched.Stop()

	handle1 := sched.Schedule(50*time.Millisecond, func(time.Time) { trig1.Add(1) })
	handle2 := sched.Schedule(100*time.Millisecond, func(time.Time) { trig2.Add(1) })
	require.Equal(t, 2, sched.TaskCount())

	time.Sleep(120 * time.Millisecond)
	require.GreaterOrEqual(t, trig1.Load(), int64(2))
	require.GreaterOrEqual(t, trig2.Load(), int64(1))

	handle1.Cancel()
	fired1 := trig1.Load()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, fired1, trig1.Load())
	assert.Greater(t, trig2.Load(), int64(1))
	handle2.Cancel()
}

func TestCloseCancelsOwnedTasks(t *testing.T) {
	var trig atomic.Int64
	bucket := NewAtomicBucket()
	bucket.Observe(bucket.NewMetric(NameFrom("observed"), KindGauge), func(time.Time) MetricValue {
		return trig.Add(1)
	}).Every(50 * time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	require.Greater(t, trig.Load(), int64(0))

	require.NoError(t, bucket.Close())
	fired := trig.Load()
	time.Sleep(120 * time.Millisecond)
	assert.LessOrEqual(t, trig.Load(), fired+1, "owned task kept firing after close")
}
