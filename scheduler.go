package dipstick

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// minDelay is the scheduler's wakeup floor, preventing busy-looping on
// empty or immediately-due task heaps.
const minDelay = 50 * time.Millisecond

// Cancel is a deferred, repeatable, background action that can be cancelled.
type Cancel interface {
	// Cancel the action.
	Cancel()
}

// CancelHandle cancels a scheduled task when required.
type CancelHandle struct {
	cancelled atomic.Bool
}

func newCancelHandle() *CancelHandle {
	return &CancelHandle{}
}

// Cancel signals the task to stop.
// The task does not run again; it is dropped from the schedule the next
// time it comes due.
func (h *CancelHandle) Cancel() {
	if h.cancelled.Swap(true) {
		logger.Warn().Msg("scheduled task was already cancelled")
	}
}

func (h *CancelHandle) isCancelled() bool {
	return h.cancelled.Load()
}

// IntoGuard wraps the handle into a guard that cancels on Close.
func (h *CancelHandle) IntoGuard() *CancelGuard {
	return &CancelGuard{inner: h}
}

// CancelGuard cancels its inner handle when closed, unless disarmed first.
// Use with defer to bind a periodic task to a scope of execution.
type CancelGuard struct {
	mu    sync.Mutex
	inner Cancel
}

// Disarm disposes of the guard without performing the cancellation
// and returns the inner handle.
func (g *CancelGuard) Disarm() Cancel {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inner == nil {
		panic("BUG: cancel guard disarmed twice")
	}
	inner := g.inner
	g.inner = nil
	return inner
}

// Close cancels the inner handle unless the guard was disarmed.
func (g *CancelGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inner != nil {
		g.inner.Cancel()
		g.inner = nil
	}
	return nil
}

type scheduledTask struct {
	nextTime  time.Time
	period    time.Duration
	handle    *CancelHandle
	operation func(now time.Time)
}

// taskHeap is a min-heap ordered by next execution time.
type taskHeap []*scheduledTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].nextTime.Before(h[j].nextTime) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*scheduledTask)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// Scheduler runs periodic tasks on a single background goroutine,
// in order of next execution time.
type Scheduler struct {
	mu    sync.Mutex
	tasks taskHeap
	wake  chan struct{}
	done  chan struct{}
	stop  sync.Once
}

// NewScheduler launches a new scheduler goroutine.
// Most uses should share the package scheduler through FlushEvery instead.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule registers a task to run periodically, starting one period from now.
// Safe for concurrent use. The returned handle cancels the task.
func (s *Scheduler) Schedule(period time.Duration, operation func(now time.Time)) *CancelHandle {
	handle := newCancelHandle()
	task := &scheduledTask{
		nextTime:  time.Now().Add(period),
		period:    period,
		handle:    handle,
		operation: operation,
	}
	s.mu.Lock()
	heap.Push(&s.tasks, task)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return handle
}

// TaskCount returns the number of tasks still on the schedule,
// including cancelled tasks not yet dropped.
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop terminates the scheduler goroutine. Pending tasks are dropped.
func (s *Scheduler) Stop() {
	s.stop.Do(func() { close(s.done) })
}

func (s *Scheduler) run() {
	timer := time.NewTimer(minDelay)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		waitFor := minDelay
		now := time.Now()
		var due []*scheduledTask
		s.mu.Lock()
		for len(s.tasks) > 0 {
			next := s.tasks[0]
			if next.nextTime.After(now) {
				if until := next.nextTime.Sub(now); until > waitFor {
					waitFor = until
				}
				break
			}
			task := heap.Pop(&s.tasks).(*scheduledTask)
			if task.handle.isCancelled() {
				// do not execute, do not reinsert
				continue
			}
			due = append(due, task)
		}
		s.mu.Unlock()

		// run outside the lock so tasks may schedule or cancel others
		for _, task := range due {
			task.operation(now)
			task.nextTime = now.Add(task.period)
		}
		if len(due) > 0 {
			s.mu.Lock()
			for _, task := range due {
				if !task.handle.isCancelled() {
					heap.Push(&s.tasks, task)
				}
			}
			if len(s.tasks) > 0 && s.tasks[0].nextTime.Before(now.Add(waitFor)) {
				if until := time.Until(s.tasks[0].nextTime); until < waitFor {
					waitFor = until
				}
			}
			s.mu.Unlock()
		}
		if waitFor < minDelay {
			waitFor = minDelay
		}
		timer.Reset(waitFor)
	}
}

var (
	sharedSchedulerOnce sync.Once
	sharedSchedulerInst *Scheduler
)

// sharedScheduler returns the lazily started package-wide scheduler.
func sharedScheduler() *Scheduler {
	sharedSchedulerOnce.Do(func() {
		sharedSchedulerInst = NewScheduler()
	})
	return sharedSchedulerInst
}

// FlushEvery flushes the scope at regular intervals on the shared scheduler.
// Flush errors are logged and do not stop the schedule.
func FlushEvery(scope InputScope, period time.Duration) *CancelHandle {
	return sharedScheduler().Schedule(period, func(time.Time) {
		if err := scope.Flush(); err != nil {
			logger.Error().Err(err).Msg("could not flush metrics")
		}
	})
}
