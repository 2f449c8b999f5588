package dipstick

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sampling selects how many collected values are actually recorded.
type Sampling struct {
	random bool
	rate   float64
}

// SamplingFull records every collected value, effectively disabling sampling.
var SamplingFull = Sampling{}

// SamplingRandom records values at the given rate:
// 1.0 records everything, 0.5 records one of two values, 0.0 records nothing.
func SamplingRandom(rate float64) Sampling {
	if rate < 0.0 || rate > 1.0 {
		panic("BUG: sampling rate must be in the range [0..1]")
	}
	return Sampling{random: true, rate: rate}
}

// Rate returns the sampling rate and whether random sampling is enabled.
func (s Sampling) Rate() (float64, bool) {
	return s.rate, s.random
}

// BufferingMode is a metrics buffering strategy.
type BufferingMode uint8

const (
	// Unbuffered does not buffer output.
	Unbuffered BufferingMode = iota
	// BufferSize uses a buffer of maximum specified size.
	BufferSize
	// Unlimited buffers as much as possible.
	Unlimited
)

// Buffering determines how backends accumulate formatted output before writing.
// All strategies other than Unbuffered are applied best-effort: the buffer may
// be flushed at any moment before reaching the limit.
type Buffering struct {
	Mode BufferingMode
	Size int
}

// BufferingNone is the default, unbuffered strategy.
var BufferingNone = Buffering{}

// MetricID identifies a metric within one scope,
// derived from the backend tag and the metric's full name.
type MetricID struct {
	id string
}

// ForgeID returns a MetricID based on the output type and metric name.
func ForgeID(outType string, name MetricName) MetricID {
	return MetricID{id: outType + ":" + name.Join("/")}
}

type flushListener struct {
	listenerID uint64
	listen     func(now time.Time)
}

var listenerIDs atomic.Uint64

// attributes is the shared configuration carried by every pipeline stage:
// naming, sampling, buffering, flush listeners and owned scheduler tasks.
//
// Cloning a stage copies the attributes value; the listener and task stores
// are shared between clones of the same stage, like the naming and policies
// are not.
type attributes struct {
	naming    MetricName
	sampling  Sampling
	buffering Buffering

	listeners *listenerStore
	tasks     *taskStore
}

type listenerStore struct {
	mu        sync.RWMutex
	listeners map[MetricID]flushListener
}

type taskStore struct {
	mu      sync.Mutex
	handles []*CancelHandle
}

func newAttributes() attributes {
	return attributes{
		listeners: &listenerStore{listeners: make(map[MetricID]flushListener)},
		tasks:     &taskStore{},
	}
}

// Prefixes returns the stage's namespace.
func (a *attributes) Prefixes() MetricName {
	return a.naming
}

// prefixAppend extends the metric name's namespace with the stage's prefixes.
func (a *attributes) prefixAppend(name MetricName) MetricName {
	return name.Append(a.naming)
}

// prefixPrepend prepends the stage's prefixes to the metric name.
func (a *attributes) prefixPrepend(name MetricName) MetricName {
	return name.Prepend(a.naming)
}

// Buffering returns the stage's buffering strategy.
func (a *attributes) Buffering() Buffering {
	return a.buffering
}

func (a *attributes) isBuffered() bool {
	return a.buffering.Mode != Unbuffered
}

// Sampling returns the stage's sampling strategy.
func (a *attributes) Sampling() Sampling {
	return a.sampling
}

// notifyFlushListeners notifies registered listeners of an impending flush.
func (a *attributes) notifyFlushListeners() {
	now := time.Now()
	a.listeners.mu.RLock()
	defer a.listeners.mu.RUnlock()
	for _, listener := range a.listeners.listeners {
		listener.listen(now)
	}
}

// ownTask records a scheduler handle to be cancelled when the stage is closed.
func (a *attributes) ownTask(handle *CancelHandle) {
	a.tasks.mu.Lock()
	a.tasks.handles = append(a.tasks.handles, handle)
	a.tasks.mu.Unlock()
}

// Close cancels every scheduled task owned by this stage.
func (a *attributes) Close() error {
	a.tasks.mu.Lock()
	handles := a.tasks.handles
	a.tasks.handles = nil
	a.tasks.mu.Unlock()
	for _, handle := range handles {
		handle.Cancel()
	}
	return nil
}

// ObserveWhen is an observation of a metric's value that still needs to be
// told when to trigger: upon flush or periodically.
type ObserveWhen struct {
	attrs     *attributes
	scheduler *Scheduler
	metric    *InputMetric
	operation func(now time.Time) MetricValue
}

// Observe pairs a metric with a value source on this stage.
// Chain with OnFlush or Every to specify when to observe.
func (a *attributes) Observe(metric *InputMetric, operation func(now time.Time) MetricValue) ObserveWhen {
	return ObserveWhen{
		attrs:     a,
		metric:    metric,
		operation: operation,
	}
}

// OnFlushCancel removes a flush observer.
type OnFlushCancel struct {
	cancel func()
}

// Cancel removes the observer.
func (c OnFlushCancel) Cancel() {
	c.cancel()
}

// OnFlush observes the metric's value every time the scope is flushed.
// A later observer for the same metric replaces the previous one.
func (o ObserveWhen) OnFlush() OnFlushCancel {
	metric := o.metric
	op := o.operation
	listenerID := listenerIDs.Add(1)
	metricID := metric.ID()

	store := o.attrs.listeners
	store.mu.Lock()
	store.listeners[metricID] = flushListener{
		listenerID: listenerID,
		listen: func(now time.Time) {
			metric.Write(op(now), NoLabels)
		},
	}
	store.mu.Unlock()

	return OnFlushCancel{cancel: func() {
		store.mu.Lock()
		if installed, ok := store.listeners[metricID]; ok && installed.listenerID == listenerID {
			delete(store.listeners, metricID)
		}
		store.mu.Unlock()
	}}
}

// Every observes the metric's value periodically.
// The task is owned by the stage and cancelled when the stage is closed.
func (o ObserveWhen) Every(period time.Duration) *CancelHandle {
	metric := o.metric
	op := o.operation
	scheduler := o.scheduler
	if scheduler == nil {
		scheduler = sharedScheduler()
	}
	handle := scheduler.Schedule(period, func(now time.Time) {
		metric.Write(op(now), NoLabels)
	})
	o.attrs.ownTask(handle)
	return handle
}
