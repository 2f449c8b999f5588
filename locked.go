package dipstick

import "sync"

// LockingInput adapts a single-threaded Output into a thread-safe Input by
// serializing both metric definition and value writes under a mutex.
// Outputs may thus implement the cheaper single-thread contract and still be
// used directly from concurrent recorders; use Queued instead when lock
// contention on the recording path is a concern.
type LockingInput struct {
	attributes
	output Output
}

// Locking wraps the output with mutex-based thread safety.
func Locking(output Output) *LockingInput {
	return &LockingInput{attributes: newAttributes(), output: output}
}

// AddName appends a name to the input's namespace.
// Returns a clone of the input with the updated names.
func (l *LockingInput) AddName(name string) *LockingInput {
	cloned := *l
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Metrics opens a scope on the output and wraps it for concurrent use.
func (l *LockingInput) Metrics() InputScope {
	return &LockedScope{
		attributes: l.attributes,
		mu:         &sync.Mutex{},
		inner:      l.output.NewScope(),
	}
}

// LockedScope serializes access to a single-threaded output scope.
type LockedScope struct {
	attributes
	mu    *sync.Mutex
	inner OutputScope
}

// NewMetric defines the metric on the inner scope and returns a handle
// whose writes take the scope lock.
func (l *LockedScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = l.prefixAppend(name)
	l.mu.Lock()
	inner := l.inner.NewMetric(name, kind)
	l.mu.Unlock()
	return NewInputMetric(ForgeID("locking", name), func(value MetricValue, labels Labels) {
		l.mu.Lock()
		inner.Write(value, labels)
		l.mu.Unlock()
	})
}

// Flush flushes the inner scope under the scope lock.
func (l *LockedScope) Flush() error {
	l.notifyFlushListeners()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Flush()
}
