package dipstick

import (
	"fmt"
	"sync"
)

// queueCmd is a command sent over the dispatch channel to the worker goroutine.
type queueCmd struct {
	// write command
	metric *InputMetric
	value  MetricValue
	labels Labels

	// flush command
	flush InputScope
}

// QueuedScope wraps a scope behind an asynchronous dispatch queue of bounded
// length, served by a dedicated worker goroutine. Writes block only while the
// queue is full. This is not required for multi-threading, since scopes are
// already safe for concurrent use, but may be desired to lower recording latency.
type QueuedScope struct {
	attributes
	target InputScope
	sender chan queueCmd
	done   chan struct{}
	stop   sync.Once
}

// Queued wraps the scope with an asynchronous dispatch queue of the specified length.
func Queued(target InputScope, maxSize int) *QueuedScope {
	q := &QueuedScope{
		attributes: newAttributes(),
		target:     target,
		sender:     make(chan queueCmd, maxSize),
		done:       make(chan struct{}),
	}
	go q.work()
	return q
}

func (q *QueuedScope) work() {
	for {
		select {
		case cmd := <-q.sender:
			q.execute(cmd)
		case <-q.done:
			// drain whatever was enqueued before the close
			for {
				select {
				case cmd := <-q.sender:
					q.execute(cmd)
				default:
					return
				}
			}
		}
	}
}

func (q *QueuedScope) execute(cmd queueCmd) {
	if cmd.flush != nil {
		if err := cmd.flush.Flush(); err != nil {
			logger.Debug().Err(err).Msg("could not asynchronously flush metrics")
		}
		return
	}
	cmd.metric.Write(cmd.value, cmd.labels)
}

// AddName appends a name to the scope's namespace.
// Returns a clone of the scope with the updated names.
func (q *QueuedScope) AddName(name string) *QueuedScope {
	cloned := *q
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// NewMetric defines the metric on the wrapped scope and returns a handle
// that enqueues writes for the worker goroutine. The caller's label context
// is captured at enqueue time so it survives the goroutine handoff.
func (q *QueuedScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = q.prefixAppend(name)
	target := q.target.NewMetric(name, kind)
	return NewInputMetric(ForgeID("queue", name), func(value MetricValue, labels Labels) {
		select {
		case <-q.done:
			sendFailed.Mark()
			logger.Debug().Msg("failed to send async metrics: queue closed")
			return
		default:
		}
		cmd := queueCmd{metric: target, value: value, labels: labels.SaveContext()}
		select {
		case q.sender <- cmd:
		case <-q.done:
			sendFailed.Mark()
			logger.Debug().Msg("failed to send async metrics: queue closed")
		}
	})
}

// Flush enqueues a flush of the wrapped scope.
func (q *QueuedScope) Flush() error {
	q.notifyFlushListeners()
	closed := func() error {
		sendFailed.Mark()
		err := fmt.Errorf("could not flush async metrics: queue closed")
		logger.Debug().Err(err).Send()
		return err
	}
	select {
	case <-q.done:
		return closed()
	default:
	}
	select {
	case q.sender <- queueCmd{flush: q.target}:
		return nil
	case <-q.done:
		return closed()
	}
}

// Close stops the dispatch queue. Commands already enqueued are still
// executed; subsequent writes are counted as failed and discarded.
// Owned scheduled tasks are cancelled.
func (q *QueuedScope) Close() error {
	q.stop.Do(func() { close(q.done) })
	return q.attributes.Close()
}
