// Package queue holds outcome events between the pipeline and the
// publishing workers.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/pkg/metrics"
)

const defaultQueueCapacity = 10000

// Event is the payload carried by the queue.
type Event = model.OutcomeEvent

// Reasons an event is refused.
const (
	refusedClosed    = "closed"
	refusedCancelled = "context_cancelled"
	refusedFull      = "queue_full"
)

// InMemoryQueue is a bounded buffer of outcome events. It satisfies the
// pipeline's Notifier: a full queue drops the event and the submission goes on.
type InMemoryQueue struct {
	buf      chan Event
	capacity int
	dropped  atomic.Uint64

	// mu guards closed and the close of buf against concurrent sends.
	mu     sync.RWMutex
	closed bool
}

// Option configures an InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity bounds the number of events waiting for a worker.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.buf = make(chan Event, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	q.publishDepth()
	return q
}

// Notify hands an outcome event to the workers.
func (q *InMemoryQueue) Notify(ctx context.Context, e model.OutcomeEvent) bool {
	return q.Enqueue(ctx, e)
}

// Enqueue adds e without blocking. It reports false when the queue is closed
// or full, or ctx is already done.
func (q *InMemoryQueue) Enqueue(ctx context.Context, e Event) bool {
	start := time.Now()
	reason := q.offer(ctx, e)
	metrics.RecordQueueProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)

	if reason != "" {
		q.dropped.Add(1)
		metrics.RecordQueueEnqueueError(reason)
		metrics.RecordErrorByComponent("queue", reason)
		return false
	}
	metrics.RecordQueueEnqueue()
	q.publishDepth()
	return true
}

func (q *InMemoryQueue) offer(ctx context.Context, e Event) string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	switch {
	case q.closed:
		return refusedClosed
	case ctx.Err() != nil:
		return refusedCancelled
	}
	select {
	case q.buf <- e:
		return ""
	default:
		return refusedFull
	}
}

// Dequeue streams queued events. The channel closes once the queue is closed
// and drained, or when ctx is done; an event held at that point counts as
// dropped.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for e := range q.buf {
			select {
			case out <- e:
				metrics.RecordQueueDequeue()
				q.publishDepth()
			case <-ctx.Done():
				q.dropped.Add(1)
				metrics.RecordQueueEnqueueError(refusedCancelled)
				return
			}
		}
	}()
	return out
}

// Len returns the number of events waiting for a worker.
func (q *InMemoryQueue) Len(context.Context) int {
	return q.publishDepth()
}

// Capacity returns the queue bound.
func (q *InMemoryQueue) Capacity() int { return q.capacity }

// Dropped returns how many events were refused since creation.
func (q *InMemoryQueue) Dropped() uint64 { return q.dropped.Load() }

// Close stops accepting events. Events already queued are still delivered.
// Closing twice is a no-op.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.buf)
	}
	return nil
}

// IsClosed reports whether Close was called.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *InMemoryQueue) publishDepth() int {
	depth := len(q.buf)
	metrics.UpdateQueueSize(depth)
	metrics.UpdateQueueUtilization(float64(depth) / float64(q.capacity))
	return depth
}
