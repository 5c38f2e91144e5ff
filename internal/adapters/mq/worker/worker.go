// Package worker drains outcome events from the queue and hands them to a
// publisher.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/okian/receiptreward/internal/adapters/mq/queue"
	"github.com/okian/receiptreward/pkg/logger"
	"github.com/okian/receiptreward/pkg/metrics"
)

const (
	defaultPublishTimeout = 5 * time.Second
	defaultRetries        = 2
	defaultBackoff        = 100 * time.Millisecond
	poolDrainTimeout      = 30 * time.Second
)

// Event is what workers read off the queue.
type Event = queue.Event

// Publisher delivers outcome events to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	// Name labels the backend in metrics and logs.
	Name() string
}

// Source yields queued events. The channel closes when the queue is closed
// and drained.
type Source interface {
	Dequeue(ctx context.Context) <-chan Event
}

// Worker publishes events from a Source one at a time. A failed publish is
// retried with doubling backoff; after the last attempt the event is logged
// and dropped.
type Worker struct {
	src     Source
	pub     Publisher
	name    string
	timeout time.Duration
	retries int
	backoff time.Duration
	log     logger.Logger

	published atomic.Uint64
	failed    atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithName names the worker in logs.
func WithName(name string) Option {
	return func(w *Worker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger replaces the worker's logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// WithPublishTimeout bounds each Publish attempt.
func WithPublishTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithRetries sets how many times a failed publish is retried and the delay
// before the first retry.
func WithRetries(n int, backoff time.Duration) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.retries = n
		}
		if backoff > 0 {
			w.backoff = backoff
		}
	}
}

// New creates a worker reading src and publishing to pub.
func New(src Source, pub Publisher, opts ...Option) *Worker {
	w := &Worker{
		src:     src,
		pub:     pub,
		name:    "worker",
		timeout: defaultPublishTimeout,
		retries: defaultRetries,
		backoff: defaultBackoff,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = logger.Named("worker").With(logger.String("worker", w.name), logger.String("backend", pub.Name()))
	}
	return w
}

// Run publishes events until the source is drained, ctx is done or Shutdown
// is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	// Cancelling on return releases the source's forwarder.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := w.src.Dequeue(dctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			select {
			case <-w.stop:
				w.abandon(ctx, e)
				return
			default:
			}
			w.deliver(ctx, e)
		}
	}
}

// Shutdown stops the worker without draining and waits for Run to return.
func (w *Worker) Shutdown(ctx context.Context) error {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s: shutdown: %w", w.name, ctx.Err())
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) deliver(ctx context.Context, e Event) {
	start := time.Now()
	ctx = logger.ContextWith(ctx, logger.String("submission_id", e.SubmissionID))

	err := w.attempt(ctx, e)
	metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		w.failed.Add(1)
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "publish_error")
		metrics.RecordErrorByType("publish_error", "medium")
		w.log.Error(ctx, "outcome event dropped after retries", logger.Int("attempts", w.retries+1), logger.Error(err))
		return
	}
	w.published.Add(1)
	metrics.RecordEventPublished(w.pub.Name())
}

func (w *Worker) abandon(ctx context.Context, e Event) {
	w.failed.Add(1)
	metrics.RecordWorkerError()
	metrics.RecordErrorByComponent("worker", "abandoned")
	w.log.Warn(ctx, "outcome event abandoned at shutdown", logger.String("submission_id", e.SubmissionID))
}

func (w *Worker) attempt(ctx context.Context, e Event) error {
	wait := w.backoff
	for try := 0; ; try++ {
		pctx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.pub.Publish(pctx, e)
		cancel()
		if err == nil || try >= w.retries {
			return err
		}
		w.log.Debug(ctx, "publish failed, retrying", logger.Int("attempt", try+1), logger.Error(err))

		select {
		case <-time.After(wait):
			wait *= 2
		case <-ctx.Done():
			return err
		case <-w.stop:
			return err
		}
	}
}

// Pool runs several workers over one source.
type Pool struct {
	workers []*Worker
	src     Source
	log     logger.Logger
}

// NewPool creates count workers. A count below one means one per CPU.
func NewPool(count int, src Source, pub Publisher, opts ...Option) *Pool {
	if count < 1 {
		count = runtime.NumCPU()
	}

	p := &Pool{
		workers: make([]*Worker, count),
		src:     src,
		log:     logger.Named("worker-pool"),
	}
	for i := range p.workers {
		named := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = New(src, pub, named...)
	}

	metrics.UpdateWorkerActiveCount(count)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Counts returns how many events the pool published and dropped.
func (p *Pool) Counts() (published, failed uint64) {
	for _, w := range p.workers {
		published += w.published.Load()
		failed += w.failed.Load()
	}
	return published, failed
}

// Shutdown closes the source if it can be closed and waits for the workers
// to drain it. Workers still busy when ctx expires are stopped and an error
// is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	if c, ok := p.src.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			p.log.Error(ctx, "closing event source failed", logger.Error(err))
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, poolDrainTimeout)
	defer cancel()

	stuck := 0
	for _, w := range p.workers {
		select {
		case <-w.done:
		case <-drainCtx.Done():
			stuck++
			_ = w.Shutdown(context.Background())
		}
	}

	metrics.UpdateWorkerActiveCount(0)
	if stuck > 0 {
		p.log.Warn(ctx, "event drain timed out", logger.Int("stuck_workers", stuck))
		return fmt.Errorf("worker pool: %d workers did not drain: %w", stuck, drainCtx.Err())
	}
	return nil
}
