// Package service composes the captcha pre-gate, the submission pipeline and
// outcome event dispatch behind the API the HTTP layer depends on.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sync"
	"time"

	eventqueue "github.com/okian/receiptreward/internal/adapters/mq/queue"
	workerpool "github.com/okian/receiptreward/internal/adapters/mq/worker"
	"github.com/okian/receiptreward/internal/domain/dedupe"
	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/internal/domain/submission"
	"github.com/okian/receiptreward/pkg/logger"
	"github.com/okian/receiptreward/pkg/metrics"
)

const statsCountTimeout = 2 * time.Second

// storeCounter is implemented by idempotency guards backed by a shared store.
type storeCounter interface {
	Count(ctx context.Context) (int64, error)
}

// CaptchaVerifier confirms a client proof-of-humanity token. It fails closed.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token string) bool
}

// Service implements the API dependencies for receipt submission.
type Service struct {
	mu sync.RWMutex

	// Core components
	captcha   CaptchaVerifier
	validator submission.ClaimValidator
	ledger    submission.LedgerGateway
	deduper   dedupe.Deduper
	publisher workerpool.Publisher
	pipeline  *submission.Pipeline
	queue     *eventqueue.InMemoryQueue
	pool      *workerpool.Pool
	closers   []func() error

	// Configuration
	reward       *big.Int
	workerCount  int
	queueSize    int
	pipelineOpts []submission.Option

	// State
	started bool
	stopped bool

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithCaptcha enables the captcha pre-gate. Without it every submission
// skips captcha verification.
func WithCaptcha(v CaptchaVerifier) Option {
	return func(s *Service) {
		s.captcha = v
	}
}

// WithDeduper enables the receipt idempotency guard.
func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) {
		s.deduper = d
	}
}

// WithPublisher enables outcome events: they are queued and published by a
// worker pool started with the service.
func WithPublisher(p workerpool.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithWorkerCount sets the number of publishing workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the outcome event queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithPipelineOptions passes extra options to the submission pipeline.
func WithPipelineOptions(opts ...submission.Option) Option {
	return func(s *Service) {
		s.pipelineOpts = append(s.pipelineOpts, opts...)
	}
}

// WithCloser registers a function run on Stop, in reverse registration order.
func WithCloser(fn func() error) Option {
	return func(s *Service) {
		if fn != nil {
			s.closers = append(s.closers, fn)
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wires a Service around validator and ledger. reward is the fixed amount
// granted per approved receipt.
func New(validator submission.ClaimValidator, ledger submission.LedgerGateway, reward *big.Int, opts ...Option) (*Service, error) {
	s := &Service{
		validator:   validator,
		ledger:      ledger,
		reward:      reward,
		workerCount: runtime.NumCPU(),
		queueSize:   10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}

	pipelineOpts := []submission.Option{submission.WithDeduper(s.deduper)}
	if s.publisher != nil {
		s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
		pipelineOpts = append(pipelineOpts, submission.WithNotifier(s.queue))
	}
	pipelineOpts = append(pipelineOpts, s.pipelineOpts...)

	p, err := submission.New(validator, ledger, reward, pipelineOpts...)
	if err != nil {
		return nil, err
	}
	s.pipeline = p
	return s, nil
}

// Start launches the event workers. Workers outlive ctx cancellation so that
// Stop can drain the queue.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("service already stopped")
	}
	if s.started {
		return nil
	}

	if s.queue != nil {
		s.pool = workerpool.NewPool(s.workerCount, s.queue, s.publisher)
		s.pool.Start(context.WithoutCancel(ctx))
	}

	s.started = true
	s.logger.Info(ctx, "receipt service started",
		logger.Bool("captcha", s.captcha != nil),
		logger.Bool("dedupe", s.deduper != nil),
		logger.Bool("events", s.queue != nil),
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.String("reward", s.reward.String()),
	)
	return nil
}

// Stop drains queued outcome events within ctx and releases every backend.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	s.started = false
	s.logger.Info(ctx, "stopping receipt service...")

	var errs []error
	switch {
	case s.pool != nil:
		if err := s.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	case s.queue != nil:
		_ = s.queue.Close()
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn(ctx, "error closing backend", logger.Error(err))
			errs = append(errs, err)
		}
	}

	s.logger.Info(ctx, "receipt service stopped")
	return errors.Join(errs...)
}

// SubmitReceipt runs the captcha pre-gate and then the submission pipeline.
func (s *Service) SubmitReceipt(ctx context.Context, captchaToken string, raw submission.RawSubmission) (model.Outcome, error) {
	if s.captcha != nil && !s.captcha.Verify(ctx, captchaToken) {
		metrics.RecordSubmission("captcha_failed")
		s.logger.Info(ctx, "submission refused by captcha", logger.String("address", raw.Address))
		return model.Outcome{}, submission.ErrCaptchaFailed
	}
	out, err := s.pipeline.Submit(ctx, raw)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("submit receipt: %w", err)
	}
	return out, nil
}

// Pipeline returns the underlying submission pipeline.
func (s *Service) Pipeline() *submission.Pipeline {
	return s.pipeline
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":        s.started,
		"captchaEnabled": s.captcha != nil,
		"rewardAmount":   s.reward.String(),
		"pipeline":       s.pipeline.Stats(),
	}
	if s.deduper != nil {
		stats["dedupeSize"] = s.deduper.Size()
		if c, ok := s.deduper.(storeCounter); ok {
			ctx, cancel := context.WithTimeout(context.Background(), statsCountTimeout)
			if n, err := c.Count(ctx); err == nil {
				stats["dedupeStored"] = n
			} else {
				s.logger.Warn(ctx, "counting stored fingerprints failed", logger.Error(err))
			}
			cancel()
		}
	}
	if s.queue != nil {
		stats["queueLength"] = s.queue.Len(context.Background())
		stats["queueCapacity"] = s.queue.Capacity()
		stats["eventsDropped"] = s.queue.Dropped()
		stats["publisher"] = s.publisher.Name()
	}
	if s.pool != nil {
		stats["workerCount"] = s.pool.Size()
		published, failed := s.pool.Counts()
		stats["eventsPublished"] = published
		stats["eventsFailed"] = failed
	}
	return stats
}
