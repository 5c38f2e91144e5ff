package submission

import (
	"time"

	"github.com/okian/receiptreward/internal/domain/dedupe"
	"github.com/okian/receiptreward/pkg/logger"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDeduper enables the receipt idempotency guard.
func WithDeduper(d dedupe.Deduper) Option {
	return func(p *Pipeline) {
		p.deduper = d
	}
}

// WithNotifier sets the sink for outcome events.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// WithClock overrides the time source used to stamp submissions.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDGenerator overrides submission id generation.
func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// WithQuotaTimeout bounds the quota read. Zero disables the bound.
func WithQuotaTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.quotaTimeout = d
	}
}

// WithClassifyTimeout bounds the classification call. Zero disables the bound.
func WithClassifyTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.classifyTimeout = d
	}
}

// WithRewardTimeout bounds reward submission and confirmation. Zero disables the bound.
func WithRewardTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.rewardTimeout = d
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}
