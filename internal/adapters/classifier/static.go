package classifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/okian/receiptreward/internal/domain/model"
)

// Default static classifier configuration.
const (
	defaultStaticMinLatency = 80 * time.Millisecond
	defaultStaticMaxLatency = 150 * time.Millisecond
	defaultRandomSeed       = 42
)

// StaticOption applies a configuration option to the Static classifier.
type StaticOption func(*Static)

// WithLatencyRange sets the simulated latency range. A zero range disables the delay.
func WithLatencyRange(minLatency, maxLatency time.Duration) StaticOption {
	return func(s *Static) {
		if minLatency >= 0 && maxLatency >= minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// WithDescription sets the analysis text returned with every verdict.
func WithDescription(desc string) StaticOption {
	return func(s *Static) {
		s.description = desc
	}
}

// Static returns a fixed verdict after a simulated service latency. It stands
// in for the vision model in local runs.
type Static struct {
	factor      float64
	description string
	minLatency  time.Duration
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStatic creates a Static classifier that always answers with factor.
func NewStatic(factor float64, opts ...StaticOption) *Static {
	s := &Static{
		factor:      factor,
		description: "static classifier verdict",
		minLatency:  defaultStaticMinLatency,
		maxLatency:  defaultStaticMaxLatency,
		rng:         rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic seed for reproducible runs
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate returns the configured verdict, honoring ctx during the simulated latency.
func (s *Static) Validate(ctx context.Context, image []byte) (model.ValidationVerdict, error) {
	if len(image) == 0 {
		return model.ValidationVerdict{}, fmt.Errorf("%w: empty image", ErrMalformedReply)
	}

	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		s.mu.Lock()
		latency += time.Duration(s.rng.Int63n(int64(span)))
		s.mu.Unlock()
	}
	if latency > 0 {
		select {
		case <-ctx.Done():
			return model.ValidationVerdict{}, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(latency):
		}
	}

	return model.ValidationVerdict{
		ValidityFactor:        s.factor,
		DescriptionOfAnalysis: s.description,
	}, nil
}
