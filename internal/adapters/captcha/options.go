package captcha

import (
	"net/http"
	"time"

	"github.com/okian/receiptreward/pkg/logger"
)

// Option configures a Verifier.
type Option func(*Verifier)

// WithAction sets the expected action label.
func WithAction(action string) Option {
	return func(v *Verifier) {
		if action != "" {
			v.action = action
		}
	}
}

// WithMinScore sets the minimum accepted score.
func WithMinScore(score float64) Option {
	return func(v *Verifier) {
		v.minScore = score
	}
}

// WithTimeout bounds one verification round trip.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		v.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		v.log = l
	}
}
