// Package dedupe defines the receipt idempotency guard.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrUnavailable is returned by guards whose backing store cannot be reached.
var ErrUnavailable = errors.New("dedupe store unavailable")

// Deduper records receipt fingerprints so the same receipt is processed at
// most once at a time and rewarded at most once.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) (bool, error)

	// Unrecord removes an id so the receipt may be submitted again. Used for
	// every terminal state that did not issue a reward.
	Unrecord(ctx context.Context, id string) error

	Size() int64
}

// Fingerprint returns the hex SHA-256 of the decoded image bytes.
func Fingerprint(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// inMemoryDeduper keeps fingerprints in a bounded LRU with optional expiry.
// maxSize <= 0 means unbounded; ttl <= 0 means entries never expire.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    *expirable.LRU[string, struct{}]
	maxSize int
	ttl     time.Duration
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50000,
	}
	for _, opt := range opts {
		opt(d)
	}

	size := d.maxSize
	if size < 0 {
		size = 0
	}
	d.seen = expirable.NewLRU[string, struct{}](size, nil, d.ttl)
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen.Contains(id) {
		return true, nil
	}
	d.seen.Add(id, struct{}{})
	return false, nil
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen.Remove(id)
	return nil
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper) Size() int64 {
	return int64(d.seen.Len())
}
