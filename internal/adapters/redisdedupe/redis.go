// Package redisdedupe implements the receipt idempotency guard on Redis so
// several replicas share one view of in-flight and rewarded receipts.
package redisdedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/okian/receiptreward/internal/domain/dedupe"
	"github.com/okian/receiptreward/pkg/logger"
)

const defaultKeyPrefix = "receipt:fp:"

// Option configures a Guard.
type Option func(*Guard)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(g *Guard) {
		if prefix != "" {
			g.keyPrefix = prefix
		}
	}
}

// WithLocalCacheSize bounds the local cache of fingerprints recorded by this
// guard.
func WithLocalCacheSize(size int) Option {
	return func(g *Guard) {
		if size > 0 {
			g.localSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// Guard is a two-layer dedupe.Deduper: a local LRU of fingerprints this
// process recorded, backed by Redis SetNX for the shared view.
type Guard struct {
	client    redis.UniversalClient
	local     *expirable.LRU[string, struct{}]
	localSize int
	ttl       time.Duration
	keyPrefix string
	log       logger.Logger
}

var _ dedupe.Deduper = (*Guard)(nil)

// New creates a guard over client. Fingerprints expire after ttl; zero keeps
// them forever.
func New(client redis.UniversalClient, ttl time.Duration, opts ...Option) *Guard {
	g := &Guard{
		client:    client,
		ttl:       ttl,
		localSize: 10000,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.Named("dedupe")
	}
	g.local = expirable.NewLRU[string, struct{}](g.localSize, nil, ttl)
	return g
}

// Dial connects to addr and creates a guard over the connection.
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration, opts ...Option) (*Guard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", dedupe.ErrUnavailable, addr, err)
	}
	return New(client, ttl, opts...), nil
}

// SeenAndRecord records id with SetNX. Fingerprints recorded by this guard
// are answered from the local cache without a round trip.
func (g *Guard) SeenAndRecord(ctx context.Context, id string) (bool, error) {
	if g.local.Contains(id) {
		g.log.Debug(ctx, "dedupe hit (local cache)", logger.String("fingerprint", id))
		return true, nil
	}

	ok, err := g.client.SetNX(ctx, g.keyPrefix+id, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis SetNX failed: %w", dedupe.ErrUnavailable, err)
	}
	if !ok {
		g.log.Debug(ctx, "dedupe hit (redis)", logger.String("fingerprint", id))
		return true, nil
	}

	g.local.Add(id, struct{}{})
	return false, nil
}

// Unrecord deletes id locally and in Redis.
func (g *Guard) Unrecord(ctx context.Context, id string) error {
	g.local.Remove(id)
	if err := g.client.Del(ctx, g.keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("%w: redis DEL failed: %w", dedupe.ErrUnavailable, err)
	}
	return nil
}

// Size returns the number of fingerprints recorded by this guard that are
// still cached locally.
func (g *Guard) Size() int64 {
	return int64(g.local.Len())
}

// Count scans Redis for every fingerprint key, across all replicas.
func (g *Guard) Count(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := g.client.Scan(ctx, cursor, g.keyPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: redis SCAN failed: %w", dedupe.ErrUnavailable, err)
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Close closes the Redis client.
func (g *Guard) Close() error {
	return g.client.Close()
}
