// Package cache remembers the fingerprint of the last write of every
// document and graph batch, so an unchanged entity can skip its write on the
// next run.
//
// Fingerprints live in a two-tier cache:
// - L1: in-memory Ristretto cache, private to the process
// - L2: optional Redis keys, shared across runs and hosts
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/jsonx"
)

// KeyPrefix namespaces fingerprints in Redis
const KeyPrefix = "migration:fp:"

// Sum fingerprints a value by hashing its canonical JSON encoding
func Sum(v any) (uint64, error) {
	data, err := jsonx.Canonical(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode fingerprint input: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// Config holds the fingerprint cache settings
type Config struct {
	// MaxEntries bounds the L1 cache
	MaxEntries int64
	// TTL expires L2 entries; zero keeps them forever
	TTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{MaxEntries: 1 << 20, TTL: 30 * 24 * time.Hour}
}

// Metrics tracks cache effectiveness
type Metrics struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
	L2Errors int64
}

// Fingerprints maps an entity key to the fingerprint of its last write
type Fingerprints struct {
	l1        *ristretto.Cache[string, uint64]
	l2        *redis.Client
	ttl       time.Duration
	logger    *zap.Logger
	metrics   Metrics
	metricsMu sync.Mutex
}

// New creates a fingerprint cache. redisClient may be nil.
func New(cfg Config, redisClient *redis.Client, logger *zap.Logger) (*Fingerprints, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, uint64]{
		NumCounters:        cfg.MaxEntries * 10,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Fingerprints{
		l1:     l1,
		l2:     redisClient,
		ttl:    cfg.TTL,
		logger: logger.Named("fingerprints"),
	}, nil
}

// Unchanged reports whether key was last written with fingerprint sum.
// An unreachable L2 reads as a miss, so the write happens.
func (f *Fingerprints) Unchanged(ctx context.Context, key string, sum uint64) bool {
	if got, found := f.l1.Get(key); found {
		f.record(func(m *Metrics) { m.L1Hits++ })
		return got == sum
	}
	f.record(func(m *Metrics) { m.L1Misses++ })

	if f.l2 == nil {
		return false
	}
	raw, err := f.l2.Get(ctx, KeyPrefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		f.record(func(m *Metrics) { m.L2Misses++ })
		return false
	case err != nil:
		f.record(func(m *Metrics) { m.L2Errors++ })
		f.logger.Warn("Failed to read L2 fingerprint", zap.String("key", key), zap.Error(err))
		return false
	}
	got, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		f.record(func(m *Metrics) { m.L2Misses++ })
		return false
	}
	f.record(func(m *Metrics) { m.L2Hits++ })
	// Promote to L1
	f.l1.Set(key, got, 1)
	return got == sum
}

// Remember records the fingerprint of a successful write
func (f *Fingerprints) Remember(ctx context.Context, key string, sum uint64) {
	f.l1.Set(key, sum, 1)
	f.l1.Wait()
	if f.l2 == nil {
		return
	}
	if err := f.l2.Set(ctx, KeyPrefix+key, strconv.FormatUint(sum, 10), f.ttl).Err(); err != nil {
		f.record(func(m *Metrics) { m.L2Errors++ })
		f.logger.Warn("Failed to set L2 fingerprint", zap.String("key", key), zap.Error(err))
	}
}

// Forget drops a fingerprint so the next run writes the entity again
func (f *Fingerprints) Forget(ctx context.Context, key string) error {
	f.l1.Del(key)
	if f.l2 != nil {
		if err := f.l2.Del(ctx, KeyPrefix+key).Err(); err != nil {
			return fmt.Errorf("L2 delete failed: %w", err)
		}
	}
	return nil
}

// Metrics returns a copy of the counters
func (f *Fingerprints) Metrics() Metrics {
	f.metricsMu.Lock()
	defer f.metricsMu.Unlock()
	return f.metrics
}

func (f *Fingerprints) record(update func(*Metrics)) {
	f.metricsMu.Lock()
	update(&f.metrics)
	f.metricsMu.Unlock()
}

// Close releases the L1 cache. The Redis client is owned by the caller.
func (f *Fingerprints) Close() error {
	f.l1.Close()
	return nil
}
