// Package lease provides the run-level mutual exclusion of the migration:
// at most one run may write to the destinations at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrHeld is returned when another run holds the lease
var ErrHeld = errors.New("migration lease is held by another run")

// Lease is an acquired run lease
type Lease interface {
	// Token identifies the holder
	Token() string
	// Release gives the lease up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Locker hands out leases by name
type Locker interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

// KeyPrefix namespaces leases in Redis
const KeyPrefix = "lock:migration:"

// DefaultTTL is how long a lease survives without renewal
const DefaultTTL = 30 * time.Second

// Only the holder may extend or delete its lease
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds leases as Redis keys set with NX and a TTL that a
// background goroutine renews every TTL/3 until the lease is released.
type RedisLocker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a locker. A zero ttl uses DefaultTTL.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{redis: client, ttl: ttl, logger: logger.Named("lease")}
}

type redisLease struct {
	redis  *redis.Client
	key    string
	token  string
	ttl    time.Duration
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// Acquire takes the lease or returns ErrHeld
func (l *RedisLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	if name == "" {
		return nil, fmt.Errorf("lease name cannot be empty")
	}
	lease := &redisLease{
		redis:  l.redis,
		key:    KeyPrefix + name,
		token:  uuid.NewString(),
		ttl:    l.ttl,
		done:   make(chan struct{}),
		logger: l.logger,
	}

	acquired, err := l.redis.SetNX(ctx, lease.key, lease.token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease acquisition failed: %w", err)
	}
	if !acquired {
		return nil, ErrHeld
	}

	go lease.renew()

	l.logger.Debug("Lease acquired",
		zap.String("key", lease.key),
		zap.Duration("ttl", l.ttl))
	return lease, nil
}

func (l *redisLease) renew() {
	tick := time.NewTicker(l.ttl / 3)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewScript.Run(ctx, l.redis, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("Failed to renew lease", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("Lease lost before release", zap.String("key", l.key))
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *redisLease) Token() string { return l.token }

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = releaseScript.Run(ctx, l.redis, []string{l.key}, l.token).Err()
		if err != nil {
			err = fmt.Errorf("failed to release lease: %w", err)
			return
		}
		l.logger.Debug("Lease released", zap.String("key", l.key))
	})
	return err
}

// LocalLocker holds leases in process. It is used when no Redis is
// configured and only serializes runs within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

type localLease struct {
	locker *LocalLocker
	name   string
	token  string
	once   sync.Once
}

// Acquire takes the lease or returns ErrHeld
func (l *LocalLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[name]; taken {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.held[name] = token
	return &localLease{locker: l, name: name, token: token}, nil
}

func (l *localLease) Token() string { return l.token }

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		defer l.locker.mu.Unlock()
		if l.locker.held[l.name] == l.token {
			delete(l.locker.held, l.name)
		}
	})
	return nil
}
