package tierbase

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle enforces the minimum spacing between maintenance runs.
// Acquire returns false when a run started less than the minimum interval ago.
type Throttle interface {
	Acquire(ctx context.Context, runID string) (bool, error)
}

// LocalThrottle spaces runs within one process
type LocalThrottle struct {
	mu          sync.Mutex
	minInterval time.Duration
	clock       Clock
	last        time.Time
}

// NewLocalThrottle creates an in-process throttle; a nil clock uses the system clock
func NewLocalThrottle(minInterval time.Duration, clock Clock) *LocalThrottle {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LocalThrottle{minInterval: minInterval, clock: clock}
}

func (t *LocalThrottle) Acquire(ctx context.Context, runID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.minInterval {
		return false, nil
	}
	t.last = now
	return true, nil
}

// RedisThrottle spaces runs across every process sharing a Redis server.
// The first caller sets the key with a TTL of the minimum interval; everyone
// else is refused until it expires. The key is never released early.
type RedisThrottle struct {
	client      *redis.Client
	key         string
	minInterval time.Duration
}

// NewRedisThrottle creates a shared throttle stored under key
func NewRedisThrottle(client *redis.Client, key string, minInterval time.Duration) *RedisThrottle {
	if key == "" {
		key = DefaultMaintenanceLockKey
	}
	return &RedisThrottle{client: client, key: key, minInterval: minInterval}
}

func (t *RedisThrottle) Acquire(ctx context.Context, runID string) (bool, error) {
	if t.minInterval <= 0 {
		return true, nil
	}
	ok, err := t.client.SetNX(ctx, t.key, runID, t.minInterval).Result()
	if err != nil {
		return false, redisError(err)
	}
	return ok, nil
}

// Holder returns the run ID currently holding the throttle, if any
func (t *RedisThrottle) Holder(ctx context.Context) (string, error) {
	id, err := t.client.Get(ctx, t.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", redisError(err)
	}
	return id, nil
}
