package tierbase

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Quota check and write happen in one script so concurrent writers cannot overshoot capacity.
// KEYS: records hash, sizes hash, total counter. ARGV: key, raw, size, capacity.
var redisPutScript = redis.NewScript(`
local old = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
local total = tonumber(redis.call('GET', KEYS[3]) or '0')
local size = tonumber(ARGV[3])
local cap = tonumber(ARGV[4])
local next = total - old + size
if cap > 0 and next > cap then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], size)
redis.call('INCRBY', KEYS[3], size - old)
return next
`)

var redisDeleteScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[2], ARGV[1])
if not old then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DECRBY', KEYS[3], tonumber(old))
return 1
`)

// RedisBackend is a bounded-fast tier shared between processes.
// Records live in one hash, their sizes in a second, and a counter tracks the total.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	capacity  int64
}

// NewRedisBackend creates a Redis tier; capacity <= 0 means unbounded
func NewRedisBackend(client *redis.Client, keyPrefix string, capacity int64) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "tierbase"
	}
	if capacity <= 0 {
		capacity = UnboundedCapacity
	}
	return &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix,
		capacity:  capacity,
	}
}

func (b *RedisBackend) Tier() Tier   { return TierBoundedFast }
func (b *RedisBackend) Name() string { return "redis" }

// Client exposes the underlying client so other components can share the connection pool
func (b *RedisBackend) Client() *redis.Client { return b.client }

func (b *RedisBackend) recordsKey() string { return b.keyPrefix + ":records" }
func (b *RedisBackend) sizesKey() string   { return b.keyPrefix + ":sizes" }
func (b *RedisBackend) totalKey() string   { return b.keyPrefix + ":bytes" }

func (b *RedisBackend) keys() []string {
	return []string{b.recordsKey(), b.sizesKey(), b.totalKey()}
}

func (b *RedisBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	capacity := b.capacity
	if capacity < 0 {
		capacity = 0
	}
	if capacity > 0 && int64(len(raw)) > capacity {
		return tooLarge(key, len(raw), capacity, b.Name())
	}

	next, err := redisPutScript.Run(ctx, b.client, b.keys(), key, raw, len(raw), capacity).Int64()
	if err != nil {
		return redisError(err)
	}
	if next < 0 {
		return WithContext(ErrQuotaExceeded, map[string]interface{}{
			"key":      key,
			"size":     len(raw),
			"capacity": b.capacity,
		})
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.client.HGet(ctx, b.recordsKey(), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, redisError(err)
	}
	return raw, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := redisDeleteScript.Run(ctx, b.client, b.keys(), key).Int64()
	if err != nil {
		return false, redisError(err)
	}
	return n == 1, nil
}

func (b *RedisBackend) ListKeys(ctx context.Context) ([]string, error) {
	keys, err := b.client.HKeys(ctx, b.recordsKey()).Result()
	if err != nil {
		return nil, redisError(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBackend) Usage(ctx context.Context) (Usage, error) {
	var (
		total *redis.StringCmd
		count *redis.IntCmd
	)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.Get(ctx, b.totalKey())
		count = pipe.HLen(ctx, b.recordsKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, redisError(err)
	}

	bytes, err := total.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, redisError(err)
	}

	return Usage{
		TotalBytes:    bytes,
		ItemCount:     count.Val(),
		CapacityBytes: b.capacity,
	}, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return redisError(err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// redisError maps connection-level failures onto ErrBackendUnavailable so the Manager falls back
func redisError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return WithContext(ErrBackendUnavailable, map[string]interface{}{
		"backend": "redis",
		"error":   err.Error(),
	})
}
