package tierbase

import (
	"os"

	"github.com/redis/go-redis/v9"
)

// RedisOptions returns redis.Options populated from the environment:
// REDIS_ADDR (default "localhost:6379"), REDIS_PASSWORD and REDIS_DB (default 0).
//
// The same client serves RedisBackend and RedisThrottle:
//
//	client := redis.NewClient(tierbase.RedisOptions())
//	fast := tierbase.NewRedisBackend(client, "tierbase", 5<<20)
//	throttle := tierbase.NewRedisThrottle(client, "tierbase:maintenance", 5*time.Minute)
func RedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// RedisOptionsWithOverrides starts from RedisOptions and applies any non-zero argument.
// OpenBackend uses it so a config file endpoint wins over REDIS_ADDR.
func RedisOptionsWithOverrides(addr, password string, poolSize, minIdleConns int) *redis.Options {
	opts := RedisOptions()

	if addr != "" {
		opts.Addr = addr
	}
	if password != "" {
		opts.Password = password
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	if minIdleConns > 0 {
		opts.MinIdleConns = minIdleConns
	}

	return opts
}
