package tierbase

import (
	"testing"
)

func TestRedisOptions_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "")

	opts := RedisOptions()

	if opts.Addr != "localhost:6379" {
		t.Errorf("expected default addr localhost:6379, got %s", opts.Addr)
	}
	if opts.Password != "" {
		t.Errorf("expected default password empty, got %s", opts.Password)
	}
	if opts.DB != 0 {
		t.Errorf("expected default db 0, got %d", opts.DB)
	}
}

func TestRedisOptions_FromEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret123")
	t.Setenv("REDIS_DB", "5")

	opts := RedisOptions()

	if opts.Addr != "redis.example.com:6380" {
		t.Errorf("expected addr redis.example.com:6380, got %s", opts.Addr)
	}
	if opts.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", opts.Password)
	}
	if opts.DB != 5 {
		t.Errorf("expected db 5, got %d", opts.DB)
	}
}

func TestRedisOptions_InvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "invalid")

	if opts := RedisOptions(); opts.DB != 0 {
		t.Errorf("expected db 0 (default for invalid value), got %d", opts.DB)
	}
}

func TestRedisOptionsWithOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("REDIS_PASSWORD", "env-secret")

	opts := RedisOptionsWithOverrides("cfg:6379", "", 20, 4)

	if opts.Addr != "cfg:6379" {
		t.Errorf("explicit addr should win, got %s", opts.Addr)
	}
	if opts.Password != "env-secret" {
		t.Errorf("empty password should fall back to env, got %s", opts.Password)
	}
	if opts.PoolSize != 20 || opts.MinIdleConns != 4 {
		t.Errorf("pool overrides not applied: %d/%d", opts.PoolSize, opts.MinIdleConns)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"valid integer", "42", 0, 42},
		{"empty string uses default", "", 99, 99},
		{"invalid integer uses default", "not-a-number", 10, 10},
		{"negative integer", "-5", 0, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT_VAR", tt.envValue)

			if result := getEnvAsInt("TEST_INT_VAR", tt.defaultVal); result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}
