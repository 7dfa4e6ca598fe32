package tierbase

import (
	"context"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

// UnboundedCapacity is reported by backends with no practical size limit
const UnboundedCapacity int64 = -1

// Backend is the uniform contract every tier adapter implements.
// Values are the raw wire bytes of a StoredRecord; only the Manager interprets them.
type Backend interface {
	// Tier reports which kind of tier this adapter serves
	Tier() Tier
	// Name identifies the concrete medium ("memory", "redis", "badger", ...)
	Name() string

	Put(ctx context.Context, key string, raw []byte, opts PutOptions) error
	// Get returns ErrNotFound when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete reports whether something was removed; absent keys are not an error
	Delete(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context) ([]string, error)
	Usage(ctx context.Context) (Usage, error)

	Ping(ctx context.Context) error
	Close() error
}

// PutOptions carries placement hints down to the adapter
type PutOptions struct {
	// Group selects the partition of a bucketed backend
	Group PriorityGroup
	// CreatedAt lets age-ordered backends keep eviction order stable across overwrites
	CreatedAtMillis int64
}

// Usage is a tier's own accounting of what it holds
type Usage struct {
	TotalBytes    int64 `json:"totalBytes"`
	ItemCount     int64 `json:"itemCount"`
	CapacityBytes int64 `json:"capacityBytes"`
}

// Bounded reports whether the tier has a finite capacity
func (u Usage) Bounded() bool {
	return u.CapacityBytes > 0
}

// Fraction of capacity in use; zero for unbounded tiers
func (u Usage) Fraction() float64 {
	if !u.Bounded() {
		return 0
	}
	return float64(u.TotalBytes) / float64(u.CapacityBytes)
}

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type          string            `yaml:"type"`           // memory, redis, filesystem, badger, s3, minio, gcs, bucketed
	Bucket        string            `yaml:"bucket"`         // object bucket, base directory or database file
	Region        string            `yaml:"region"`         // AWS region (s3 only)
	Endpoint      string            `yaml:"endpoint"`       // custom endpoint (minio) or redis address
	PathPrefix    string            `yaml:"path_prefix"`    // optional prefix for object keys
	CapacityBytes int64             `yaml:"capacity_bytes"` // quota for bounded tiers, soft cap for indexed ones
	Options       map[string]string `yaml:"options"`        // backend-specific options
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.CapacityBytes < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "CapacityBytes",
			"value":  c.CapacityBytes,
			"reason": "must be non-negative",
		})
	}

	switch c.Type {
	case "memory", "redis", "noop":
	case "s3":
		if c.Bucket == "" {
			return missingBucket(c.Type)
		}
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case "minio":
		if c.Bucket == "" {
			return missingBucket(c.Type)
		}
		if c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Endpoint",
				"reason": "MinIO backend requires an endpoint",
			})
		}
	case "filesystem", "badger", "gcs", "bucketed":
		if c.Bucket == "" {
			return missingBucket(c.Type)
		}
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	return nil
}

func missingBucket(typ string) error {
	return WithContext(ErrInvalidConfig, map[string]interface{}{
		"field":  "Bucket",
		"value":  typ,
		"reason": "bucket/base path is required",
	})
}

// BackendsConfig names the adapter for each tier
type BackendsConfig struct {
	BoundedFast BackendConfig `yaml:"bounded_fast"`
	Indexed     BackendConfig `yaml:"indexed"`
	Bucketed    BackendConfig `yaml:"bucketed"`
}

func (c BackendsConfig) Validate() error {
	if err := c.BoundedFast.Validate(); err != nil {
		return err
	}
	switch c.BoundedFast.Type {
	case "memory", "redis", "noop":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BoundedFast.Type",
			"value":  c.BoundedFast.Type,
			"reason": "bounded-fast tier must be memory, redis or noop",
		})
	}
	if c.BoundedFast.Type != "noop" && c.BoundedFast.CapacityBytes <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BoundedFast.CapacityBytes",
			"value":  c.BoundedFast.CapacityBytes,
			"reason": "bounded-fast tier needs a quota",
		})
	}

	if err := c.Indexed.Validate(); err != nil {
		return err
	}
	switch c.Indexed.Type {
	case "filesystem", "badger", "s3", "minio", "gcs", "noop":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Indexed.Type",
			"value":  c.Indexed.Type,
			"reason": "indexed tier must be filesystem, badger, s3, minio, gcs or noop",
		})
	}

	if err := c.Bucketed.Validate(); err != nil {
		return err
	}
	if c.Bucketed.Type != "bucketed" && c.Bucketed.Type != "noop" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucketed.Type",
			"value":  c.Bucketed.Type,
			"reason": "bucketed tier must be bucketed or noop",
		})
	}
	return nil
}

// OpenBackend constructs the adapter described by cfg for the given tier
func OpenBackend(ctx context.Context, tier Tier, cfg BackendConfig, logger Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Type {
	case "noop":
		return NewNoopBackend(tier), nil
	case "memory":
		backend = NewMemoryBackend(cfg.CapacityBytes)
	case "redis":
		opts := RedisOptionsWithOverrides(cfg.Endpoint, cfg.Options["password"], 0, 0)
		backend = NewRedisBackend(redis.NewClient(opts), cfg.PathPrefix, cfg.CapacityBytes)
	case "filesystem":
		backend = NewFilesystemBackend(cfg.Bucket)
	case "badger":
		backend, err = NewBadgerBackend(cfg.Bucket, logger)
	case "s3":
		backend, err = NewS3BackendFromConfig(ctx, cfg)
	case "minio":
		backend, err = NewMinIOBackend(ctx, MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.Options["access_key"],
			SecretAccessKey: cfg.Options["secret_key"],
			UseSSL:          cfg.Options["use_ssl"] == "true",
			Bucket:          cfg.Bucket,
			Prefix:          cfg.PathPrefix,
			CreateBucket:    cfg.Options["create_bucket"] == "true",
		})
	case "gcs":
		backend, err = NewGCSBackend(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.PathPrefix,
			CredentialsFile: cfg.Options["credentials_file"],
			Endpoint:        cfg.Endpoint,
		})
	case "bucketed":
		backend, err = NewBucketedBackend(ctx, BucketedConfig{Path: cfg.Bucket, Logger: logger})
	}
	if err != nil {
		return nil, err
	}

	if tier == TierUnboundedIndexed && cfg.CapacityBytes > 0 {
		backend = WithCapacity(backend, cfg.CapacityBytes)
	}
	if key := cfg.Options["encryption_key"]; key != "" {
		backend, err = NewEncryptedBackendFromHex(backend, key)
		if err != nil {
			return nil, err
		}
	}
	return backend, nil
}

// Category partitions of the indexed tier, matched by key substring in this order
var categories = []string{"videos", "screenshots", "logs", "cache"}

const defaultCategory = "records"

// CategoryFor picks the indexed-tier partition for a key
func CategoryFor(key string) string {
	lower := strings.ToLower(key)
	for _, cat := range categories {
		if strings.Contains(lower, strings.TrimSuffix(cat, "s")) {
			return cat
		}
	}
	return defaultCategory
}

// escapeKey makes an arbitrary key safe as a single path segment or object name
func escapeKey(key string) string {
	return url.PathEscape(key)
}

func unescapeKey(name string) (string, error) {
	return url.PathUnescape(name)
}

// NoopBackend stands in for a tier that is not available on this platform
type NoopBackend struct {
	tier Tier
}

func NewNoopBackend(tier Tier) *NoopBackend {
	return &NoopBackend{tier: tier}
}

func (b *NoopBackend) Tier() Tier   { return b.tier }
func (b *NoopBackend) Name() string { return "noop" }

func (b *NoopBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	return ErrBackendUnavailable
}

func (b *NoopBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, ErrBackendUnavailable
}

func (b *NoopBackend) Delete(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (b *NoopBackend) ListKeys(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (b *NoopBackend) Usage(ctx context.Context) (Usage, error) {
	return Usage{CapacityBytes: UnboundedCapacity}, nil
}

func (b *NoopBackend) Ping(ctx context.Context) error {
	return ErrBackendUnavailable
}

func (b *NoopBackend) Close() error {
	return nil
}
