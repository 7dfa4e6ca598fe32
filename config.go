package tierbase

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration constants for tierbase operations
const (
	// Placement
	DefaultBoundedQuotaBytes = 5 << 20
	DefaultLargeValueBytes   = 1 << 20
	DefaultBoundedHighWater  = 0.5

	// Store retry: attempt n waits BaseDelay * n
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond

	// Maintenance
	DefaultMaintenanceInterval    = time.Hour
	DefaultMinMaintenanceInterval = 5 * time.Minute
	DefaultTargetUsage            = 0.8
	DefaultAggressiveTarget       = 0.5
	DefaultEmergencyTarget        = 0.25
	DefaultMaintenanceLockKey     = "tierbase:maintenance"

	// Codec
	DefaultCodecLevel     = 3
	DefaultMaxEncodeBytes = 4 << 20

	// Media
	DefaultMediaProfile  = "medium"
	DefaultFFmpegPath    = "ffmpeg"
	DefaultMemoTTL       = 24 * time.Hour
	DefaultMemoMaxSizeMB = 8

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// Config is the full engine configuration
type Config struct {
	Placement   PlacementConfig   `yaml:"placement"`
	Retry       RetryConfig       `yaml:"retry"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Codec       CodecConfig       `yaml:"codec"`
	Corruption  CorruptionConfig  `yaml:"corruption"`
	Media       MediaConfig       `yaml:"media"`
	Backends    BackendsConfig    `yaml:"backends"`
	Log         FileLogConfig     `yaml:"log"`
}

// DefaultConfig returns an in-process configuration usable without any external service
func DefaultConfig() Config {
	return Config{
		Placement:   DefaultPlacementConfig(),
		Retry:       DefaultRetryConfig(),
		Maintenance: DefaultMaintenanceConfig(),
		Codec:       DefaultCodecConfig(),
		Corruption:  CorruptionConfig{Signatures: DefaultCorruptionSignatures()},
		Media: MediaConfig{
			Reduce:        true,
			FFmpegPath:    DefaultFFmpegPath,
			Profile:       DefaultMediaProfile,
			MemoTTL:       DefaultMemoTTL,
			MemoMaxSizeMB: DefaultMemoMaxSizeMB,
		},
		Backends: BackendsConfig{
			BoundedFast: BackendConfig{Type: "memory", CapacityBytes: DefaultBoundedQuotaBytes},
			Indexed:     BackendConfig{Type: "filesystem", Bucket: "./data/indexed"},
			Bucketed:    BackendConfig{Type: "bucketed", Bucket: "./data/buckets.db"},
		},
	}
}

// Validate checks every section
func (c Config) Validate() error {
	validators := []func() error{
		c.Placement.Validate,
		c.Retry.Validate,
		c.Maintenance.Validate,
		c.Codec.Validate,
		c.Media.Validate,
		c.Backends.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig and then applies TIERBASE_* environment overrides.
// An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, WithContext(ErrInvalidConfig, map[string]interface{}{
				"path":   path,
				"reason": err.Error(),
			})
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, WithContext(ErrInvalidConfig, map[string]interface{}{
				"path":   path,
				"reason": err.Error(),
			})
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"TIERBASE_FAST_TYPE":        &cfg.Backends.BoundedFast.Type,
		"TIERBASE_FAST_ENDPOINT":    &cfg.Backends.BoundedFast.Endpoint,
		"TIERBASE_INDEXED_TYPE":     &cfg.Backends.Indexed.Type,
		"TIERBASE_INDEXED_BUCKET":   &cfg.Backends.Indexed.Bucket,
		"TIERBASE_INDEXED_REGION":   &cfg.Backends.Indexed.Region,
		"TIERBASE_INDEXED_ENDPOINT": &cfg.Backends.Indexed.Endpoint,
		"TIERBASE_BUCKETED_PATH":    &cfg.Backends.Bucketed.Bucket,
		"TIERBASE_CODEC_ALGORITHM":  (*string)(&cfg.Codec.Algorithm),
		"TIERBASE_LOG_PATH":         &cfg.Log.Path,
		"TIERBASE_LOG_LEVEL":        &cfg.Log.Level,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int64{
		"TIERBASE_FAST_QUOTA_BYTES":    &cfg.Backends.BoundedFast.CapacityBytes,
		"TIERBASE_INDEXED_CAPACITY":    &cfg.Backends.Indexed.CapacityBytes,
		"TIERBASE_LARGE_VALUE_BYTES":   &cfg.Placement.LargeValueBytes,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  name,
				"value":  v,
				"reason": "must be an integer",
			})
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"TIERBASE_MAINTENANCE_INTERVAL":     &cfg.Maintenance.Interval,
		"TIERBASE_MAINTENANCE_MIN_INTERVAL": &cfg.Maintenance.MinInterval,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  name,
				"value":  v,
				"reason": "must be a duration",
			})
		}
		*dst = d
	}

	return nil
}

// PlacementConfig controls tier selection for unclassified values
type PlacementConfig struct {
	// Values larger than this go to the unbounded-indexed tier
	LargeValueBytes int64 `yaml:"large_value_bytes"`
	// Fraction of the bounded-fast quota above which new writes go to the indexed tier
	BoundedHighWater float64 `yaml:"bounded_high_water"`
}

func DefaultPlacementConfig() PlacementConfig {
	return PlacementConfig{
		LargeValueBytes:  DefaultLargeValueBytes,
		BoundedHighWater: DefaultBoundedHighWater,
	}
}

func (c PlacementConfig) Validate() error {
	if c.LargeValueBytes <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "LargeValueBytes",
			"value":  c.LargeValueBytes,
			"reason": "must be positive",
		})
	}
	if c.BoundedHighWater <= 0 || c.BoundedHighWater > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BoundedHighWater",
			"value":  c.BoundedHighWater,
			"reason": "must be in (0, 1]",
		})
	}
	return nil
}

// RetryConfig bounds the quota retry loop of Store
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// Delay is the wait before the given attempt (1-based); it grows linearly
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return c.BaseDelay * time.Duration(attempt)
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxAttempts",
			"value":  c.MaxAttempts,
			"reason": "must be >= 1",
		})
	}
	if c.BaseDelay < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BaseDelay",
			"value":  c.BaseDelay,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// MaintenanceConfig drives the scheduler and the eviction targets
type MaintenanceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	MinInterval      time.Duration `yaml:"min_interval"`
	TargetUsage      float64       `yaml:"target_usage"`
	AggressiveTarget float64       `yaml:"aggressive_target"`
	EmergencyTarget  float64       `yaml:"emergency_target"`
	// Redis key used by RedisThrottle
	LockKey string `yaml:"lock_key"`
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:          true,
		Interval:         DefaultMaintenanceInterval,
		MinInterval:      DefaultMinMaintenanceInterval,
		TargetUsage:      DefaultTargetUsage,
		AggressiveTarget: DefaultAggressiveTarget,
		EmergencyTarget:  DefaultEmergencyTarget,
		LockKey:          DefaultMaintenanceLockKey,
	}
}

func (c MaintenanceConfig) Validate() error {
	if c.Interval <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Interval",
			"value":  c.Interval,
			"reason": "must be positive",
		})
	}
	if c.MinInterval < 0 || c.MinInterval > c.Interval {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MinInterval",
			"value":  c.MinInterval,
			"reason": "must be between 0 and Interval",
		})
	}
	targets := []struct {
		name  string
		value float64
	}{
		{"TargetUsage", c.TargetUsage},
		{"AggressiveTarget", c.AggressiveTarget},
		{"EmergencyTarget", c.EmergencyTarget},
	}
	for _, target := range targets {
		if target.value <= 0 || target.value > 1 {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  target.name,
				"value":  target.value,
				"reason": "must be in (0, 1]",
			})
		}
	}
	if c.EmergencyTarget > c.AggressiveTarget || c.AggressiveTarget > c.TargetUsage {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "TargetUsage",
			"reason": "targets must satisfy emergency <= aggressive <= normal",
		})
	}
	return nil
}

// CodecConfig selects the compressor
type CodecConfig struct {
	Algorithm      Algorithm `yaml:"algorithm"`
	Level          int       `yaml:"level"`
	MaxEncodeBytes int       `yaml:"max_encode_bytes"`
}

func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		Algorithm:      AlgorithmZstd,
		Level:          DefaultCodecLevel,
		MaxEncodeBytes: DefaultMaxEncodeBytes,
	}
}

func (c CodecConfig) Validate() error {
	switch c.Algorithm {
	case AlgorithmZstd, AlgorithmLZ4, AlgorithmSnappy:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Algorithm",
			"value":  c.Algorithm,
			"reason": "must be zstd, lz4 or snappy",
		})
	}
	if c.Level < 1 || c.Level > 22 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Level",
			"value":  c.Level,
			"reason": "must be between 1 and 22",
		})
	}
	if c.MaxEncodeBytes < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxEncodeBytes",
			"value":  c.MaxEncodeBytes,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// CorruptionConfig lists raw prefixes that mark a record as corrupt
type CorruptionConfig struct {
	Signatures []string `yaml:"signatures"`
}

// MediaConfig controls the video size-reduction step
type MediaConfig struct {
	Reduce        bool          `yaml:"reduce"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	Profile       string        `yaml:"profile"`
	MemoTTL       time.Duration `yaml:"memo_ttl"`
	MemoMaxSizeMB int           `yaml:"memo_max_size_mb"`
}

func (c MediaConfig) Validate() error {
	if !c.Reduce {
		return nil
	}
	if _, ok := ReductionProfiles[c.Profile]; !ok {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Profile",
			"value":  c.Profile,
			"reason": "must be low, medium, high or ultra",
		})
	}
	if c.MemoTTL <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MemoTTL",
			"value":  c.MemoTTL,
			"reason": "must be positive",
		})
	}
	return nil
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
