package tierbase

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	_ "modernc.org/sqlite"
)

// Durability is the persistence hint of a bucket
type Durability string

const (
	// DurabilityStrict syncs every write to disk before returning
	DurabilityStrict Durability = "strict"
	// DurabilityRelaxed lets the medium batch or drop writes under pressure
	DurabilityRelaxed Durability = "relaxed"
)

// BucketSpec describes one named partition of the bucketed tier
type BucketSpec struct {
	Group      PriorityGroup `yaml:"group"`
	Priority   int           `yaml:"priority"`
	Persisted  bool          `yaml:"persisted"`
	Durability Durability    `yaml:"durability"`
	// QuotaBytes caps the bucket; zero leaves a persisted bucket unbounded.
	// Volatile buckets always need one because the cache is preallocated.
	QuotaBytes int64 `yaml:"quota_bytes"`
}

// DefaultBucketSpecs returns the five standard priority groups
func DefaultBucketSpecs() []BucketSpec {
	return []BucketSpec{
		{Group: GroupCritical, Priority: 100, Persisted: true, Durability: DurabilityStrict},
		{Group: GroupMedia, Priority: 70, Persisted: true, Durability: DurabilityRelaxed},
		{Group: GroupSession, Priority: 50, Durability: DurabilityRelaxed, QuotaBytes: 8 << 20},
		{Group: GroupLogs, Priority: 30, Durability: DurabilityRelaxed, QuotaBytes: 8 << 20},
		{Group: GroupCache, Priority: 10, Durability: DurabilityRelaxed, QuotaBytes: 16 << 20},
	}
}

// BucketedConfig configures NewBucketedBackend
type BucketedConfig struct {
	// Path of the SQLite file holding persisted buckets; InMemoryPath for tests
	Path    string
	Buckets []BucketSpec
	Logger  Logger
	Metrics Metrics
}

type bucketEntry struct {
	group     PriorityGroup
	size      int64
	createdAt int64
}

// BucketedBackend keeps independent priority groups. Persisted groups share one SQLite
// table; each volatile group is its own bigcache, whose capacity eviction is the group's quota.
type BucketedBackend struct {
	specs   map[PriorityGroup]BucketSpec
	db      *sql.DB
	caches  map[PriorityGroup]*bigcache.BigCache
	logger  Logger
	metrics Metrics

	// shardBytes is the largest queue a volatile bucket's shard may grow to
	shardBytes map[PriorityGroup]int64

	// writeMu serializes persisted writes so quota checks see a stable total
	writeMu sync.Mutex

	mu    sync.RWMutex
	index map[string]bucketEntry
}

const bucketSchema = `CREATE TABLE IF NOT EXISTS bucket_records (
	bucket     TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	raw        BLOB    NOT NULL,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// NewBucketedBackend opens the persisted store and allocates the volatile caches
func NewBucketedBackend(ctx context.Context, cfg BucketedConfig) (*BucketedBackend, error) {
	if cfg.Buckets == nil {
		cfg.Buckets = DefaultBucketSpecs()
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoOpMetrics{}
	}
	if cfg.Path == "" {
		cfg.Path = InMemoryPath
	}

	b := &BucketedBackend{
		specs:      make(map[PriorityGroup]BucketSpec, len(cfg.Buckets)),
		caches:     make(map[PriorityGroup]*bigcache.BigCache),
		shardBytes: make(map[PriorityGroup]int64),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		index:      make(map[string]bucketEntry),
	}

	for _, spec := range cfg.Buckets {
		if spec.Group == GroupNone {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Buckets.Group",
				"reason": "bucket group is required",
			})
		}
		if !spec.Persisted && spec.QuotaBytes <= 0 {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Buckets.QuotaBytes",
				"value":  spec.Group,
				"reason": "volatile buckets need a quota",
			})
		}
		b.specs[spec.Group] = spec
	}

	if err := b.openPersisted(ctx, cfg.Path); err != nil {
		b.Close()
		return nil, err
	}
	for _, spec := range cfg.Buckets {
		if spec.Persisted {
			continue
		}
		cache, err := b.openVolatile(ctx, spec)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.caches[spec.Group] = cache
		b.shardBytes[spec.Group] = int64(volatileHardMaxMB(spec)) << 20 / volatileShards
	}

	return b, nil
}

func (b *BucketedBackend) openPersisted(ctx context.Context, path string) error {
	if path != InMemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
			return bucketDBError(err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return bucketDBError(err)
	}
	// One connection: an in-memory database lives and dies with it, and
	// per-write synchronous pragmas must land on the connection doing the write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	b.db = db

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != InMemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, stmt := range append(pragmas, bucketSchema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return bucketDBError(err)
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT bucket, key, size, created_at FROM bucket_records`)
	if err != nil {
		return bucketDBError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			group string
			e     bucketEntry
			key   string
		)
		if err := rows.Scan(&group, &key, &e.size, &e.createdAt); err != nil {
			return bucketDBError(err)
		}
		e.group = PriorityGroup(group)
		if _, known := b.specs[e.group]; !known {
			b.logger.Warn("ignoring record in unknown bucket", "bucket", group, "key", key)
			continue
		}
		b.index[key] = e
	}
	return rows.Err()
}

const (
	volatileShards = 16
	// bigcache stores a timestamp, a hash, the key length and a varint length prefix with each entry
	volatileEntryOverhead = 32
)

func volatileHardMaxMB(spec BucketSpec) int {
	return int((spec.QuotaBytes + (1 << 20) - 1) >> 20)
}

// MaxEntryBytes is the largest record the bucket can hold under key.
// A volatile entry must fit one bigcache shard; a persisted one its quota, if any.
func (b *BucketedBackend) MaxEntryBytes(group PriorityGroup, key string) int64 {
	spec, ok := b.specs[group]
	if !ok {
		return 0
	}
	if spec.Persisted {
		if spec.QuotaBytes > 0 {
			return spec.QuotaBytes
		}
		return UnboundedCapacity
	}
	limit := b.shardBytes[group] - volatileEntryOverhead - int64(len(key))
	if limit > spec.QuotaBytes {
		limit = spec.QuotaBytes
	}
	return limit
}

func (b *BucketedBackend) openVolatile(ctx context.Context, spec BucketSpec) (*bigcache.BigCache, error) {
	cfg := bigcache.DefaultConfig(100 * 365 * 24 * time.Hour)
	cfg.Shards = volatileShards
	cfg.CleanWindow = 0
	cfg.HardMaxCacheSize = volatileHardMaxMB(spec)
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 4096
	cfg.Verbose = false
	cfg.OnRemoveWithReason = func(key string, entry []byte, reason bigcache.RemoveReason) {
		if reason == bigcache.Deleted {
			return
		}
		b.mu.Lock()
		if e, ok := b.index[key]; ok && e.group == spec.Group {
			delete(b.index, key)
		}
		b.mu.Unlock()
		b.metrics.Increment(MetricEvicted, "tier", TierBucketed.String())
		b.logger.Debug("volatile bucket dropped record", "bucket", spec.Group, "key", key, "reason", int(reason))
	}

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Buckets",
			"value":  spec.Group,
			"reason": err.Error(),
		})
	}
	return cache, nil
}

func (b *BucketedBackend) Tier() Tier   { return TierBucketed }
func (b *BucketedBackend) Name() string { return "bucketed" }

// Specs returns the bucket definitions, highest priority first
func (b *BucketedBackend) Specs() []BucketSpec {
	specs := make([]BucketSpec, 0, len(b.specs))
	for _, spec := range b.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Priority > specs[j].Priority })
	return specs
}

// GroupOf reports which bucket currently holds key
func (b *BucketedBackend) GroupOf(key string) (PriorityGroup, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.index[key]
	return e.group, ok
}

func (b *BucketedBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	group := opts.Group
	if group == GroupNone {
		group = GroupCache
	}
	spec, ok := b.specs[group]
	if !ok {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"key":    key,
			"bucket": group,
			"reason": "unknown bucket",
		})
	}

	createdAt := opts.CreatedAtMillis
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	previous, hadPrevious := b.GroupOf(key)

	var err error
	if spec.Persisted {
		err = b.putPersisted(ctx, spec, key, raw, createdAt)
	} else {
		err = b.putVolatile(spec, key, raw)
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.index[key] = bucketEntry{group: group, size: int64(len(raw)), createdAt: createdAt}
	b.mu.Unlock()

	// A key lives in exactly one bucket
	if hadPrevious && previous != group {
		if err := b.removeFrom(ctx, previous, key); err != nil {
			b.logger.Warn("failed to remove previous bucket copy", "key", key, "bucket", previous, "error", err)
		}
	}
	return nil
}

func (b *BucketedBackend) putPersisted(ctx context.Context, spec BucketSpec, key string, raw []byte, createdAt int64) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if spec.QuotaBytes > 0 && int64(len(raw)) > spec.QuotaBytes {
		return tooLarge(key, len(raw), spec.QuotaBytes, "bucket "+string(spec.Group))
	}
	if spec.QuotaBytes > 0 {
		used := b.bucketBytes(spec.Group)
		b.mu.RLock()
		if e, ok := b.index[key]; ok && e.group == spec.Group {
			used -= e.size
		}
		b.mu.RUnlock()
		if used+int64(len(raw)) > spec.QuotaBytes {
			return WithContext(ErrQuotaExceeded, map[string]interface{}{
				"key":      key,
				"bucket":   spec.Group,
				"size":     len(raw),
				"used":     used,
				"capacity": spec.QuotaBytes,
			})
		}
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return bucketDBError(err)
	}
	defer conn.Close()

	mode := "NORMAL"
	if spec.Durability == DurabilityStrict {
		mode = "FULL"
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA synchronous = "+mode); err != nil {
		return bucketDBError(err)
	}

	_, err = conn.ExecContext(ctx,
		`INSERT INTO bucket_records (bucket, key, raw, size, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET raw = excluded.raw, size = excluded.size, created_at = excluded.created_at`,
		string(spec.Group), key, raw, len(raw), createdAt)
	return bucketDBError(err)
}

func (b *BucketedBackend) putVolatile(spec BucketSpec, key string, raw []byte) error {
	// bigcache drops a whole shard's worth of entries before refusing an oversize one
	if limit := b.MaxEntryBytes(spec.Group, key); int64(len(raw)) > limit {
		return tooLarge(key, len(raw), limit, "bucket "+string(spec.Group))
	}
	if err := b.caches[spec.Group].Set(key, raw); err != nil {
		return WithContext(ErrTooLarge, map[string]interface{}{
			"key":    key,
			"bucket": spec.Group,
			"size":   len(raw),
			"error":  err.Error(),
		})
	}
	return nil
}

func (b *BucketedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	group, ok := b.GroupOf(key)
	if !ok {
		return nil, ErrNotFound
	}
	return b.GetIn(ctx, group, key)
}

// GetIn reads key from one bucket only
func (b *BucketedBackend) GetIn(ctx context.Context, group PriorityGroup, key string) ([]byte, error) {
	spec, ok := b.specs[group]
	if !ok {
		return nil, ErrNotFound
	}

	if !spec.Persisted {
		raw, err := b.caches[group].Get(key)
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			b.forget(group, key)
			return nil, ErrNotFound
		}
		return raw, err
	}

	var raw []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT raw FROM bucket_records WHERE bucket = ? AND key = ?`, string(group), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, bucketDBError(err)
	}
	return raw, nil
}

func (b *BucketedBackend) Delete(ctx context.Context, key string) (bool, error) {
	group, ok := b.GroupOf(key)
	if !ok {
		return false, nil
	}
	if err := b.removeFrom(ctx, group, key); err != nil {
		return false, err
	}
	return true, nil
}

func (b *BucketedBackend) removeFrom(ctx context.Context, group PriorityGroup, key string) error {
	spec := b.specs[group]
	if spec.Persisted {
		b.writeMu.Lock()
		_, err := b.db.ExecContext(ctx,
			`DELETE FROM bucket_records WHERE bucket = ? AND key = ?`, string(group), key)
		b.writeMu.Unlock()
		if err != nil {
			return bucketDBError(err)
		}
	} else if cache, ok := b.caches[group]; ok {
		if err := cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return err
		}
	}
	b.forget(group, key)
	return nil
}

// forget drops the index entry only if it still points at group
func (b *BucketedBackend) forget(group PriorityGroup, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.index[key]; ok && e.group == group {
		delete(b.index, key)
	}
}

func (b *BucketedBackend) ListKeys(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	keys := make([]string, 0, len(b.index))
	for k := range b.index {
		keys = append(keys, k)
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// ListKeysIn lists one bucket
func (b *BucketedBackend) ListKeysIn(group PriorityGroup) []string {
	b.mu.RLock()
	var keys []string
	for k, e := range b.index {
		if e.group == group {
			keys = append(keys, k)
		}
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Usage sums all buckets; capacity is bounded only when every bucket has a quota
func (b *BucketedBackend) Usage(ctx context.Context) (Usage, error) {
	var usage Usage
	capacity := int64(0)
	for _, spec := range b.specs {
		if spec.QuotaBytes <= 0 {
			capacity = UnboundedCapacity
			break
		}
		capacity += spec.QuotaBytes
	}

	b.mu.RLock()
	for _, e := range b.index {
		usage.TotalBytes += e.size
		usage.ItemCount++
	}
	b.mu.RUnlock()

	usage.CapacityBytes = capacity
	return usage, nil
}

// BucketUsage reports a single bucket
func (b *BucketedBackend) BucketUsage(group PriorityGroup) Usage {
	usage := Usage{CapacityBytes: UnboundedCapacity}
	if spec, ok := b.specs[group]; ok && spec.QuotaBytes > 0 {
		usage.CapacityBytes = spec.QuotaBytes
	}
	b.mu.RLock()
	for _, e := range b.index {
		if e.group == group {
			usage.TotalBytes += e.size
			usage.ItemCount++
		}
	}
	b.mu.RUnlock()
	return usage
}

func (b *BucketedBackend) bucketBytes(group PriorityGroup) int64 {
	return b.BucketUsage(group).TotalBytes
}

// EvictionCandidate is one record as seen by priority-aware eviction
type EvictionCandidate struct {
	Key       string
	Group     PriorityGroup
	Priority  int
	SizeBytes int64
	CreatedAt time.Time
}

// EvictionOrder lists every record, lowest-priority bucket first and oldest first within a bucket
func (b *BucketedBackend) EvictionOrder() []EvictionCandidate {
	b.mu.RLock()
	candidates := make([]EvictionCandidate, 0, len(b.index))
	for key, e := range b.index {
		candidates = append(candidates, EvictionCandidate{
			Key:       key,
			Group:     e.group,
			Priority:  b.specs[e.group].Priority,
			SizeBytes: e.size,
			CreatedAt: time.UnixMilli(e.createdAt),
		})
	}
	b.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].Key < candidates[j].Key
	})
	return candidates
}

func (b *BucketedBackend) Ping(ctx context.Context) error {
	return bucketDBError(b.db.PingContext(ctx))
}

func (b *BucketedBackend) Close() error {
	var firstErr error
	for _, cache := range b.caches {
		if err := cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func bucketDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return WithContext(ErrBackendUnavailable, map[string]interface{}{
		"backend": "sqlite",
		"error":   err.Error(),
	})
}
