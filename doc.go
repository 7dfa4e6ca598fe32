// Package tierbase is a tiered key/value storage engine. Values are placed across a bounded
// fast tier, an unbounded indexed tier and a bucketed priority tier, and a background
// maintenance pass keeps the bounded tiers under their quotas.
//
// # Overview
//
// A Manager hides the tiers behind four calls: Store, Retrieve, Remove and Usage. It provides:
//
//   - Placement of each value in exactly one tier, by size, kind and fill level
//   - Optional compression (zstd, lz4 or snappy) kept only when it saves space
//   - Retry with eviction when a tier reports its quota exceeded
//   - TTL expiry, checked on read and swept by maintenance
//   - Quarantine of corrupt records instead of surfacing garbage
//   - Priority buckets (critical, media, session, logs, cache) with per-bucket quotas
//   - Optional video size reduction through ffmpeg before storage
//   - Circuit breakers per tier so a dead tier degrades to the others
//   - Observability through the Logger and Metrics interfaces (zap and Prometheus adapters)
//
// # Quick Start
//
// In-process setup, no external services:
//
//	cfg := tierbase.DefaultConfig()
//	indexed, _ := tierbase.NewBadgerBackend("./data/indexed", nil)
//	bucketed, _ := tierbase.NewBucketedBackend(ctx, tierbase.BucketedConfig{Path: "./data/buckets.db"})
//
//	m, err := tierbase.NewManager(cfg, tierbase.Backends{
//	    BoundedFast: tierbase.NewMemoryBackend(cfg.Backends.BoundedFast.CapacityBytes),
//	    Indexed:     indexed,
//	    Bucketed:    bucketed,
//	})
//	defer m.Close()
//
//	m.Store(ctx, "settings/user-1", map[string]any{"theme": "dark"}, tierbase.StoreOptions{})
//
//	var settings Settings
//	ok, err := m.RetrieveInto(ctx, "settings/user-1", &settings, tierbase.RetrieveOptions{})
//
// Production setup from a YAML file, with Redis as the fast tier and S3 as the indexed tier:
//
//	cfg, err := tierbase.LoadConfig("/etc/tierbase/tierbase.yaml")
//	logger, _ := tierbase.NewFileZapLogger(cfg.Log)
//	metrics := tierbase.NewPrometheusMetrics(registry)
//
//	m, err := tierbase.OpenManager(ctx, cfg, logger, metrics)
//	m.StartMaintenance(ctx)
//
// # Core Concepts
//
// Backend: one storage medium serving one tier. Adapters exist for memory, Redis, badger,
// the filesystem, S3, MinIO, GCS and the SQLite/bigcache bucketed store. Wrappers add a
// soft capacity (WithCapacity) or AES-GCM encryption (NewEncryptedBackend).
//
// StoredRecord: the unit of persistence. It carries the payload plus kind, compression flag,
// creation time, TTL, tier, priority group and media kind, serialized as one JSON document.
//
// Placement: a pure decision from value size, kind, caller hints and bounded-tier fill level
// to an ordered list of candidate tiers. Store writes to the first candidate that accepts.
//
// Maintenance: a sweep over every tier that quarantines corrupt records, deletes expired
// ones and evicts oldest-first (lowest bucket priority first on the bucketed tier) until
// usage is back under target. Runs are throttled so that at most one runs per MinInterval,
// across processes when the fast tier is Redis.
//
// # Space Pressure
//
// When a tier refuses a write for quota, Store evicts from that tier down to the normal
// target, waits BaseDelay*attempt and retries, up to MaxAttempts. A final emergency
// eviction down to EmergencyTarget precedes the last try; if that also fails Store
// returns ErrInsufficientSpace. A record larger than a tier could ever hold (ErrTooLarge)
// evicts nothing and goes straight to the next candidate tier.
//
// # Corruption
//
// Records that fail to parse, carry a known corruption signature (for example the text
// "[object Object]") or whose compressed payload does not decode are deleted on sight,
// both by Retrieve and by maintenance. A quarantined read is reported as a miss.
//
// # Error Handling
//
// Errors wrap sentinels with context via WithContext; use errors.Is or the helpers:
//
//	if tierbase.IsNotFound(err) { ... }
//	if tierbase.IsQuotaExceeded(err) { ... }
//	if tierbase.IsUnavailable(err) { ... }
//	if errors.Is(err, tierbase.ErrInsufficientSpace) { ... }
//
// # Observability
//
// Logging goes through the Logger interface; NewProductionZapLogger and NewFileZapLogger
// (size-rotated via lumberjack) are the usual choices. Metrics go through the Metrics
// interface; PrometheusMetrics registers the tierbase_* series and InMemoryMetrics is
// meant for tests.
//
// # Configuration
//
// Config groups placement, retry, maintenance, codec, corruption, media, backend and log
// settings. LoadConfig reads YAML over DefaultConfig and then applies TIERBASE_* environment
// overrides; every section validates itself.
//
// The cmd/tierbase binary serves the Manager over HTTP (internal/httpapi) and exposes
// one-shot put, get, rm, ls, usage and maintain commands.
package tierbase
