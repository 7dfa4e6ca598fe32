package tierbase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// StoreOptions control how Store persists a value
type StoreOptions struct {
	// Compress defaults to true; the encoded form is kept only when it is smaller
	Compress *bool
	// TTL of zero means the record never expires
	TTL      time.Duration
	Priority Priority
	// Bucket classifies the value for the bucketed tier and takes precedence over everything else
	Bucket    PriorityGroup
	ForceTier Tier
	// MediaKind is the caller's classification; when unset the key, MIMEType and content are sniffed
	MediaKind MediaKind
	MIMEType  string
}

func (o StoreOptions) compress() bool {
	return o.Compress == nil || *o.Compress
}

// Bool returns a pointer to b, for StoreOptions.Compress
func Bool(b bool) *bool {
	return &b
}

// RetrieveOptions control lookup
type RetrieveOptions struct {
	// Bucket hints which bucket of the bucketed tier to read first
	Bucket PriorityGroup
}

// Backends are the adapters a Manager composes. A nil entry becomes a NoopBackend.
type Backends struct {
	BoundedFast Backend
	Indexed     Backend
	Bucketed    Backend
}

// UsageReport aggregates usage across tiers
type UsageReport struct {
	TotalSize int64
	ItemCount int64
	// UsagePercentage covers the tiers that have a capacity; 0 when none do
	UsagePercentage float64
	Tiers           map[Tier]Usage
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

func WithLogger(logger Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces the wall clock used for createdAt, expiry and throttling
func WithClock(clock Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithThrottle replaces the in-process maintenance throttle, e.g. with a RedisThrottle
func WithThrottle(throttle Throttle) ManagerOption {
	return func(m *Manager) { m.throttle = throttle }
}

// WithMediaReducer replaces the ffmpeg reducer
func WithMediaReducer(reducer MediaReducer) ManagerOption {
	return func(m *Manager) { m.reducer = reducer }
}

// Manager is the storage orchestrator. It owns placement, compression, corruption
// quarantine, the quota retry loop and maintenance for three backend tiers.
type Manager struct {
	cfg       Config
	backends  map[Tier]Backend
	breakers  map[Tier]*CircuitBreaker
	codec     *Codec
	detector  *Detector
	placement *Placement
	media     *mediaStage
	memo      *ReductionMemo
	reducer   MediaReducer
	scheduler *Scheduler
	throttle  Throttle
	clock     Clock
	logger    Logger
	metrics   Metrics

	// held for the duration of a maintenance run so two runs never overlap in this process
	maintMu sync.Mutex
}

// NewManager composes the given backends under cfg
func NewManager(cfg Config, backends Backends, opts ...ManagerOption) (*Manager, error) {
	validators := []func() error{
		cfg.Placement.Validate,
		cfg.Retry.Validate,
		cfg.Maintenance.Validate,
		cfg.Codec.Validate,
		cfg.Media.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return nil, err
		}
	}

	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		backends:  make(map[Tier]Backend, len(AllTiers)),
		breakers:  make(map[Tier]*CircuitBreaker, len(AllTiers)),
		codec:     codec,
		detector:  NewDetector(cfg.Corruption.Signatures),
		placement: NewPlacement(cfg.Placement),
		clock:     SystemClock{},
		logger:    &NoOpLogger{},
		metrics:   &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}

	given := map[Tier]Backend{
		TierBoundedFast:      backends.BoundedFast,
		TierUnboundedIndexed: backends.Indexed,
		TierBucketed:         backends.Bucketed,
	}
	for _, tier := range AllTiers {
		b := given[tier]
		if b == nil {
			b = NewNoopBackend(tier)
		}
		m.backends[tier] = b
		m.breakers[tier] = m.newBreaker(tier)
	}

	if m.throttle == nil {
		m.throttle = NewLocalThrottle(cfg.Maintenance.MinInterval, m.clock)
	}

	if err := m.initMedia(); err != nil {
		codec.Close()
		return nil, err
	}

	m.scheduler = NewScheduler(cfg.Maintenance.Interval, func(ctx context.Context) error {
		_, err := m.RunMaintenance(ctx, false)
		return err
	}, m.logger)

	return m, nil
}

func (m *Manager) newBreaker(tier Tier) *CircuitBreaker {
	return NewCircuitBreaker(DefaultBreakerFailures, DefaultBreakerReset).
		WithStateChangeCallback(func(from, to BreakerState) {
			m.logger.Warn("tier circuit breaker changed state", "tier", tier.String(), "from", string(from), "to", string(to))
			if to == BreakerOpen {
				m.metrics.Increment(MetricBreakerOpen, "tier", tier.String())
			}
		})
}

func (m *Manager) initMedia() error {
	m.media = &mediaStage{enabled: m.cfg.Media.Reduce, logger: m.logger, metrics: m.metrics}
	if !m.cfg.Media.Reduce {
		return nil
	}

	if m.reducer == nil {
		ff := NewFFmpegReducer(m.cfg.Media.FFmpegPath)
		if !ff.Available() {
			m.logger.Info("ffmpeg not found, video size reduction disabled", "path", ff.Path)
			m.media.enabled = false
			return nil
		}
		m.reducer = ff
	}

	memo, err := NewReductionMemo(context.Background(), m.cfg.Media.MemoTTL, m.cfg.Media.MemoMaxSizeMB)
	if err != nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Media",
			"reason": err.Error(),
		})
	}
	m.memo = memo
	m.media.reducer = m.reducer
	m.media.memo = memo
	m.media.profile = ReductionProfiles[m.cfg.Media.Profile]
	return nil
}

// OpenManager builds every backend named in cfg and composes them.
// A backend that cannot be opened is replaced by a NoopBackend and logged,
// so a missing tier degrades the engine instead of stopping it.
func OpenManager(ctx context.Context, cfg Config, logger Logger, metrics Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	open := func(tier Tier, bc BackendConfig) Backend {
		b, err := OpenBackend(ctx, tier, bc, logger)
		if err != nil {
			logger.Error("backend unavailable, tier disabled", "tier", tier.String(), "type", bc.Type, "error", err)
			return NewNoopBackend(tier)
		}
		if err := b.Ping(ctx); err != nil && !errors.Is(err, ErrBackendUnavailable) {
			logger.Warn("backend ping failed", "tier", tier.String(), "type", bc.Type, "error", err)
		}
		return b
	}

	backends := Backends{
		BoundedFast: open(TierBoundedFast, cfg.Backends.BoundedFast),
		Indexed:     open(TierUnboundedIndexed, cfg.Backends.Indexed),
		Bucketed:    open(TierBucketed, cfg.Backends.Bucketed),
	}

	opts := []ManagerOption{WithLogger(logger), WithMetrics(metrics)}
	if rb, ok := findBackend[*RedisBackend](backends.BoundedFast); ok {
		opts = append(opts, WithThrottle(NewRedisThrottle(rb.Client(), cfg.Maintenance.LockKey, cfg.Maintenance.MinInterval)))
	}
	return NewManager(cfg, backends, opts...)
}

// findBackend walks wrapper chains (encryption, capacity) looking for a concrete adapter
func findBackend[T Backend](b Backend) (T, bool) {
	for b != nil {
		if t, ok := b.(T); ok {
			return t, true
		}
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			break
		}
		b = u.Unwrap()
	}
	var zero T
	return zero, false
}

// Backend returns the adapter serving tier
func (m *Manager) Backend(tier Tier) Backend {
	return m.backends[tier]
}

// Scheduler returns the background maintenance scheduler
func (m *Manager) Scheduler() *Scheduler {
	return m.scheduler
}

// StartMaintenance starts the background scheduler when maintenance is enabled
func (m *Manager) StartMaintenance(ctx context.Context) error {
	if !m.cfg.Maintenance.Enabled {
		return nil
	}
	return m.scheduler.Start(ctx)
}

// Store persists value under key. A nil error means the value is durably in exactly one tier.
func (m *Manager) Store(ctx context.Context, key string, value any, opts StoreOptions) error {
	start := time.Now()
	defer func() { m.metrics.Timing(MetricStoreDuration, time.Since(start)) }()

	if key == "" {
		return ErrInvalidKey
	}

	rec, err := m.buildRecord(ctx, key, value, opts)
	if err != nil {
		m.metrics.Increment(MetricStoreError)
		return err
	}

	primary := m.placement.Choose(rec.SizeBytes, opts, m.boundedUsage(ctx))
	putOpts := PutOptions{Group: rec.Group, CreatedAtMillis: rec.CreatedAt.UnixMilli()}

	var spaceErr, lastErr error
	for i, tier := range m.placement.Candidates(primary) {
		if i > 0 {
			m.metrics.Increment(MetricStoreFallback, "from", primary.String(), "to", tier.String())
			m.logger.Info("falling back to next tier", "key", key, "from", primary.String(), "to", tier.String(), "error", lastErr)
		}

		rec.Tier = tier
		raw, err := MarshalRecord(rec)
		if err != nil {
			m.metrics.Increment(MetricStoreError)
			return err
		}

		err = m.writeWithRetry(ctx, tier, key, raw, putOpts)
		if err == nil {
			m.dropOtherCopies(ctx, key, tier)
			m.metrics.Increment(MetricStoreSuccess, "tier", tier.String())
			m.metrics.Histogram(MetricRecordBytes, float64(len(raw)), "tier", tier.String())
			m.logger.Debug("stored record", "key", key, "tier", tier.String(), "size", rec.SizeBytes, "compressed", rec.Compressed)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.metrics.Increment(MetricStoreError)
			return ctxErr
		}
		switch {
		case errors.Is(err, ErrInsufficientSpace):
			spaceErr = err
		case IsTooLarge(err) && spaceErr == nil:
			spaceErr = WithContext(ErrInsufficientSpace, map[string]interface{}{
				"key":    key,
				"tier":   tier.String(),
				"size":   len(raw),
				"reason": errString(err),
			})
		}
		lastErr = err
		m.logger.Warn("tier write failed", "key", key, "tier", tier.String(), "error", err)
	}

	m.metrics.Increment(MetricStoreError)
	if spaceErr != nil {
		return spaceErr
	}
	return WithContext(ErrBackendUnavailable, map[string]interface{}{
		"key":    key,
		"reason": "every candidate tier failed",
		"error":  errString(lastErr),
	})
}

func (m *Manager) buildRecord(ctx context.Context, key string, value any, opts StoreOptions) (*StoredRecord, error) {
	if opts.TTL < 0 {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":    key,
			"field":  "TTL",
			"reason": "must not be negative",
		})
	}
	// Records carry TTL in whole milliseconds; anything shorter would be stored as no expiry
	if opts.TTL > 0 && opts.TTL < time.Millisecond {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":    key,
			"field":  "TTL",
			"value":  opts.TTL.String(),
			"reason": "must be at least 1ms",
		})
	}
	if _, err := ParsePriorityGroup(string(opts.Bucket)); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":    key,
			"field":  "Bucket",
			"value":  opts.Bucket,
			"reason": "unknown priority group",
		})
	}

	rec := &StoredRecord{
		Key:       key,
		CreatedAt: m.clock.Now(),
		TTL:       opts.TTL,
		Group:     opts.Bucket,
		Media:     opts.MediaKind,
	}

	switch v := value.(type) {
	case []byte:
		rec.Kind = KindBinary
		if rec.Media == MediaUnknown {
			rec.Media = SniffMediaKind(key, opts.MIMEType, v)
		}
		rec.Payload = v
		if rec.Media == MediaVideo {
			rec.Payload = m.media.apply(ctx, key, v)
		}
	default:
		serialized, err := json.Marshal(value)
		if err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"key":    key,
				"reason": err.Error(),
			})
		}
		rec.Kind = KindJSON
		rec.Payload = serialized
		if rec.Media == MediaUnknown {
			rec.Media = SniffMediaKind(key, opts.MIMEType, nil)
		}
	}

	if opts.compress() {
		encoded, err := m.codec.Encode(rec.Payload)
		switch {
		case err != nil:
			m.metrics.Increment(MetricEncodeSkipped)
			m.logger.Debug("value not compressed", "key", key, "error", err)
		case len(encoded) < len(rec.Payload):
			rec.Payload = []byte(encoded)
			rec.Compressed = true
			m.metrics.Increment(MetricCompressed)
		default:
			m.metrics.Increment(MetricEncodeSkipped)
		}
	}

	rec.SizeBytes = int64(len(rec.Payload))
	return rec, nil
}

func (m *Manager) boundedUsage(ctx context.Context) Usage {
	usage, err := m.backends[TierBoundedFast].Usage(ctx)
	if err != nil {
		return Usage{CapacityBytes: UnboundedCapacity}
	}
	return usage
}

// writeWithRetry is the per-tier quota loop: write, and on a full tier evict and
// retry with a linearly growing delay; after the last attempt evict down to the
// emergency target and try once more.
func (m *Manager) writeWithRetry(ctx context.Context, tier Tier, key string, raw []byte, opts PutOptions) error {
	needed := int64(len(raw))
	attempts := m.cfg.Retry.MaxAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		err := m.put(ctx, tier, key, raw, opts)
		if err == nil || !IsQuotaExceeded(err) {
			return err
		}
		// Nothing evicted would make room for a record larger than the whole tier
		if capacity := m.tierCapacity(ctx, tier); capacity > 0 && needed > capacity {
			return tooLarge(key, len(raw), capacity, tier.String())
		}

		m.metrics.Increment(MetricStoreRetry, "tier", tier.String())
		m.logger.Debug("tier full, evicting before retry", "key", key, "tier", tier.String(), "attempt", attempt)
		m.evictForWrite(ctx, tier, opts.Group, m.cfg.Maintenance.TargetUsage, needed)
		m.scheduler.Trigger()

		if attempt < attempts {
			if err := sleepCtx(ctx, m.cfg.Retry.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	m.metrics.Increment(MetricEmergencyEvict, "tier", tier.String())
	m.logger.Warn("tier still full after retries, emergency eviction", "key", key, "tier", tier.String())
	m.evictForWrite(ctx, tier, opts.Group, m.cfg.Maintenance.EmergencyTarget, needed)

	err := m.put(ctx, tier, key, raw, opts)
	if IsQuotaExceeded(err) {
		return WithContext(ErrInsufficientSpace, map[string]interface{}{
			"key":      key,
			"tier":     tier.String(),
			"size":     needed,
			"attempts": attempts + 1,
		})
	}
	return err
}

// tierCapacity is the tier's total capacity, or zero when it is unbounded or unknown
func (m *Manager) tierCapacity(ctx context.Context, tier Tier) int64 {
	usage, err := m.backends[tier].Usage(ctx)
	if err != nil || !usage.Bounded() {
		return 0
	}
	return usage.CapacityBytes
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dropOtherCopies keeps the one-copy-per-key invariant after a successful write
func (m *Manager) dropOtherCopies(ctx context.Context, key string, keep Tier) {
	for _, tier := range AllTiers {
		if tier == keep {
			continue
		}
		if _, err := m.delete(ctx, tier, key); err != nil {
			m.logger.Warn("failed to remove stale copy", "key", key, "tier", tier.String(), "error", err)
		}
	}
}

// Retrieve returns the stored value: []byte for binary values, otherwise the generic JSON
// decoding. Missing, expired and corrupt records all report (nil, false, nil).
func (m *Manager) Retrieve(ctx context.Context, key string, opts RetrieveOptions) (any, bool, error) {
	start := time.Now()
	defer func() { m.metrics.Timing(MetricRetrieveDuration, time.Since(start)) }()

	rec, ok, err := m.Lookup(ctx, key, opts)
	if err != nil || !ok {
		return nil, false, err
	}

	payload, err := m.payloadBytes(rec)
	if err != nil {
		m.quarantine(ctx, rec.Tier, key, err)
		return nil, false, nil
	}
	if rec.Kind == KindBinary {
		return payload, true, nil
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		m.quarantine(ctx, rec.Tier, key, corrupt("payload does not decode: "+err.Error()))
		return nil, false, nil
	}
	return value, true, nil
}

// RetrieveInto decodes the stored value into dest. A binary value requires dest to be *[]byte.
// A value that is well-formed but does not fit dest returns ErrDecode and is left in place.
func (m *Manager) RetrieveInto(ctx context.Context, key string, dest any, opts RetrieveOptions) (bool, error) {
	rec, ok, err := m.Lookup(ctx, key, opts)
	if err != nil || !ok {
		return false, err
	}

	payload, err := m.payloadBytes(rec)
	if err != nil {
		m.quarantine(ctx, rec.Tier, key, err)
		return false, nil
	}

	if rec.Kind == KindBinary {
		bp, ok := dest.(*[]byte)
		if !ok {
			return false, WithContext(ErrDecode, map[string]interface{}{
				"key":    key,
				"reason": "binary value needs a *[]byte destination",
			})
		}
		*bp = payload
		return true, nil
	}

	if !json.Valid(payload) {
		m.quarantine(ctx, rec.Tier, key, corrupt("payload is not valid JSON"))
		return false, nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, WithContext(ErrDecode, map[string]interface{}{
			"key":    key,
			"reason": err.Error(),
		})
	}
	return true, nil
}

// Lookup finds the live record for key. Corrupt and expired records found on the
// way are deleted and reported as absent.
func (m *Manager) Lookup(ctx context.Context, key string, opts RetrieveOptions) (*StoredRecord, bool, error) {
	if key == "" {
		return nil, false, ErrInvalidKey
	}

	tiers := AllTiers
	if opts.Bucket != GroupNone {
		tiers = []Tier{TierBucketed, TierBoundedFast, TierUnboundedIndexed}
	}

	unavailable := 0
	var lastErr error
	for _, tier := range tiers {
		raw, err := m.get(ctx, tier, key, opts.Bucket)
		switch {
		case err == nil:
		case IsNotFound(err):
			continue
		case errors.Is(err, ErrCorruptRecord):
			m.quarantine(ctx, tier, key, err)
			m.metrics.Increment(MetricRetrieveMiss)
			return nil, false, nil
		case ctx.Err() != nil:
			return nil, false, ctx.Err()
		default:
			unavailable++
			lastErr = err
			m.logger.Warn("tier read failed", "key", key, "tier", tier.String(), "error", err)
			continue
		}

		rec, err := m.detector.Inspect(raw)
		if err != nil {
			m.quarantine(ctx, tier, key, err)
			m.metrics.Increment(MetricRetrieveMiss)
			return nil, false, nil
		}
		rec.Tier = tier

		if rec.Expired(m.clock.Now()) {
			if _, err := m.delete(ctx, tier, key); err != nil {
				m.logger.Warn("failed to delete expired record", "key", key, "tier", tier.String(), "error", err)
			}
			m.metrics.Increment(MetricExpired, "tier", tier.String())
			m.metrics.Increment(MetricRetrieveMiss)
			return nil, false, nil
		}

		m.metrics.Increment(MetricRetrieveHit, "tier", tier.String())
		return rec, true, nil
	}

	m.metrics.Increment(MetricRetrieveMiss)
	if unavailable == len(tiers) {
		return nil, false, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":    key,
			"reason": "no tier could be read",
			"error":  errString(lastErr),
		})
	}
	return nil, false, nil
}

// payloadBytes undoes compression. A compressed payload that no decoding path
// accepts is corruption for binary values; JSON values get one more chance as raw text.
func (m *Manager) payloadBytes(rec *StoredRecord) ([]byte, error) {
	if !rec.Compressed {
		return rec.Payload, nil
	}
	out, ok := m.codec.DecodeLenient(string(rec.Payload))
	if !ok && rec.Kind == KindBinary {
		return nil, corrupt("compressed binary payload does not decode")
	}
	return out, nil
}

// quarantine deletes a record that failed validation
func (m *Manager) quarantine(ctx context.Context, tier Tier, key string, cause error) bool {
	reason := quarantineReason(cause)
	if _, err := m.delete(ctx, tier, key); err != nil {
		m.logger.Error("failed to quarantine corrupt record", "key", key, "tier", tier.String(), "reason", reason, "error", err)
		return false
	}
	m.metrics.Increment(MetricQuarantined, "tier", tier.String())
	m.logger.Warn("quarantined corrupt record", "key", key, "tier", tier.String(), "reason", reason)
	return true
}

// Remove deletes key from every tier. Removing an absent key is not an error.
func (m *Manager) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	for _, tier := range AllTiers {
		deleted, err := m.delete(ctx, tier, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("remove failed on tier", "key", key, "tier", tier.String(), "error", err)
			continue
		}
		if deleted {
			m.logger.Debug("removed record", "key", key, "tier", tier.String())
		}
	}
	m.metrics.Increment(MetricRemoveSuccess)
	return nil
}

// ListKeys returns the sorted union of keys across tiers
func (m *Manager) ListKeys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	failures := 0
	var lastErr error

	for _, tier := range AllTiers {
		keys, err := m.listKeys(ctx, tier)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			lastErr = err
			m.logger.Warn("listing failed on tier", "tier", tier.String(), "error", err)
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	if failures == len(AllTiers) {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"reason": "no tier could be listed",
			"error":  errString(lastErr),
		})
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Usage aggregates usage across tiers. A tier that cannot report is left out of the totals.
func (m *Manager) Usage(ctx context.Context) (*UsageReport, error) {
	report := &UsageReport{Tiers: make(map[Tier]Usage, len(AllTiers))}
	var boundedUsed, boundedCap int64

	for _, tier := range AllTiers {
		usage, err := m.backends[tier].Usage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("usage failed on tier", "tier", tier.String(), "error", err)
			continue
		}
		report.Tiers[tier] = usage
		report.TotalSize += usage.TotalBytes
		report.ItemCount += usage.ItemCount
		if usage.Bounded() {
			boundedUsed += usage.TotalBytes
			boundedCap += usage.CapacityBytes
		}
		m.metrics.Gauge(MetricTierUsage, float64(usage.TotalBytes), "tier", tier.String())
		m.metrics.Gauge(MetricTierItems, float64(usage.ItemCount), "tier", tier.String())
	}

	if boundedCap > 0 {
		report.UsagePercentage = float64(boundedUsed) / float64(boundedCap) * 100
	}
	return report, nil
}

// Close stops the scheduler and releases every backend
func (m *Manager) Close() error {
	m.scheduler.Stop()

	var errs []error
	for _, tier := range AllTiers {
		if err := m.backends[tier].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.memo != nil {
		if err := m.memo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.codec.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tier-level calls go through the tier's circuit breaker and are measured

func (m *Manager) put(ctx context.Context, tier Tier, key string, raw []byte, opts PutOptions) error {
	start := time.Now()
	err := m.breakers[tier].Execute(ctx, func() error {
		return m.backends[tier].Put(ctx, key, raw, opts)
	})
	m.observe("put", tier, start, err)
	return err
}

func (m *Manager) get(ctx context.Context, tier Tier, key string, group PriorityGroup) ([]byte, error) {
	start := time.Now()
	var raw []byte
	err := m.breakers[tier].Execute(ctx, func() error {
		var err error
		if bb, ok := m.backends[tier].(*BucketedBackend); ok && group != GroupNone {
			raw, err = bb.GetIn(ctx, group, key)
			if !IsNotFound(err) {
				return err
			}
		}
		raw, err = m.backends[tier].Get(ctx, key)
		return err
	})
	m.observe("get", tier, start, err)
	return raw, err
}

func (m *Manager) delete(ctx context.Context, tier Tier, key string) (bool, error) {
	start := time.Now()
	var deleted bool
	err := m.breakers[tier].Execute(ctx, func() error {
		var err error
		deleted, err = m.backends[tier].Delete(ctx, key)
		return err
	})
	m.observe("delete", tier, start, err)
	return deleted, err
}

func (m *Manager) listKeys(ctx context.Context, tier Tier) ([]string, error) {
	start := time.Now()
	var keys []string
	err := m.breakers[tier].Execute(ctx, func() error {
		var err error
		keys, err = m.backends[tier].ListKeys(ctx)
		return err
	})
	m.observe("list", tier, start, err)
	return keys, err
}

func (m *Manager) observe(op string, tier Tier, start time.Time, err error) {
	m.metrics.Increment(MetricTierOps, "operation", op, "tier", tier.String())
	m.metrics.Histogram(MetricTierLatency, time.Since(start).Seconds(), "operation", op, "tier", tier.String())
	if err != nil && !IsNotFound(err) {
		m.metrics.Increment(MetricTierErrors, "operation", op, "tier", tier.String(), "error_type", errorType(err))
	}
}

func errorType(err error) string {
	switch {
	case IsQuotaExceeded(err):
		return "quota"
	case errors.Is(err, ErrCorruptRecord):
		return "corrupt"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case IsUnavailable(err):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
