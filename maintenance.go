package tierbase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// KeyAction is what maintenance did with one key
type KeyAction string

const (
	ActionQuarantined KeyAction = "quarantined"
	ActionExpired     KeyAction = "expired"
	ActionEvicted     KeyAction = "evicted"
	ActionFailed      KeyAction = "failed"
)

// KeyResult records a key maintenance touched. Kept keys are not listed.
type KeyResult struct {
	Tier   Tier
	Key    string
	Action KeyAction
	Bytes  int64
	Reason string
	Err    error
}

// TierReport summarizes one tier's sweep
type TierReport struct {
	Tier        Tier
	Scanned     int
	Quarantined int
	Expired     int
	Evicted     int
	Failed      int
	FreedBytes  int64
	Before      Usage
	After       Usage
	Results     []KeyResult
	// Err is set when the tier could not be swept at all
	Err         error
	Interrupted bool
}

func (r *TierReport) record(res KeyResult) {
	r.Results = append(r.Results, res)
	switch res.Action {
	case ActionQuarantined:
		r.Quarantined++
	case ActionExpired:
		r.Expired++
	case ActionEvicted:
		r.Evicted++
	case ActionFailed:
		r.Failed++
		return
	}
	r.FreedBytes += res.Bytes
}

func (r *TierReport) deleted() int {
	return r.Quarantined + r.Expired + r.Evicted
}

// MaintenanceReport is the outcome of one maintenance run
type MaintenanceReport struct {
	RunID       string
	StartedAt   time.Time
	Duration    time.Duration
	Aggressive  bool
	Target      float64
	Interrupted bool
	Tiers       []TierReport
}

func (r *MaintenanceReport) sum(f func(*TierReport) int) int {
	n := 0
	for i := range r.Tiers {
		n += f(&r.Tiers[i])
	}
	return n
}

func (r *MaintenanceReport) Quarantined() int {
	return r.sum(func(t *TierReport) int { return t.Quarantined })
}

func (r *MaintenanceReport) Expired() int {
	return r.sum(func(t *TierReport) int { return t.Expired })
}

func (r *MaintenanceReport) Evicted() int {
	return r.sum(func(t *TierReport) int { return t.Evicted })
}

func (r *MaintenanceReport) Failed() int {
	return r.sum(func(t *TierReport) int { return t.Failed })
}

func (r *MaintenanceReport) FreedBytes() int64 {
	var n int64
	for _, t := range r.Tiers {
		n += t.FreedBytes
	}
	return n
}

// Tier returns the report for one tier
func (r *MaintenanceReport) Tier(tier Tier) (TierReport, bool) {
	for _, t := range r.Tiers {
		if t.Tier == tier {
			return t, true
		}
	}
	return TierReport{}, false
}

// RunMaintenance sweeps every tier: corrupt records are quarantined, expired records
// deleted, and bounded tiers above the usage target are evicted oldest first.
// Aggressive runs evict down to the lower aggressive target.
//
// Runs are spaced by the configured minimum interval; a refused run returns
// ErrMaintenanceThrottled. A canceled ctx stops the sweep between keys and the
// partial report is returned with Interrupted set.
func (m *Manager) RunMaintenance(ctx context.Context, aggressive bool) (*MaintenanceReport, error) {
	if !m.maintMu.TryLock() {
		m.metrics.Increment(MetricMaintenanceSkip)
		return nil, WithContext(ErrMaintenanceThrottled, map[string]interface{}{
			"reason": "a run is already in progress",
		})
	}
	defer m.maintMu.Unlock()

	runID := NewRunID()
	ok, err := m.throttle.Acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.metrics.Increment(MetricMaintenanceSkip)
		return nil, WithContext(ErrMaintenanceThrottled, map[string]interface{}{
			"reason":       "minimum interval not elapsed",
			"min_interval": m.cfg.Maintenance.MinInterval,
		})
	}

	target := m.cfg.Maintenance.TargetUsage
	if aggressive {
		target = m.cfg.Maintenance.AggressiveTarget
	}

	report := &MaintenanceReport{
		RunID:      runID,
		StartedAt:  m.clock.Now(),
		Aggressive: aggressive,
		Target:     target,
		Tiers:      make([]TierReport, len(AllTiers)),
	}
	start := time.Now()
	m.logger.Info("maintenance started", "run_id", runID, "aggressive", aggressive, "target", target)

	// Tiers are independent; a failing tier never stops the others
	var g errgroup.Group
	for i, tier := range AllTiers {
		i, tier := i, tier
		g.Go(func() error {
			report.Tiers[i] = m.sweepTier(ctx, tier, target)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	for _, t := range report.Tiers {
		if t.Interrupted {
			report.Interrupted = true
		}
	}

	m.metrics.Increment(MetricMaintenanceRuns)
	m.metrics.Timing(MetricMaintenanceTime, report.Duration)
	m.logger.Info("maintenance finished",
		"run_id", runID,
		"duration", report.Duration,
		"quarantined", report.Quarantined(),
		"expired", report.Expired(),
		"evicted", report.Evicted(),
		"failed", report.Failed(),
		"freed_bytes", report.FreedBytes(),
		"interrupted", report.Interrupted,
	)
	return report, nil
}

type liveRecord struct {
	key       string
	size      int64
	createdAt time.Time
}

func (m *Manager) sweepTier(ctx context.Context, tier Tier, target float64) TierReport {
	rep := TierReport{Tier: tier}
	backend := m.backends[tier]

	before, err := backend.Usage(ctx)
	if err != nil {
		rep.Err = err
		m.logger.Warn("maintenance skipped tier", "tier", tier.String(), "error", err)
		return rep
	}
	rep.Before = before

	live, err := m.scan(ctx, tier, &rep)
	if err != nil {
		rep.Err = err
		rep.Interrupted = ctx.Err() != nil
		m.logger.Warn("maintenance could not list tier", "tier", tier.String(), "error", err)
		return rep
	}

	if !rep.Interrupted {
		if bb, ok := findBackend[*BucketedBackend](backend); ok {
			m.evictBuckets(ctx, bb, target, &rep)
		} else {
			m.evictOldest(ctx, tier, live, target, 0, &rep)
		}
	}

	if rep.deleted() > 0 {
		if bg, ok := findBackend[*BadgerBackend](backend); ok {
			if err := bg.RunGC(); err != nil {
				m.logger.Warn("badger value log GC failed", "tier", tier.String(), "error", err)
			}
		}
	}

	if after, err := backend.Usage(ctx); err == nil {
		rep.After = after
		m.metrics.Gauge(MetricTierUsage, float64(after.TotalBytes), "tier", tier.String())
		m.metrics.Gauge(MetricTierItems, float64(after.ItemCount), "tier", tier.String())
	}
	return rep
}

// scan reads every record of tier, quarantining corrupt ones and deleting expired
// ones, and returns the survivors. It stops between keys when ctx is canceled.
func (m *Manager) scan(ctx context.Context, tier Tier, rep *TierReport) ([]liveRecord, error) {
	keys, err := m.listKeys(ctx, tier)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	live := make([]liveRecord, 0, len(keys))
	for _, key := range keys {
		if ctx.Err() != nil {
			rep.Interrupted = true
			break
		}
		rep.Scanned++

		raw, err := m.get(ctx, tier, key, GroupNone)
		if err != nil {
			switch {
			case IsNotFound(err):
				// removed since listing
			case errors.Is(err, ErrCorruptRecord):
				m.maintQuarantine(ctx, tier, key, 0, err, rep)
			case ctx.Err() != nil:
				rep.Interrupted = true
			default:
				m.metrics.Increment(MetricMaintenanceError, "tier", tier.String())
				rep.record(KeyResult{Tier: tier, Key: key, Action: ActionFailed, Err: err})
			}
			continue
		}

		rec, err := m.detector.Inspect(raw)
		if err != nil {
			m.maintQuarantine(ctx, tier, key, int64(len(raw)), err, rep)
			continue
		}

		if rec.Expired(now) {
			if _, err := m.delete(ctx, tier, key); err != nil {
				m.metrics.Increment(MetricMaintenanceError, "tier", tier.String())
				rep.record(KeyResult{Tier: tier, Key: key, Action: ActionFailed, Err: err})
				continue
			}
			m.metrics.Increment(MetricExpired, "tier", tier.String())
			rep.record(KeyResult{Tier: tier, Key: key, Action: ActionExpired, Bytes: int64(len(raw))})
			continue
		}

		live = append(live, liveRecord{key: key, size: int64(len(raw)), createdAt: rec.CreatedAt})
	}
	return live, nil
}

func (m *Manager) maintQuarantine(ctx context.Context, tier Tier, key string, size int64, cause error, rep *TierReport) {
	reason := quarantineReason(cause)
	if !m.quarantine(ctx, tier, key, cause) {
		m.metrics.Increment(MetricMaintenanceError, "tier", tier.String())
		rep.record(KeyResult{Tier: tier, Key: key, Action: ActionFailed, Reason: reason, Err: cause})
		return
	}
	rep.record(KeyResult{Tier: tier, Key: key, Action: ActionQuarantined, Bytes: size, Reason: reason})
}

// evictOldest deletes live records oldest first until the tier is at or below
// target of its capacity, leaving room for reserve more bytes. Unbounded tiers are left alone.
func (m *Manager) evictOldest(ctx context.Context, tier Tier, live []liveRecord, target float64, reserve int64, rep *TierReport) {
	usage, err := m.backends[tier].Usage(ctx)
	if err != nil || !usage.Bounded() {
		return
	}
	limit := int64(target*float64(usage.CapacityBytes)) - reserve
	if usage.TotalBytes <= limit {
		return
	}

	sort.Slice(live, func(i, j int) bool {
		if !live[i].createdAt.Equal(live[j].createdAt) {
			return live[i].createdAt.Before(live[j].createdAt)
		}
		return live[i].key < live[j].key
	})

	used := usage.TotalBytes
	for _, rec := range live {
		if used <= limit || ctx.Err() != nil {
			break
		}
		if m.evictKey(ctx, tier, rec.key, rec.size, "usage above target", rep) {
			used -= rec.size
		}
	}
}

// evictBuckets brings every bucket with a quota under target of that quota,
// visiting the lowest-priority buckets first. Buckets without a quota are never evicted.
func (m *Manager) evictBuckets(ctx context.Context, bb *BucketedBackend, target float64, rep *TierReport) {
	specs := bb.Specs()
	for i := len(specs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			rep.Interrupted = true
			return
		}
		m.evictBucket(ctx, bb, specs[i].Group, target, 0, rep)
	}
}

func (m *Manager) evictBucket(ctx context.Context, bb *BucketedBackend, group PriorityGroup, target float64, reserve int64, rep *TierReport) {
	usage := bb.BucketUsage(group)
	if !usage.Bounded() {
		return
	}
	limit := int64(target*float64(usage.CapacityBytes)) - reserve
	used := usage.TotalBytes
	for _, c := range bb.EvictionOrder() {
		if used <= limit || ctx.Err() != nil {
			break
		}
		if c.Group != group {
			continue
		}
		if m.evictKey(ctx, TierBucketed, c.Key, c.SizeBytes, "bucket above quota target", rep) {
			used -= c.SizeBytes
		}
	}
}

func (m *Manager) evictKey(ctx context.Context, tier Tier, key string, size int64, reason string, rep *TierReport) bool {
	if _, err := m.delete(ctx, tier, key); err != nil {
		m.metrics.Increment(MetricMaintenanceError, "tier", tier.String())
		rep.record(KeyResult{Tier: tier, Key: key, Action: ActionFailed, Reason: reason, Err: err})
		return false
	}
	m.metrics.Increment(MetricEvicted, "tier", tier.String())
	m.metrics.Histogram(MetricEvictedBytes, float64(size), "tier", tier.String())
	m.logger.Debug("evicted record", "key", key, "tier", tier.String(), "bytes", size, "reason", reason)
	rep.record(KeyResult{Tier: tier, Key: key, Action: ActionEvicted, Bytes: size, Reason: reason})
	return true
}

// evictForWrite frees space on the write path after a quota rejection.
// Bucketed writes only evict within their own bucket.
func (m *Manager) evictForWrite(ctx context.Context, tier Tier, group PriorityGroup, target float64, needed int64) {
	rep := TierReport{Tier: tier}
	if bb, ok := findBackend[*BucketedBackend](m.backends[tier]); ok {
		if group == GroupNone {
			group = GroupCache
		}
		m.evictBucket(ctx, bb, group, target, needed, &rep)
	} else {
		live, err := m.scan(ctx, tier, &rep)
		if err != nil {
			m.logger.Warn("write-path eviction could not list tier", "tier", tier.String(), "error", err)
			return
		}
		m.evictOldest(ctx, tier, live, target, needed, &rep)
	}
	if rep.deleted() > 0 {
		m.logger.Info("freed space for write",
			"tier", tier.String(),
			"quarantined", rep.Quarantined,
			"expired", rep.Expired,
			"evicted", rep.Evicted,
			"freed_bytes", rep.FreedBytes,
		)
	}
}

// Scheduler runs maintenance on an interval and on demand
type Scheduler struct {
	interval time.Duration
	run      func(ctx context.Context) error
	logger   Logger
	trigger  chan struct{}

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	lastRun  time.Time
	lastErr  error
}

// NewScheduler creates a scheduler calling run every interval
func NewScheduler(interval time.Duration, run func(ctx context.Context) error, logger Logger) *Scheduler {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Scheduler{
		interval: interval,
		run:      run,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins background maintenance until Stop is called or ctx ends
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stopChan, s.done)

	s.logger.Info("maintenance scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.done == done {
				s.running = false
			}
			s.mu.Unlock()
			s.logger.Info("maintenance scheduler stopped", "reason", "context canceled")
			return
		case <-stop:
			s.logger.Info("maintenance scheduler stopped", "reason", "stop requested")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	err := s.run(ctx)
	switch {
	case errors.Is(err, ErrMaintenanceThrottled):
		s.logger.Debug("maintenance run throttled")
		return
	case err != nil:
		s.logger.Error("maintenance run failed", "error", err)
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()
}

// Trigger asks for a run as soon as possible. Requests made while one is pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop halts the scheduler and waits for an in-flight run to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}

// Running reports whether the background loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns when the last non-throttled run finished and its error
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}
