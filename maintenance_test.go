package tierbase

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunMaintenance_SweepsCorruptAndExpired(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	metrics := NewInMemoryMetrics()
	fast := NewMemoryBackend(0)
	m := newTestManager(t, Backends{BoundedFast: fast}, nil, WithClock(clock), WithMetrics(metrics))

	if err := m.Store(ctx, "keep", "v", StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Store(ctx, "old", "v", StoreOptions{TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	fast.SetRaw("bad", []byte("undefined"))
	clock.Advance(2 * time.Minute)

	report, err := m.RunMaintenance(ctx, false)
	if err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	if report.RunID == "" {
		t.Error("report should carry a run ID")
	}

	tier, ok := report.Tier(TierBoundedFast)
	if !ok {
		t.Fatal("missing bounded-fast report")
	}
	if tier.Scanned != 3 || tier.Quarantined != 1 || tier.Expired != 1 || tier.Evicted != 0 {
		t.Errorf("tier report = %+v", tier)
	}
	if report.Quarantined() != 1 || report.Expired() != 1 {
		t.Errorf("totals: quarantined=%d expired=%d", report.Quarantined(), report.Expired())
	}

	actions := map[string]KeyAction{}
	for _, r := range tier.Results {
		actions[r.Key] = r.Action
	}
	want := map[string]KeyAction{"bad": ActionQuarantined, "old": ActionExpired}
	if !reflect.DeepEqual(actions, want) {
		t.Errorf("key results = %v, want %v", actions, want)
	}

	keys, _ := m.ListKeys(ctx)
	if !reflect.DeepEqual(keys, []string{"keep"}) {
		t.Errorf("ListKeys after sweep = %v", keys)
	}
	if metrics.Counter(MetricMaintenanceRuns) != 1 {
		t.Errorf("maintenance runs = %d", metrics.Counter(MetricMaintenanceRuns))
	}
}

func TestRunMaintenance_EvictsOldestToTarget(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	m := newTestManager(t, Backends{BoundedFast: NewMemoryBackend(4096)}, func(c *Config) {
		c.Maintenance.MinInterval = 0
	}, WithClock(clock))

	fast := StoreOptions{Compress: Bool(false), ForceTier: TierBoundedFast}
	for _, key := range []string{"k0", "k1", "k2"} {
		if err := m.Store(ctx, key, sized(1100), fast); err != nil {
			t.Fatalf("Store(%s) failed: %v", key, err)
		}
		clock.Advance(time.Second)
	}

	report, err := m.RunMaintenance(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	tier, _ := report.Tier(TierBoundedFast)
	if tier.Evicted != 1 {
		t.Fatalf("normal run evicted %d, want 1", tier.Evicted)
	}
	if tier.Results[0].Key != "k0" {
		t.Errorf("evicted %s first, want the oldest", tier.Results[0].Key)
	}
	if tier.After.Fraction() > DefaultTargetUsage {
		t.Errorf("usage after run = %.2f, want at most %.2f", tier.After.Fraction(), DefaultTargetUsage)
	}

	report, err = m.RunMaintenance(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	tier, _ = report.Tier(TierBoundedFast)
	if !report.Aggressive || report.Target != DefaultAggressiveTarget {
		t.Errorf("aggressive report = %+v", report)
	}
	if tier.Evicted != 1 || tier.Results[0].Key != "k1" {
		t.Errorf("aggressive run results = %+v", tier.Results)
	}

	keys, _ := m.ListKeys(ctx)
	if !reflect.DeepEqual(keys, []string{"k2"}) {
		t.Errorf("ListKeys = %v", keys)
	}
}

func TestRunMaintenance_BucketQuotas(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	bucketed, err := NewBucketedBackend(ctx, BucketedConfig{
		Path: InMemoryPath,
		Buckets: []BucketSpec{
			{Group: GroupCritical, Priority: 100, Persisted: true, QuotaBytes: 100000},
			{Group: GroupMedia, Priority: 70, Persisted: true, QuotaBytes: 10000},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, Backends{Bucketed: bucketed}, func(c *Config) {
		c.Maintenance.MinInterval = 0
	}, WithClock(clock))

	// Critical records are older, yet only the media bucket is over its target
	for _, key := range []string{"c0", "c1", "c2", "c3", "c4"} {
		if err := m.Store(ctx, key, sized(1600), StoreOptions{Bucket: GroupCritical, Compress: Bool(false)}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
	}
	for _, key := range []string{"m0", "m1", "m2", "m3", "m4"} {
		if err := m.Store(ctx, key, sized(1600), StoreOptions{Bucket: GroupMedia, Compress: Bool(false)}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
	}

	report, err := m.RunMaintenance(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	tier, _ := report.Tier(TierBucketed)
	if tier.Evicted == 0 {
		t.Fatalf("expected evictions, report = %+v", tier)
	}
	if tier.Results[0].Key != "m0" {
		t.Errorf("first eviction = %s, want the oldest media record", tier.Results[0].Key)
	}
	for _, r := range tier.Results {
		if r.Action == ActionEvicted && r.Key[0] == 'c' {
			t.Errorf("critical record %s evicted", r.Key)
		}
	}
	if media := bucketed.BucketUsage(GroupMedia); media.Fraction() > DefaultAggressiveTarget {
		t.Errorf("media bucket after aggressive run = %.2f", media.Fraction())
	}
	if got := len(bucketed.ListKeysIn(GroupCritical)); got != 5 {
		t.Errorf("critical bucket holds %d records, want 5", got)
	}
}

func TestRunMaintenance_Throttled(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	metrics := NewInMemoryMetrics()
	m := newTestManager(t, Backends{BoundedFast: NewMemoryBackend(0)}, nil, WithClock(clock), WithMetrics(metrics))

	if _, err := m.RunMaintenance(ctx, false); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := m.RunMaintenance(ctx, true); !errors.Is(err, ErrMaintenanceThrottled) {
		t.Errorf("second run error = %v, want ErrMaintenanceThrottled", err)
	}
	if metrics.Counter(MetricMaintenanceSkip) != 1 {
		t.Errorf("throttled counter = %d", metrics.Counter(MetricMaintenanceSkip))
	}

	clock.Advance(DefaultMinMaintenanceInterval)
	if _, err := m.RunMaintenance(ctx, false); err != nil {
		t.Errorf("run after the minimum interval failed: %v", err)
	}
}

func TestRunMaintenance_Interrupted(t *testing.T) {
	clock := newManualClock()
	fast := NewMemoryBackend(0)
	m := newTestManager(t, Backends{BoundedFast: fast}, nil, WithClock(clock))

	for _, key := range []string{"a", "b", "c"} {
		if err := m.Store(context.Background(), key, key, StoreOptions{TTL: time.Second}); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := m.RunMaintenance(ctx, false)
	if err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	if !report.Interrupted {
		t.Error("report should be marked interrupted")
	}
	if keys, _ := fast.ListKeys(context.Background()); len(keys) != 3 {
		t.Errorf("canceled sweep should not have deleted anything, left %v", keys)
	}
}

// failingGetBackend fails reads of one key so a sweep has a per-key failure to report
type failingGetBackend struct {
	*MemoryBackend
	failKey string
}

func (b *failingGetBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if key == b.failKey {
		return nil, errors.New("disk read error")
	}
	return b.MemoryBackend.Get(ctx, key)
}

func TestRunMaintenance_KeyFailureDoesNotAbortSweep(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	metrics := NewInMemoryMetrics()
	fast := &failingGetBackend{MemoryBackend: NewMemoryBackend(0), failKey: "a"}
	m := newTestManager(t, Backends{BoundedFast: fast}, nil, WithClock(clock), WithMetrics(metrics))

	for _, key := range []string{"a", "b"} {
		if err := m.Store(ctx, key, key, StoreOptions{TTL: time.Second}); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(time.Minute)

	report, err := m.RunMaintenance(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	tier, _ := report.Tier(TierBoundedFast)
	if tier.Failed != 1 || tier.Expired != 1 {
		t.Errorf("tier report = %+v", tier)
	}
	if metrics.Counter(MetricMaintenanceError) != 1 {
		t.Errorf("maintenance errors = %d", metrics.Counter(MetricMaintenanceError))
	}
}

func TestScheduler(t *testing.T) {
	var runs atomic.Int32
	ran := make(chan struct{}, 10)
	s := NewScheduler(time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		ran <- struct{}{}
		return nil
	}, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrSchedulerRunning) {
		t.Errorf("second Start error = %v", err)
	}
	if !s.Running() {
		t.Error("scheduler should report running")
	}

	s.Trigger()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered run did not happen")
	}

	s.Stop()
	s.Stop()
	if last, err := s.LastRun(); last.IsZero() || err != nil {
		t.Errorf("LastRun = %v, %v", last, err)
	}
	if s.Running() {
		t.Error("scheduler still running after Stop")
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	s.Stop()
}

func TestScheduler_Interval(t *testing.T) {
	ran := make(chan struct{}, 100)
	s := NewScheduler(10*time.Millisecond, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatalf("interval run %d did not happen", i+1)
		}
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Running() {
		t.Error("scheduler should stop when its context ends")
	}
	s.Stop()
}

func TestScheduler_ThrottledRunsAreNotRecorded(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := NewScheduler(time.Hour, func(ctx context.Context) error {
		defer func() { ran <- struct{}{} }()
		return ErrMaintenanceThrottled
	}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	s.Trigger()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered run did not happen")
	}
	s.Stop()
	if last, _ := s.LastRun(); !last.IsZero() {
		t.Errorf("throttled run recorded at %v", last)
	}
}

func TestManager_StartMaintenance(t *testing.T) {
	m := newTestManager(t, Backends{BoundedFast: NewMemoryBackend(0)}, func(c *Config) {
		c.Maintenance.Enabled = false
	})
	if err := m.StartMaintenance(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Scheduler().Running() {
		t.Error("disabled maintenance should not start the scheduler")
	}

	m2 := newTestManager(t, Backends{BoundedFast: NewMemoryBackend(0)}, nil)
	if err := m2.StartMaintenance(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m2.Scheduler().Running() {
		t.Error("scheduler should be running")
	}
	// Close stops it
}
