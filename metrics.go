package tierbase

import (
	"sync"
	"time"
)

// Metrics provides observability for tierbase operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing.
// Safe for concurrent use because the maintenance scheduler reports from its own goroutine.
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Common metric names
const (
	MetricStoreSuccess     = "tierbase.store.success"
	MetricStoreError       = "tierbase.store.error"
	MetricStoreDuration    = "tierbase.store.duration"
	MetricStoreFallback    = "tierbase.store.fallback"
	MetricStoreRetry       = "tierbase.store.retry"
	MetricRetrieveHit      = "tierbase.retrieve.hit"
	MetricRetrieveMiss     = "tierbase.retrieve.miss"
	MetricRetrieveDuration = "tierbase.retrieve.duration"
	MetricRemoveSuccess    = "tierbase.remove.success"
	MetricRecordBytes      = "tierbase.record.bytes"
	MetricCompressed       = "tierbase.codec.compressed"
	MetricEncodeSkipped    = "tierbase.codec.skipped"
	MetricMediaReduced     = "tierbase.media.reduced"
	MetricMediaSkipped     = "tierbase.media.skipped"

	MetricQuarantined      = "tierbase.corruption.quarantined"
	MetricExpired          = "tierbase.expiry.deleted"
	MetricEvicted          = "tierbase.eviction.deleted"
	MetricEvictedBytes     = "tierbase.eviction.bytes"
	MetricEmergencyEvict   = "tierbase.eviction.emergency"
	MetricMaintenanceRuns  = "tierbase.maintenance.runs"
	MetricMaintenanceSkip  = "tierbase.maintenance.throttled"
	MetricMaintenanceError = "tierbase.maintenance.key_errors"
	MetricMaintenanceTime  = "tierbase.maintenance.duration"

	MetricTierOps     = "tierbase.tier.ops"
	MetricTierErrors  = "tierbase.tier.errors"
	MetricTierLatency = "tierbase.tier.latency"
	MetricTierUsage   = "tierbase.tier.usage_bytes"
	MetricTierItems   = "tierbase.tier.items"
	MetricBreakerOpen = "tierbase.tier.breaker_open"
)
