package tierbase

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gatherNames(t *testing.T, registry *prometheus.Registry) map[string]bool {
	t.Helper()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

// TestNewPrometheusMetrics tests creating Prometheus metrics
func TestNewPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	if metrics.GetRegistry() != registry {
		t.Error("registry not set correctly")
	}
	if len(metrics.counters) == 0 || len(metrics.gauges) == 0 || len(metrics.histograms) == 0 {
		t.Error("expected default metrics to be registered")
	}
}

func TestNewPrometheusMetricsNilRegistry(t *testing.T) {
	metrics := NewPrometheusMetrics(nil)
	if metrics.GetRegistry() == nil {
		t.Fatal("expected a private registry")
	}
}

// TestPrometheusMetricsTierOps tests the predefined per-tier counters
func TestPrometheusMetricsTierOps(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.Increment(MetricTierOps, "operation", "put", "tier", "bounded-fast")
	metrics.Increment(MetricTierErrors, "operation", "put", "tier", "bounded-fast", "error_type", "quota")
	metrics.Timing(MetricTierLatency, 5*time.Millisecond, "operation", "get", "tier", "unbounded-indexed")
	metrics.Gauge(MetricTierUsage, 4096, "tier", "bounded-fast")

	names := gatherNames(t, registry)
	for _, want := range []string{
		"tierbase_tier_operations_total",
		"tierbase_tier_errors_total",
		"tierbase_tier_operation_duration_seconds",
		"tierbase_tier_usage_bytes",
	} {
		if !names[want] {
			t.Errorf("expected metric %s to be registered", want)
		}
	}
}

// TestPrometheusMetricsDynamic tests that dotted names become valid Prometheus names
func TestPrometheusMetricsDynamic(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.Increment(MetricStoreSuccess, "tier", "bounded-fast")
	metrics.Increment(MetricStoreSuccess, "tier", "bucketed")
	metrics.Gauge("tierbase.maintenance.last_run", 1)
	metrics.Timing(MetricStoreDuration, time.Millisecond)

	names := gatherNames(t, registry)
	if !names["tierbase_store_success_total"] {
		t.Error("expected tierbase_store_success_total")
	}
	if !names["tierbase_maintenance_last_run"] {
		t.Error("expected tierbase_maintenance_last_run")
	}
	for name := range names {
		if strings.Contains(name, ".") {
			t.Errorf("metric name %q contains a dot", name)
		}
	}
}

func TestPromName(t *testing.T) {
	tests := map[string]string{
		"tierbase.store.success":   "store_success",
		"tierbase.tier.usage-peak": "tier_usage_peak",
		"custom":                   "custom",
	}
	for in, want := range tests {
		if got := promName(in); got != want {
			t.Errorf("promName(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestPrometheusMetricsConcurrency tests concurrent metric updates
func TestPrometheusMetricsConcurrency(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				metrics.Increment(MetricTierOps, "operation", "get", "tier", "bucketed")
				metrics.Increment(MetricRetrieveMiss)
				metrics.Histogram(MetricRecordBytes, float64(j), "tier", "bucketed")
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
