package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adrianmcphee/tierbase"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T, mutate func(*tierbase.Config)) (*httptest.Server, *tierbase.Manager) {
	t.Helper()

	indexed, err := tierbase.NewBadgerBackend(tierbase.InMemoryPath, nil)
	if err != nil {
		t.Fatalf("NewBadgerBackend failed: %v", err)
	}
	bucketed, err := tierbase.NewBucketedBackend(context.Background(), tierbase.BucketedConfig{Path: tierbase.InMemoryPath})
	if err != nil {
		t.Fatalf("NewBucketedBackend failed: %v", err)
	}

	cfg := tierbase.DefaultConfig()
	cfg.Media.Reduce = false
	cfg.Retry.BaseDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}

	registry := prometheus.NewRegistry()
	m, err := tierbase.NewManager(cfg, tierbase.Backends{
		BoundedFast: tierbase.NewMemoryBackend(tierbase.DefaultBoundedQuotaBytes),
		Indexed:     indexed,
		Bucketed:    bucketed,
	}, tierbase.WithMetrics(tierbase.NewPrometheusMetrics(registry)))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	srv := httptest.NewServer(NewServer(m, nil, registry).Router())
	t.Cleanup(func() {
		srv.Close()
		m.Close()
	})
	return srv, m
}

func do(t *testing.T, method, url, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
}

func TestServer_JSONRecordLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := do(t, http.MethodPut, srv.URL+"/v1/records/settings/user-1?bucket=critical", "application/json",
		[]byte(`{"theme":"dark","fontSize":14}`))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want 204", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/records/settings/user-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	var got map[string]any
	decode(t, resp, &got)
	if got["theme"] != "dark" || got["fontSize"] != float64(14) {
		t.Errorf("GET body = %v", got)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/meta/settings/user-1", "", nil)
	var meta MetaResponse
	decode(t, resp, &meta)
	if meta.Key != "settings/user-1" || meta.Kind != "json" || meta.Tier != tierbase.TierBucketed.String() || meta.Bucket != "critical" {
		t.Errorf("meta = %+v", meta)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/keys", "", nil)
	var keys struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	decode(t, resp, &keys)
	if keys.Count != 1 || keys.Keys[0] != "settings/user-1" {
		t.Errorf("keys = %+v", keys)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/v1/records/settings/user-1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", resp.StatusCode)
	}
	// Removing again is not an error
	resp = do(t, http.MethodDelete, srv.URL+"/v1/records/settings/user-1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second DELETE status = %d, want 204", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/records/settings/user-1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_BinaryRecord(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	payload := bytes.Repeat([]byte{0x00, 0xff, 0x10}, 1000)
	resp := do(t, http.MethodPut, srv.URL+"/v1/records/blob?compress=false", "application/octet-stream", payload)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want 204", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/records/blob", "", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Errorf("binary payload mismatch: got %d bytes", buf.Len())
	}
}

func TestServer_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		want        int
	}{
		{"invalid json", http.MethodPut, "/v1/records/k", "application/json", "{not json", http.StatusBadRequest},
		{"bad ttl", http.MethodPut, "/v1/records/k?ttl=soon", "application/json", "1", http.StatusBadRequest},
		{"negative ttl", http.MethodPut, "/v1/records/k?ttl=-1s", "application/json", "1", http.StatusBadRequest},
		{"unknown bucket", http.MethodPut, "/v1/records/k?bucket=nope", "application/json", "1", http.StatusBadRequest},
		{"unknown tier", http.MethodPut, "/v1/records/k?tier=tape", "application/json", "1", http.StatusBadRequest},
		{"bad compress", http.MethodPut, "/v1/records/k?compress=maybe", "application/json", "1", http.StatusBadRequest},
		{"unknown bucket on get", http.MethodGet, "/v1/records/k?bucket=nope", "", "", http.StatusBadRequest},
		{"missing record", http.MethodGet, "/v1/records/missing", "", "", http.StatusNotFound},
		{"missing meta", http.MethodGet, "/v1/meta/missing", "", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.contentType, []byte(tt.body))
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body map[string]string
			decode(t, resp, &body)
			if body["error"] == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	_, mgr := newTestServer(t, nil)

	small := httptest.NewServer(NewServer(mgr, nil, nil).WithMaxBodyBytes(16).Router())
	defer small.Close()

	resp := do(t, http.MethodPut, small.URL+"/v1/records/k", "application/octet-stream", bytes.Repeat([]byte("a"), 64))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestServer_UsageAndMaintenance(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *tierbase.Config) {
		cfg.Maintenance.MinInterval = cfg.Maintenance.Interval
	})

	do(t, http.MethodPut, srv.URL+"/v1/records/a?compress=false", "application/json", []byte(`"`+strings.Repeat("x", 500)+`"`))

	resp := do(t, http.MethodGet, srv.URL+"/v1/usage", "", nil)
	var usage UsageResponse
	decode(t, resp, &usage)
	if usage.ItemCount != 1 || usage.TotalSize <= 500 {
		t.Errorf("usage = %+v", usage)
	}
	if _, ok := usage.Tiers[tierbase.TierBoundedFast.String()]; !ok {
		t.Errorf("usage missing bounded tier: %+v", usage.Tiers)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/maintenance?aggressive=true", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("maintenance status = %d, want 200", resp.StatusCode)
	}
	var report MaintenanceResponse
	decode(t, resp, &report)
	if !report.Aggressive || report.RunID == "" || len(report.Tiers) != 3 {
		t.Errorf("report = %+v", report)
	}

	// A second run inside MinInterval is refused
	resp = do(t, http.MethodPost, srv.URL+"/v1/maintenance", "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("throttled maintenance status = %d, want 429", resp.StatusCode)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	var health map[string]any
	decode(t, resp, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	do(t, http.MethodPut, srv.URL+"/v1/records/k", "application/json", []byte(`1`))

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "tierbase_") {
		t.Errorf("metrics output missing tierbase series")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{tierbase.ErrInvalidKey, http.StatusBadRequest},
		{tierbase.ErrInvalidData, http.StatusBadRequest},
		{tierbase.ErrNotFound, http.StatusNotFound},
		{tierbase.ErrMaintenanceThrottled, http.StatusTooManyRequests},
		{tierbase.ErrInsufficientSpace, http.StatusInsufficientStorage},
		{tierbase.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{tierbase.WithContext(tierbase.ErrBackendUnavailable, map[string]interface{}{"tier": "x"}), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
