// Package httpapi exposes a tierbase Manager over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/adrianmcphee/tierbase"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxBodyBytes caps PUT bodies
const DefaultMaxBodyBytes = 64 << 20

// Server routes HTTP requests to a Manager
type Server struct {
	manager      *tierbase.Manager
	logger       tierbase.Logger
	registry     *prometheus.Registry
	maxBodyBytes int64
}

// NewServer creates a server. A nil registry leaves /metrics unmounted.
func NewServer(manager *tierbase.Manager, logger tierbase.Logger, registry *prometheus.Registry) *Server {
	if logger == nil {
		logger = &tierbase.NoOpLogger{}
	}
	return &Server{
		manager:      manager,
		logger:       logger,
		registry:     registry,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

// WithMaxBodyBytes overrides the PUT body limit
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	s.maxBodyBytes = n
	return s
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/keys", s.listKeys)
		r.Get("/usage", s.usage)
		r.Post("/maintenance", s.runMaintenance)

		// Keys may contain slashes
		r.Get("/records/*", s.getRecord)
		r.Put("/records/*", s.putRecord)
		r.Delete("/records/*", s.deleteRecord)
		r.Get("/meta/*", s.getMeta)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if sched := s.manager.Scheduler(); sched != nil {
		resp["maintenance_running"] = sched.Running()
		if last, err := sched.LastRun(); !last.IsZero() {
			resp["last_maintenance"] = last.UTC().Format(time.RFC3339)
			if err != nil {
				resp["last_maintenance_error"] = err.Error()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.manager.ListKeys(r.Context())
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// UsageResponse is the JSON form of tierbase.UsageReport
type UsageResponse struct {
	TotalSize       int64                `json:"total_size"`
	ItemCount       int64                `json:"item_count"`
	UsagePercentage float64              `json:"usage_percentage"`
	Tiers           map[string]TierUsage `json:"tiers"`
}

type TierUsage struct {
	TotalBytes    int64 `json:"total_bytes"`
	ItemCount     int64 `json:"item_count"`
	CapacityBytes int64 `json:"capacity_bytes"`
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.Usage(r.Context())
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}

	resp := UsageResponse{
		TotalSize:       report.TotalSize,
		ItemCount:       report.ItemCount,
		UsagePercentage: report.UsagePercentage,
		Tiers:           make(map[string]TierUsage, len(report.Tiers)),
	}
	for tier, u := range report.Tiers {
		resp.Tiers[tier.String()] = TierUsage{
			TotalBytes:    u.TotalBytes,
			ItemCount:     u.ItemCount,
			CapacityBytes: u.CapacityBytes,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// MaintenanceResponse summarizes a maintenance run
type MaintenanceResponse struct {
	RunID       string                    `json:"run_id"`
	DurationMS  int64                     `json:"duration_ms"`
	Aggressive  bool                      `json:"aggressive"`
	Interrupted bool                      `json:"interrupted"`
	Quarantined int                       `json:"quarantined"`
	Expired     int                       `json:"expired"`
	Evicted     int                       `json:"evicted"`
	Failed      int                       `json:"failed"`
	FreedBytes  int64                     `json:"freed_bytes"`
	Tiers       map[string]TierMaintained `json:"tiers"`
}

type TierMaintained struct {
	Scanned     int    `json:"scanned"`
	Quarantined int    `json:"quarantined"`
	Expired     int    `json:"expired"`
	Evicted     int    `json:"evicted"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request) {
	aggressive, _ := strconv.ParseBool(r.URL.Query().Get("aggressive"))

	report, err := s.manager.RunMaintenance(r.Context(), aggressive)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}

	resp := MaintenanceResponse{
		RunID:       report.RunID,
		DurationMS:  report.Duration.Milliseconds(),
		Aggressive:  report.Aggressive,
		Interrupted: report.Interrupted,
		Quarantined: report.Quarantined(),
		Expired:     report.Expired(),
		Evicted:     report.Evicted(),
		Failed:      report.Failed(),
		FreedBytes:  report.FreedBytes(),
		Tiers:       make(map[string]TierMaintained, len(report.Tiers)),
	}
	for _, t := range report.Tiers {
		tm := TierMaintained{
			Scanned:     t.Scanned,
			Quarantined: t.Quarantined,
			Expired:     t.Expired,
			Evicted:     t.Evicted,
			Failed:      t.Failed,
		}
		if t.Err != nil {
			tm.Error = t.Err.Error()
		}
		resp.Tiers[t.Tier.String()] = tm
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	opts, err := retrieveOptions(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, ok, err := s.manager.Retrieve(r.Context(), key, opts)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	if !ok {
		writeError(w, "record not found", http.StatusNotFound)
		return
	}

	if b, isBinary := value.([]byte); isBinary {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.WriteHeader(http.StatusOK)
		w.Write(b)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// MetaResponse describes a stored record without its payload
type MetaResponse struct {
	Key        string `json:"key"`
	Tier       string `json:"tier"`
	Kind       string `json:"kind"`
	Compressed bool   `json:"compressed"`
	SizeBytes  int64  `json:"size_bytes"`
	CreatedAt  string `json:"created_at"`
	TTLMS      int64  `json:"ttl_ms,omitempty"`
	Bucket     string `json:"bucket,omitempty"`
	MediaKind  string `json:"media_kind,omitempty"`
}

func (s *Server) getMeta(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	opts, err := retrieveOptions(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, ok, err := s.manager.Lookup(r.Context(), key, opts)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	if !ok {
		writeError(w, "record not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, MetaResponse{
		Key:        rec.Key,
		Tier:       rec.Tier.String(),
		Kind:       string(rec.Kind),
		Compressed: rec.Compressed,
		SizeBytes:  rec.SizeBytes,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		TTLMS:      rec.TTL.Milliseconds(),
		Bucket:     string(rec.Group),
		MediaKind:  string(rec.Media),
	})
}

// putRecord stores the body under the key. A JSON body is stored as a JSON value;
// any other content type is stored as binary with the content type used for media sniffing.
//
// Query parameters: ttl (Go duration), bucket, tier, compress (bool), media.
func (s *Server) putRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	opts, err := storeOptions(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var value any = body
	if isJSON(r.Header.Get("Content-Type")) {
		if !json.Valid(body) {
			writeError(w, "body is not valid JSON", http.StatusBadRequest)
			return
		}
		value = json.RawMessage(body)
	}

	if err := s.manager.Store(r.Context(), key, value, opts); err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(r.Context(), chi.URLParam(r, "*")); err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func retrieveOptions(r *http.Request) (tierbase.RetrieveOptions, error) {
	group, err := tierbase.ParsePriorityGroup(r.URL.Query().Get("bucket"))
	if err != nil {
		return tierbase.RetrieveOptions{}, err
	}
	return tierbase.RetrieveOptions{Bucket: group}, nil
}

func storeOptions(r *http.Request) (tierbase.StoreOptions, error) {
	q := r.URL.Query()
	opts := tierbase.StoreOptions{
		MediaKind: tierbase.MediaKind(q.Get("media")),
		MIMEType:  r.Header.Get("Content-Type"),
	}

	if v := q.Get("ttl"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return opts, err
		}
		opts.TTL = ttl
	}
	if v := q.Get("compress"); v != "" {
		compress, err := strconv.ParseBool(v)
		if err != nil {
			return opts, err
		}
		opts.Compress = tierbase.Bool(compress)
	}

	group, err := tierbase.ParsePriorityGroup(q.Get("bucket"))
	if err != nil {
		return opts, err
	}
	opts.Bucket = group

	tier, err := tierbase.ParseTier(q.Get("tier"))
	if err != nil {
		return opts, err
	}
	opts.ForceTier = tier

	return opts, nil
}

func (s *Server) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tierbase.ErrInvalidKey), errors.Is(err, tierbase.ErrInvalidData), errors.Is(err, tierbase.ErrDecode):
		return http.StatusBadRequest
	case tierbase.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, tierbase.ErrMaintenanceThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, tierbase.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case tierbase.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
