package tierbase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
)

// SniffMediaKind is the heuristic fallback when the caller did not classify a value.
// Key naming wins over the declared MIME type, which wins over content sniffing.
func SniffMediaKind(key, mimeType string, data []byte) MediaKind {
	lower := strings.ToLower(key)
	switch ext := filepath.Ext(lower); ext {
	case ".mp4", ".webm", ".mov", ".mkv", ".avi":
		return MediaVideo
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return MediaImage
	case ".txt", ".json", ".log", ".md", ".csv":
		return MediaText
	}
	switch {
	case strings.Contains(lower, "video"), strings.Contains(lower, "recording"):
		return MediaVideo
	case strings.Contains(lower, "screenshot"):
		return MediaImage
	}

	if kind := mediaKindFromMIME(mimeType); kind != MediaUnknown {
		return kind
	}
	if len(data) == 0 {
		return MediaUnknown
	}
	if kind := mediaKindFromMIME(http.DetectContentType(data)); kind != MediaUnknown {
		return kind
	}
	return MediaBinary
}

func mediaKindFromMIME(mimeType string) MediaKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "":
		return MediaUnknown
	case strings.HasPrefix(mt, "video/"):
		return MediaVideo
	case strings.HasPrefix(mt, "image/"):
		return MediaImage
	case strings.HasPrefix(mt, "text/"), mt == "application/json", mt == "application/xml":
		return MediaText
	}
	return MediaUnknown
}

// ReductionProfile trades quality for size
type ReductionProfile struct {
	Name         string
	CRF          int
	MaxHeight    int
	FrameRate    int
	VideoBitrate string
	AudioBitrate string
}

// ReductionProfiles are the named profiles accepted by MediaConfig.Profile
var ReductionProfiles = map[string]ReductionProfile{
	"low":    {Name: "low", CRF: 35, MaxHeight: 480, FrameRate: 15, VideoBitrate: "500k", AudioBitrate: "64k"},
	"medium": {Name: "medium", CRF: 28, MaxHeight: 720, FrameRate: 24, VideoBitrate: "1500k", AudioBitrate: "96k"},
	"high":   {Name: "high", CRF: 23, MaxHeight: 1080, FrameRate: 30, VideoBitrate: "3000k", AudioBitrate: "128k"},
	"ultra":  {Name: "ultra", CRF: 18, MaxHeight: 2160, FrameRate: 30, VideoBitrate: "8000k", AudioBitrate: "192k"},
}

// MediaReducer shrinks a media payload
type MediaReducer interface {
	Reduce(ctx context.Context, data []byte, profile ReductionProfile) ([]byte, error)
}

// FFmpegReducer re-encodes video through an ffmpeg binary
type FFmpegReducer struct {
	Path    string
	Timeout time.Duration
}

// NewFFmpegReducer returns a reducer for the binary at path ("ffmpeg" resolves through PATH)
func NewFFmpegReducer(path string) *FFmpegReducer {
	if path == "" {
		path = DefaultFFmpegPath
	}
	return &FFmpegReducer{Path: path, Timeout: 2 * time.Minute}
}

// Available reports whether the binary can be found
func (r *FFmpegReducer) Available() bool {
	_, err := exec.LookPath(r.Path)
	return err == nil
}

func (r *FFmpegReducer) Reduce(ctx context.Context, data []byte, profile ReductionProfile) ([]byte, error) {
	dir, err := os.MkdirTemp("", "tierbase-media-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(in, data, 0600); err != nil {
		return nil, err
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Path, ffmpegArgs(in, out, profile)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s: %w: %s", profile.Name, err, strings.TrimSpace(stderr.String()))
	}
	return os.ReadFile(out)
}

func ffmpegArgs(in, out string, p ReductionProfile) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-vf", fmt.Sprintf("scale=-2:'min(%d,ih)'", p.MaxHeight),
		"-r", strconv.Itoa(p.FrameRate),
		"-c:v", "libx264", "-preset", "veryfast",
		"-crf", strconv.Itoa(p.CRF),
		"-maxrate", p.VideoBitrate, "-bufsize", p.VideoBitrate,
		"-c:a", "aac", "-b:a", p.AudioBitrate,
		"-movflags", "+faststart",
		out,
	}
}

// ReductionMemo remembers payloads that did not shrink, so repeated stores skip the transform.
// Entries expire after the TTL and the whole memo is capped in size.
type ReductionMemo struct {
	cache *bigcache.BigCache
}

// NewReductionMemo creates a memo holding entries for ttl, capped at maxSizeMB
func NewReductionMemo(ctx context.Context, ttl time.Duration, maxSizeMB int) (*ReductionMemo, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 64
	cfg.CleanWindow = ttl / 4
	cfg.MaxEntriesInWindow = 4096
	cfg.MaxEntrySize = 8
	cfg.HardMaxCacheSize = maxSizeMB
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ReductionMemo{cache: cache}, nil
}

func memoKey(data []byte, profile string) string {
	sum := sha256.Sum256(data)
	return profile + ":" + hex.EncodeToString(sum[:])
}

// Seen reports whether data was already found not to shrink under profile
func (m *ReductionMemo) Seen(data []byte, profile string) bool {
	_, err := m.cache.Get(memoKey(data, profile))
	return err == nil
}

// Remember records that data did not shrink under profile
func (m *ReductionMemo) Remember(data []byte, profile string) {
	m.cache.Set(memoKey(data, profile), []byte{1})
}

// Len is the number of remembered payloads
func (m *ReductionMemo) Len() int {
	return m.cache.Len()
}

func (m *ReductionMemo) Close() error {
	return m.cache.Close()
}

// mediaStage applies the optional size reduction before placement.
// It never fails: any problem keeps the original bytes.
type mediaStage struct {
	enabled bool
	reducer MediaReducer
	profile ReductionProfile
	memo    *ReductionMemo
	logger  Logger
	metrics Metrics
}

func (s *mediaStage) apply(ctx context.Context, key string, data []byte) []byte {
	if s == nil || !s.enabled || s.reducer == nil || len(data) == 0 {
		return data
	}
	if s.memo != nil && s.memo.Seen(data, s.profile.Name) {
		s.metrics.Increment(MetricMediaSkipped, "reason", "memo")
		return data
	}

	reduced, err := s.reducer.Reduce(ctx, data, s.profile)
	switch {
	case err != nil:
		s.logger.Warn("media reduction failed, keeping original", "key", key, "error", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return data
		}
		s.metrics.Increment(MetricMediaSkipped, "reason", "error")
	case len(reduced) == 0 || len(reduced) >= len(data):
		s.metrics.Increment(MetricMediaSkipped, "reason", "no_gain")
	default:
		s.metrics.Increment(MetricMediaReduced)
		s.logger.Debug("media reduced", "key", key, "from", len(data), "to", len(reduced), "profile", s.profile.Name)
		return reduced
	}

	if s.memo != nil {
		s.memo.Remember(data, s.profile.Name)
	}
	return data
}
