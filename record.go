package tierbase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier identifies one of the three backend kinds
type Tier int

const (
	TierNone Tier = iota
	TierBoundedFast
	TierUnboundedIndexed
	TierBucketed
)

// AllTiers is the default lookup order used by Retrieve
var AllTiers = []Tier{TierBoundedFast, TierUnboundedIndexed, TierBucketed}

func (t Tier) String() string {
	switch t {
	case TierBoundedFast:
		return "bounded-fast"
	case TierUnboundedIndexed:
		return "unbounded-indexed"
	case TierBucketed:
		return "bucketed"
	default:
		return "none"
	}
}

// ParseTier accepts the String() form plus a few short aliases used by the CLI
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TierNone, nil
	case "bounded-fast", "fast", "bounded":
		return TierBoundedFast, nil
	case "unbounded-indexed", "indexed", "unbounded":
		return TierUnboundedIndexed, nil
	case "bucketed", "bucketed-prioritized", "buckets":
		return TierBucketed, nil
	}
	return TierNone, WithContext(ErrInvalidConfig, map[string]interface{}{
		"field":  "tier",
		"value":  s,
		"reason": "unknown tier",
	})
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PriorityGroup classifies a record for the bucketed tier
type PriorityGroup string

const (
	GroupNone     PriorityGroup = ""
	GroupCritical PriorityGroup = "critical"
	GroupMedia    PriorityGroup = "media"
	GroupSession  PriorityGroup = "session"
	GroupLogs     PriorityGroup = "logs"
	GroupCache    PriorityGroup = "cache"
)

// ParsePriorityGroup normalizes group names; "log" is accepted for "logs"
func ParsePriorityGroup(s string) (PriorityGroup, error) {
	switch g := PriorityGroup(strings.ToLower(strings.TrimSpace(s))); g {
	case GroupNone, GroupCritical, GroupMedia, GroupSession, GroupLogs, GroupCache:
		return g, nil
	case "log":
		return GroupLogs, nil
	}
	return GroupNone, WithContext(ErrInvalidConfig, map[string]interface{}{
		"field":  "bucket",
		"value":  s,
		"reason": "unknown priority group",
	})
}

// Priority is the caller's hint for how much a record matters
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
	PriorityHigh   Priority = "high"
)

// MediaKind is the caller's classification of a value
type MediaKind string

const (
	MediaUnknown MediaKind = ""
	MediaVideo   MediaKind = "video"
	MediaImage   MediaKind = "image"
	MediaText    MediaKind = "text"
	MediaBinary  MediaKind = "binary"
)

// ValueKind says how the payload of a record is to be read back
type ValueKind string

const (
	KindJSON   ValueKind = "json"
	KindBinary ValueKind = "binary"
)

// StoredRecord is the unit of persistence.
// Payload holds either the serialized value or, when Compressed is set, the codec's text form.
type StoredRecord struct {
	Key        string
	Payload    []byte
	Compressed bool
	Kind       ValueKind
	CreatedAt  time.Time
	TTL        time.Duration
	SizeBytes  int64
	Tier       Tier
	Group      PriorityGroup
	Media      MediaKind
}

// Expired reports whether the record's TTL has elapsed at now
func (r *StoredRecord) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) > r.TTL
}

// wireRecord is the on-backend JSON shape
type wireRecord struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Compressed bool            `json:"compressed"`
	Kind       ValueKind       `json:"kind,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	TTL        int64           `json:"ttl,omitempty"`
	SizeBytes  int64           `json:"sizeBytes"`
	Tier       Tier            `json:"tier"`
	Group      PriorityGroup   `json:"priorityGroup,omitempty"`
	Media      MediaKind       `json:"mediaKind,omitempty"`
}

// MarshalRecord renders the wire form.
// Compressed payloads and binary payloads become JSON strings; raw JSON payloads are embedded as-is.
func MarshalRecord(r *StoredRecord) ([]byte, error) {
	var payload json.RawMessage
	switch {
	case r.Compressed:
		encoded, err := json.Marshal(string(r.Payload))
		if err != nil {
			return nil, err
		}
		payload = encoded
	case r.Kind == KindBinary:
		encoded, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		payload = encoded
	default:
		if !json.Valid(r.Payload) {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"key":    r.Key,
				"reason": "payload is not valid JSON",
			})
		}
		payload = r.Payload
	}

	kind := r.Kind
	if kind == "" {
		kind = KindJSON
	}

	return json.Marshal(wireRecord{
		Key:        r.Key,
		Payload:    payload,
		Compressed: r.Compressed,
		Kind:       kind,
		CreatedAt:  r.CreatedAt.UnixMilli(),
		TTL:        r.TTL.Milliseconds(),
		SizeBytes:  r.SizeBytes,
		Tier:       r.Tier,
		Group:      r.Group,
		Media:      r.Media,
	})
}

// unmarshalRecord parses the wire form without validation; see Detector.Inspect
func unmarshalRecord(raw []byte) (*StoredRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	rec := &StoredRecord{
		Key:        w.Key,
		Compressed: w.Compressed,
		Kind:       w.Kind,
		CreatedAt:  time.UnixMilli(w.CreatedAt),
		TTL:        time.Duration(w.TTL) * time.Millisecond,
		SizeBytes:  w.SizeBytes,
		Tier:       w.Tier,
		Group:      w.Group,
		Media:      w.Media,
	}
	if rec.Kind == "" {
		rec.Kind = KindJSON
	}

	switch {
	case w.Compressed:
		var s string
		if err := json.Unmarshal(w.Payload, &s); err != nil {
			return nil, fmt.Errorf("compressed payload is not a string: %w", err)
		}
		rec.Payload = []byte(s)
	case rec.Kind == KindBinary:
		var b []byte
		if err := json.Unmarshal(w.Payload, &b); err != nil {
			return nil, fmt.Errorf("binary payload is not base64: %w", err)
		}
		rec.Payload = b
	default:
		rec.Payload = []byte(w.Payload)
	}

	return rec, nil
}

// Clock supplies wall-clock time; tests substitute a manual clock
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
