package tierbase

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultCorruptionSignatures are raw prefixes observed on records damaged by
// writers that stringified values instead of serializing them.
func DefaultCorruptionSignatures() []string {
	return []string{
		"[object Object]",
		"undefined",
		"NaN",
		"\x00",
		"�",
	}
}

// Detector validates raw stored records before anything tries to decode them
type Detector struct {
	mu         sync.RWMutex
	signatures []string
}

// NewDetector creates a detector with the given blocklist.
// A nil slice means DefaultCorruptionSignatures.
func NewDetector(signatures []string) *Detector {
	if signatures == nil {
		signatures = DefaultCorruptionSignatures()
	}
	d := &Detector{}
	for _, sig := range signatures {
		d.AddSignature(sig)
	}
	return d
}

// AddSignature extends the blocklist at runtime; empty and duplicate prefixes are ignored
func (d *Detector) AddSignature(prefix string) {
	if prefix == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.signatures {
		if existing == prefix {
			return
		}
	}
	d.signatures = append(d.signatures, prefix)
}

// Signatures returns a copy of the blocklist
func (d *Detector) Signatures() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.signatures...)
}

// Inspect parses raw into a record, reporting ErrCorruptRecord (with a reason) for
// anything that is not a well-formed record. It never panics on garbage input.
func (d *Detector) Inspect(raw []byte) (*StoredRecord, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, corrupt("empty record")
	}
	if sig, ok := d.matchSignature(trimmed); ok {
		return nil, corrupt("known corruption signature", "signature", sig)
	}
	if trimmed[0] != '{' {
		return nil, corrupt("record is not a JSON object")
	}

	rec, err := unmarshalRecord(trimmed)
	if err != nil {
		return nil, corrupt("record shape: " + err.Error())
	}

	switch {
	case len(rec.Payload) == 0 && rec.Kind != KindBinary:
		return nil, corrupt("missing payload")
	case rec.CreatedAt.UnixMilli() <= 0:
		return nil, corrupt("missing createdAt")
	case rec.SizeBytes < 0:
		return nil, corrupt("negative sizeBytes")
	case rec.TTL < 0:
		return nil, corrupt("negative ttl")
	case rec.Kind != KindJSON && rec.Kind != KindBinary:
		return nil, corrupt("unknown kind", "kind", rec.Kind)
	}

	// Only the encoded text is checked. A decoded value is the caller's own data,
	// and a JSON string that happens to start with a signature is still valid.
	if rec.Compressed {
		if sig, ok := d.matchSignature(rec.Payload); ok {
			return nil, corrupt("known corruption signature in payload", "signature", sig)
		}
	}

	return rec, nil
}

// IsCorrupt reports whether raw fails Inspect
func (d *Detector) IsCorrupt(raw []byte) bool {
	_, err := d.Inspect(raw)
	return err != nil
}

func (d *Detector) matchSignature(b []byte) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sig := range d.signatures {
		if bytes.HasPrefix(b, []byte(sig)) {
			return sig, true
		}
	}
	return "", false
}

func corrupt(reason string, kv ...interface{}) error {
	ctx := map[string]interface{}{"reason": reason}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			ctx[k] = kv[i+1]
		}
	}
	return WithContext(ErrCorruptRecord, ctx)
}

// quarantineReason extracts the reason recorded by Inspect, for logs and reports
func quarantineReason(err error) string {
	if ewc, ok := err.(*ErrorWithContext); ok {
		if reason, ok := ewc.Context["reason"].(string); ok {
			return reason
		}
	}
	return strings.TrimSpace(err.Error())
}
