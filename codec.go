package tierbase

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm selects the compressor used by Encode
type Algorithm string

const (
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmLZ4    Algorithm = "lz4"
	AlgorithmSnappy Algorithm = "snappy"
)

// Encoded payloads carry a short marker so Decode can pick the right
// decompressor no matter which algorithm is configured today.
const (
	markerZstd   = "z1:"
	markerLZ4    = "l1:"
	markerSnappy = "s1:"
)

// Codec reversibly turns a serialized value into printable text.
// It does no I/O.
type Codec struct {
	algorithm Algorithm
	maxBytes  int

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCodec builds a codec from config
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.Level)))
	if err != nil {
		return nil, err
	}
	zdec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}

	return &Codec{
		algorithm: cfg.Algorithm,
		maxBytes:  cfg.MaxEncodeBytes,
		zenc:      zenc,
		zdec:      zdec,
	}, nil
}

// Algorithm returns the configured compressor
func (c *Codec) Algorithm() Algorithm {
	return c.algorithm
}

// Encode compresses serialized bytes and renders them as base64 text.
// Fails with ErrEncode when the input exceeds the configured ceiling.
func (c *Codec) Encode(serialized []byte) (string, error) {
	if c.maxBytes > 0 && len(serialized) > c.maxBytes {
		return "", WithContext(ErrEncode, map[string]interface{}{
			"size":  len(serialized),
			"limit": c.maxBytes,
		})
	}

	var (
		marker     string
		compressed []byte
		err        error
	)
	switch c.algorithm {
	case AlgorithmLZ4:
		marker = markerLZ4
		compressed, err = lz4Compress(serialized)
	case AlgorithmSnappy:
		marker = markerSnappy
		compressed = snappy.Encode(nil, serialized)
	default:
		marker = markerZstd
		compressed = c.zenc.EncodeAll(serialized, make([]byte, 0, len(serialized)/2))
	}
	if err != nil {
		return "", WithContext(ErrEncode, map[string]interface{}{"reason": err.Error()})
	}

	return marker + base64.StdEncoding.EncodeToString(compressed), nil
}

// EncodeValue serializes v to JSON and encodes it
func (c *Codec) EncodeValue(v any) (string, error) {
	serialized, err := json.Marshal(v)
	if err != nil {
		return "", WithContext(ErrInvalidData, map[string]interface{}{"reason": err.Error()})
	}
	return c.Encode(serialized)
}

// Decode is the strict path: the text must carry a known marker and decompress cleanly
func (c *Codec) Decode(encoded string) ([]byte, error) {
	var marker string
	if len(encoded) >= 3 {
		marker = encoded[:3]
	}

	switch marker {
	case markerZstd, markerLZ4, markerSnappy:
	default:
		return nil, WithContext(ErrDecode, map[string]interface{}{"reason": "missing codec marker"})
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded[3:])
	if err != nil {
		return nil, WithContext(ErrDecode, map[string]interface{}{"reason": err.Error()})
	}

	var out []byte
	switch marker {
	case markerZstd:
		out, err = c.zdec.DecodeAll(compressed, nil)
	case markerLZ4:
		out, err = lz4Decompress(compressed)
	case markerSnappy:
		out, err = snappy.Decode(nil, compressed)
	}
	if err != nil {
		return nil, WithContext(ErrDecode, map[string]interface{}{
			"marker": marker,
			"reason": err.Error(),
		})
	}
	return out, nil
}

// DecodeLegacy reads payloads written before compression existed:
// plain base64 over the UTF-8 bytes of the serialized value.
func (c *Codec) DecodeLegacy(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	out, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		out, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(trimmed, "="))
	}
	if err != nil {
		return nil, WithContext(ErrDecode, map[string]interface{}{"reason": err.Error()})
	}
	if !utf8.Valid(out) {
		return nil, WithContext(ErrDecode, map[string]interface{}{"reason": "legacy payload is not UTF-8"})
	}
	return out, nil
}

// DecodeLenient never fails: strict, then legacy, then the input unchanged.
// The second result reports whether either decoding path succeeded.
func (c *Codec) DecodeLenient(encoded string) ([]byte, bool) {
	if out, err := c.Decode(encoded); err == nil {
		return out, true
	}
	if out, err := c.DecodeLegacy(encoded); err == nil {
		return out, true
	}
	return []byte(encoded), false
}

// DecodeValue decodes text produced by EncodeValue into dest
func (c *Codec) DecodeValue(encoded string, dest any) error {
	serialized, _ := c.DecodeLenient(encoded)
	if err := json.Unmarshal(serialized, dest); err != nil {
		return WithContext(ErrDecode, map[string]interface{}{"reason": err.Error()})
	}
	return nil
}

// Close releases the zstd encoder and decoder
func (c *Codec) Close() error {
	c.zdec.Close()
	return c.zenc.Close()
}

func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
