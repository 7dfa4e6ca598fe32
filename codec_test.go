package tierbase

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestCodec(t *testing.T, algorithm Algorithm, maxBytes int) *Codec {
	t.Helper()
	c, err := NewCodec(CodecConfig{Algorithm: algorithm, Level: DefaultCodecLevel, MaxEncodeBytes: maxBytes})
	if err != nil {
		t.Fatalf("NewCodec(%s) failed: %v", algorithm, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	inputs := map[string]string{
		"empty object": `{}`,
		"repetitive":   `{"items":[` + strings.Repeat(`"abcabcabc",`, 500) + `"end"]}`,
		"multibyte":    `{"greeting":"こんにちは 👋 Grüße"}`,
		"lone string":  `"hello"`,
	}

	for _, algorithm := range []Algorithm{AlgorithmZstd, AlgorithmLZ4, AlgorithmSnappy} {
		c := newTestCodec(t, algorithm, 0)
		for name, input := range inputs {
			t.Run(string(algorithm)+"/"+name, func(t *testing.T) {
				encoded, err := c.Encode([]byte(input))
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				decoded, err := c.Decode(encoded)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if string(decoded) != input {
					t.Errorf("round trip mismatch: got %q", decoded)
				}
			})
		}
	}
}

func TestCodec_CompressesRepetitiveInput(t *testing.T) {
	c := newTestCodec(t, AlgorithmZstd, 0)
	input := []byte(`{"log":"` + strings.Repeat("the same line again ", 1000) + `"}`)

	encoded, err := c.Encode(input)
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) >= len(input) {
		t.Errorf("encoded %d bytes from %d, expected shrinkage", len(encoded), len(input))
	}
}

func TestCodec_DecodesAcrossAlgorithms(t *testing.T) {
	lz := newTestCodec(t, AlgorithmLZ4, 0)
	zs := newTestCodec(t, AlgorithmZstd, 0)

	encoded, err := lz.Encode([]byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	// The marker, not the configured algorithm, picks the decompressor
	decoded, err := zs.Decode(encoded)
	if err != nil || string(decoded) != `{"a":1}` {
		t.Errorf("Decode = %q, %v", decoded, err)
	}
}

func TestCodec_EncodeLimit(t *testing.T) {
	c := newTestCodec(t, AlgorithmZstd, 16)

	if _, err := c.Encode([]byte(strings.Repeat("x", 17))); !errors.Is(err, ErrEncode) {
		t.Errorf("expected ErrEncode over the limit, got %v", err)
	}
	if _, err := c.Encode([]byte(strings.Repeat("x", 16))); err != nil {
		t.Errorf("input at the limit should encode: %v", err)
	}
}

func TestCodec_DecodeStrictRejects(t *testing.T) {
	c := newTestCodec(t, AlgorithmZstd, 0)

	tests := map[string]string{
		"no marker":       "eyJhIjoxfQ==",
		"bad base64":      "z1:%%%",
		"not zstd frames": "z1:" + base64.StdEncoding.EncodeToString([]byte("plain")),
		"too short":       "z1",
	}
	for name, encoded := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Decode(encoded); !errors.Is(err, ErrDecode) {
				t.Errorf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestCodec_DecodeLegacy(t *testing.T) {
	c := newTestCodec(t, AlgorithmZstd, 0)
	value := `{"name":"Grüße"}`

	padded := base64.StdEncoding.EncodeToString([]byte(value))
	out, err := c.DecodeLegacy(padded)
	if err != nil || string(out) != value {
		t.Errorf("padded legacy = %q, %v", out, err)
	}

	unpadded := base64.RawStdEncoding.EncodeToString([]byte(value))
	out, err = c.DecodeLegacy(unpadded)
	if err != nil || string(out) != value {
		t.Errorf("unpadded legacy = %q, %v", out, err)
	}

	binary := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x00})
	if _, err := c.DecodeLegacy(binary); !errors.Is(err, ErrDecode) {
		t.Errorf("non UTF-8 legacy payload: expected ErrDecode, got %v", err)
	}
}

func TestCodec_DecodeLenient(t *testing.T) {
	c := newTestCodec(t, AlgorithmSnappy, 0)

	encoded, _ := c.Encode([]byte(`[1,2,3]`))
	if out, ok := c.DecodeLenient(encoded); !ok || string(out) != `[1,2,3]` {
		t.Errorf("strict path = %q, %v", out, ok)
	}

	legacy := base64.StdEncoding.EncodeToString([]byte(`[4]`))
	if out, ok := c.DecodeLenient(legacy); !ok || string(out) != `[4]` {
		t.Errorf("legacy path = %q, %v", out, ok)
	}

	if out, ok := c.DecodeLenient("not encoded at all!"); ok || string(out) != "not encoded at all!" {
		t.Errorf("fallback = %q, %v", out, ok)
	}
}

func TestCodec_Values(t *testing.T) {
	c := newTestCodec(t, AlgorithmZstd, 0)

	type settings struct {
		Theme string `json:"theme"`
		Font  int    `json:"font"`
	}
	encoded, err := c.EncodeValue(settings{Theme: "dark", Font: 14})
	if err != nil {
		t.Fatal(err)
	}

	var got settings
	if err := c.DecodeValue(encoded, &got); err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	if got.Theme != "dark" || got.Font != 14 {
		t.Errorf("got %+v", got)
	}

	if _, err := c.EncodeValue(make(chan int)); !errors.Is(err, ErrInvalidData) {
		t.Errorf("unserializable value: expected ErrInvalidData, got %v", err)
	}
	if err := c.DecodeValue("garbage", &got); !errors.Is(err, ErrDecode) {
		t.Errorf("garbage: expected ErrDecode, got %v", err)
	}
}

func TestNewCodec_InvalidConfig(t *testing.T) {
	if _, err := NewCodec(CodecConfig{Algorithm: "gzip", Level: 3}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
