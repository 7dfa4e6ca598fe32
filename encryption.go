package tierbase

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// EncryptedBackend wraps any tier with AES-256-GCM encryption at rest.
// Each stored value is nonce || ciphertext; keys and listings are left in the clear.
//
//	key := make([]byte, 32) // load from a secrets manager
//	indexed, _ := tierbase.NewEncryptedBackend(tierbase.NewFilesystemBackend("/var/lib/tierbase"), key)
type EncryptedBackend struct {
	Backend
	aead cipher.AEAD
}

// NewEncryptedBackend wraps a backend; key must be exactly 32 bytes
func NewEncryptedBackend(backend Backend, key []byte) (*EncryptedBackend, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires 32-byte key",
		})
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &EncryptedBackend{Backend: backend, aead: aead}, nil
}

// NewEncryptedBackendFromHex takes the key as 64 hex characters, the form used in config files
func NewEncryptedBackendFromHex(backend Backend, hexKey string) (*EncryptedBackend, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "encryption_key",
			"reason": "key must be hex encoded",
		})
	}
	return NewEncryptedBackend(backend, key)
}

func (e *EncryptedBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	// The key is bound as additional data so a ciphertext cannot be replayed under another key
	sealed := e.aead.Seal(nonce, nonce, raw, []byte(key))
	return e.Backend.Put(ctx, key, sealed, opts)
}

// Get decrypts after retrieval. Anything that fails authentication is returned as
// ErrCorruptRecord so the Manager quarantines it like any other damaged record.
func (e *EncryptedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, WithContext(ErrCorruptRecord, map[string]interface{}{
			"reason":     "ciphertext too short",
			"min_length": nonceSize,
			"actual":     len(sealed),
		})
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, WithContext(ErrCorruptRecord, map[string]interface{}{
			"reason": "decryption failed",
		})
	}
	return plaintext, nil
}

func (e *EncryptedBackend) Name() string {
	return "encrypted-" + e.Backend.Name()
}

// Unwrap exposes the wrapped adapter
func (e *EncryptedBackend) Unwrap() Backend {
	return e.Backend
}
