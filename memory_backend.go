package tierbase

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is an in-process bounded-fast tier with a hard byte quota
type MemoryBackend struct {
	mu       sync.RWMutex
	data     map[string][]byte
	total    int64
	capacity int64
}

// NewMemoryBackend creates a memory tier; capacity <= 0 means unbounded
func NewMemoryBackend(capacity int64) *MemoryBackend {
	if capacity <= 0 {
		capacity = UnboundedCapacity
	}
	return &MemoryBackend{
		data:     make(map[string][]byte),
		capacity: capacity,
	}
}

func (b *MemoryBackend) Tier() Tier   { return TierBoundedFast }
func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity > 0 && int64(len(raw)) > b.capacity {
		return tooLarge(key, len(raw), b.capacity, b.Name())
	}

	next := b.total - int64(len(b.data[key])) + int64(len(raw))
	if b.capacity > 0 && next > b.capacity {
		return WithContext(ErrQuotaExceeded, map[string]interface{}{
			"key":      key,
			"size":     len(raw),
			"used":     b.total,
			"capacity": b.capacity,
		})
	}

	b.data[key] = append([]byte(nil), raw...)
	b.total = next
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	raw, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, ok := b.data[key]
	if !ok {
		return false, nil
	}
	b.total -= int64(len(raw))
	delete(b.data, key)
	return true, nil
}

func (b *MemoryBackend) ListKeys(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Usage(ctx context.Context) (Usage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Usage{
		TotalBytes:    b.total,
		ItemCount:     int64(len(b.data)),
		CapacityBytes: b.capacity,
	}, nil
}

// SetRaw writes bytes without quota checks; used to seed damaged records in tests and repairs
func (b *MemoryBackend) SetRaw(key string, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(raw)) - int64(len(b.data[key]))
	b.data[key] = append([]byte(nil), raw...)
}

func (b *MemoryBackend) Ping(ctx context.Context) error { return nil }
func (b *MemoryBackend) Close() error                   { return nil }
