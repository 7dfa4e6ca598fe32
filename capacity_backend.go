package tierbase

import "context"

// CappedBackend gives an otherwise unbounded tier a soft capacity so that
// placement and maintenance eviction have a target to work against.
type CappedBackend struct {
	Backend
	capacity int64
}

// WithCapacity wraps b with a soft byte cap
func WithCapacity(b Backend, capacity int64) *CappedBackend {
	return &CappedBackend{Backend: b, capacity: capacity}
}

// Put refuses writes that would push the tier past its cap.
// The check reads current usage first, so concurrent writers can overshoot slightly.
func (c *CappedBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	if int64(len(raw)) > c.capacity {
		return tooLarge(key, len(raw), c.capacity, c.Backend.Name())
	}
	usage, err := c.Backend.Usage(ctx)
	if err != nil {
		return err
	}
	if usage.TotalBytes+int64(len(raw)) > c.capacity {
		if existing, err := c.Backend.Get(ctx, key); err == nil &&
			usage.TotalBytes-int64(len(existing))+int64(len(raw)) <= c.capacity {
			return c.Backend.Put(ctx, key, raw, opts)
		}
		return WithContext(ErrQuotaExceeded, map[string]interface{}{
			"key":      key,
			"size":     len(raw),
			"used":     usage.TotalBytes,
			"capacity": c.capacity,
			"backend":  c.Backend.Name(),
		})
	}
	return c.Backend.Put(ctx, key, raw, opts)
}

func (c *CappedBackend) Usage(ctx context.Context) (Usage, error) {
	usage, err := c.Backend.Usage(ctx)
	if err != nil {
		return usage, err
	}
	usage.CapacityBytes = c.capacity
	return usage, nil
}

// Unwrap exposes the wrapped adapter
func (c *CappedBackend) Unwrap() Backend {
	return c.Backend
}
