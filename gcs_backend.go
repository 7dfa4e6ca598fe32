package tierbase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend is an unbounded-indexed tier over Google Cloud Storage,
// laid out exactly like ObjectStoreBackend.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string // service account JSON; Application Default Credentials when empty
	Endpoint        string // emulator endpoint, e.g. http://localhost:4443/storage/v1/
}

// NewGCSBackend creates a new GCS tier
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (b *GCSBackend) Tier() Tier   { return TierUnboundedIndexed }
func (b *GCSBackend) Name() string { return "gcs" }

func (b *GCSBackend) object(key string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(objectName(b.prefix, key))
}

func (b *GCSBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	writer := b.object(key).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := writer.Write(raw); err != nil {
		_ = writer.Close()
		return gcsError(err)
	}
	return gcsError(writer.Close())
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.object(key).NewReader(ctx)
	if err != nil {
		return nil, gcsError(err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

func (b *GCSBackend) Delete(ctx context.Context, key string) (bool, error) {
	err := b.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, gcsError(err)
	}
	return true, nil
}

func (b *GCSBackend) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.walk(ctx, func(attrs *storage.ObjectAttrs) {
		if key, ok := keyFromObjectName(b.prefix, attrs.Name); ok {
			keys = append(keys, key)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *GCSBackend) Usage(ctx context.Context) (Usage, error) {
	usage := Usage{CapacityBytes: UnboundedCapacity}
	err := b.walk(ctx, func(attrs *storage.ObjectAttrs) {
		if _, ok := keyFromObjectName(b.prefix, attrs.Name); ok {
			usage.TotalBytes += attrs.Size
			usage.ItemCount++
		}
	})
	return usage, err
}

func (b *GCSBackend) walk(ctx context.Context, fn func(*storage.ObjectAttrs)) error {
	query := &storage.Query{}
	if b.prefix != "" {
		query.Prefix = b.prefix + "/"
	}

	it := b.client.Bucket(b.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return gcsError(err)
		}
		fn(attrs)
	}
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	_, err := b.client.Bucket(b.bucket).Attrs(ctx)
	return gcsError(err)
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func gcsError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return WithContext(ErrBackendUnavailable, map[string]interface{}{
		"backend": "gcs",
		"error":   err.Error(),
	})
}
