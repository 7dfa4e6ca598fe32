package tierbase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStoreBackend is an unbounded-indexed tier over S3 or any S3-compatible store.
// Objects are laid out as <prefix>/<category>/<escaped key>.
type ObjectStoreBackend struct {
	client *s3.Client
	bucket string
	prefix string
	name   string
}

// NewS3Backend creates an object-store tier over an existing client
func NewS3Backend(client *s3.Client, bucket, prefix string) *ObjectStoreBackend {
	return &ObjectStoreBackend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		name:   "s3",
	}
}

// NewS3BackendFromConfig resolves AWS credentials the standard way (env, shared config, IMDS).
// A configured endpoint switches to path-style addressing for S3-compatible services.
func NewS3BackendFromConfig(ctx context.Context, cfg BackendConfig) (*ObjectStoreBackend, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": "s3",
			"reason":  err.Error(),
		})
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Backend(client, cfg.Bucket, cfg.PathPrefix), nil
}

func (b *ObjectStoreBackend) Tier() Tier   { return TierUnboundedIndexed }
func (b *ObjectStoreBackend) Name() string { return b.name }

func (b *ObjectStoreBackend) objectKey(key string) string {
	return objectName(b.prefix, key)
}

func (b *ObjectStoreBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(key)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	return s3Error(err)
}

func (b *ObjectStoreBackend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, s3Error(err)
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	return io.ReadAll(result.Body)
}

// Delete issues a HEAD first because S3 deletes of missing objects succeed silently
func (b *ObjectStoreBackend) Delete(ctx context.Context, key string) (bool, error) {
	objectKey := b.objectKey(key)

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if err = s3Error(err); IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return false, s3Error(err)
	}
	return true, nil
}

func (b *ObjectStoreBackend) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.walk(ctx, func(name string, size int64) {
		if key, ok := keyFromObjectName(b.prefix, name); ok {
			keys = append(keys, key)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *ObjectStoreBackend) Usage(ctx context.Context) (Usage, error) {
	usage := Usage{CapacityBytes: UnboundedCapacity}
	err := b.walk(ctx, func(name string, size int64) {
		if _, ok := keyFromObjectName(b.prefix, name); ok {
			usage.TotalBytes += size
			usage.ItemCount++
		}
	})
	return usage, err
}

func (b *ObjectStoreBackend) walk(ctx context.Context, fn func(name string, size int64)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix + "/")
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return s3Error(err)
		}
		for _, obj := range output.Contents {
			fn(aws.ToString(obj.Key), aws.ToInt64(obj.Size))
		}
	}
	return nil
}

func (b *ObjectStoreBackend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	return s3Error(err)
}

func (b *ObjectStoreBackend) Close() error {
	return nil
}

// s3Error maps SDK errors onto the tierbase taxonomy
func s3Error(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"):
		return ErrNotFound
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "Forbidden"):
		return WithContext(ErrUnauthorized, map[string]interface{}{"error": msg})
	}
	return WithContext(ErrBackendUnavailable, map[string]interface{}{
		"backend": "s3",
		"error":   msg,
	})
}

// objectName lays a key out under its category partition
func objectName(prefix, key string) string {
	return path.Join(prefix, CategoryFor(key), escapeKey(key))
}

// keyFromObjectName reverses objectName, skipping anything not written by it
func keyFromObjectName(prefix, name string) (string, bool) {
	if prefix != "" {
		if !strings.HasPrefix(name, prefix+"/") {
			return "", false
		}
		name = strings.TrimPrefix(name, prefix+"/")
	}
	category, escaped, ok := strings.Cut(name, "/")
	if !ok || strings.Contains(escaped, "/") {
		return "", false
	}
	key, err := unescapeKey(escaped)
	if err != nil || CategoryFor(key) != category {
		return "", false
	}
	return key, true
}
