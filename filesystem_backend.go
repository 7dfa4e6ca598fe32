package tierbase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const recordFileExt = ".json"

// FilesystemBackend is an unbounded-indexed tier on local disk.
// Each category is a directory and each record one file named after the escaped key.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks // Fine-grained locking per key
}

// NewFilesystemBackend creates a new filesystem backend with 32 lock stripes
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return NewFilesystemBackendWithStripes(basePath, 32)
}

// NewFilesystemBackendWithStripes creates a filesystem backend with custom stripe count
func NewFilesystemBackendWithStripes(basePath string, stripes int) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(stripes),
	}
}

func (b *FilesystemBackend) Tier() Tier   { return TierUnboundedIndexed }
func (b *FilesystemBackend) Name() string { return "filesystem" }

func (b *FilesystemBackend) getPath(key string) string {
	return filepath.Join(b.basePath, CategoryFor(key), escapeKey(key)+recordFileExt)
}

// Put writes to a temp file and renames it so readers never see a partial record
func (b *FilesystemBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	path := b.getPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fsError(err)
	}

	unlock := b.locks.Lock(key)
	defer unlock()

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fsError(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fsError(err)
	}
	if err := tmp.Chmod(DefaultFilePermissions); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fsError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fsError(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fsError(err)
	}
	return nil
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(b.getPath(key))
	if err != nil {
		return nil, fsError(err)
	}
	return data, nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, key string) (bool, error) {
	unlock := b.locks.Lock(key)
	defer unlock()

	err := os.Remove(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fsError(err)
	}
	return true, nil
}

func (b *FilesystemBackend) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.walk(ctx, func(key string, size int64) {
		keys = append(keys, key)
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FilesystemBackend) Usage(ctx context.Context) (Usage, error) {
	usage := Usage{CapacityBytes: UnboundedCapacity}
	err := b.walk(ctx, func(key string, size int64) {
		usage.TotalBytes += size
		usage.ItemCount++
	})
	return usage, err
}

// walk visits every record file under the category directories
func (b *FilesystemBackend) walk(ctx context.Context, fn func(key string, size int64)) error {
	categoryDirs, err := os.ReadDir(b.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fsError(err)
	}

	for _, dir := range categoryDirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(b.basePath, dir.Name()))
		if err != nil {
			return fsError(err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, recordFileExt) || strings.HasPrefix(name, ".") {
				continue
			}
			key, err := unescapeKey(strings.TrimSuffix(name, recordFileExt))
			if err != nil {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue // removed between ReadDir and Info
			}
			fn(key, info.Size())
		}
	}
	return nil
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	if err := os.MkdirAll(b.basePath, DefaultDirPermissions); err != nil {
		return fsError(err)
	}

	testFile := filepath.Join(b.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), DefaultFilePermissions); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"path":  b.basePath,
			"error": fmt.Sprintf("cannot write to base path: %v", err),
		})
	}
	os.Remove(testFile)
	return nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}

func fsError(err error) error {
	switch {
	case os.IsNotExist(err):
		return ErrNotFound
	case os.IsPermission(err):
		return WithContext(ErrUnauthorized, map[string]interface{}{"error": err.Error()})
	}
	return WithContext(ErrBackendUnavailable, map[string]interface{}{
		"backend": "filesystem",
		"error":   err.Error(),
	})
}
