package tierbase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// InMemoryPath opens an embedded store without touching disk
const InMemoryPath = ":memory:"

// BadgerBackend is an unbounded-indexed tier on an embedded LSM store.
// Keys are stored as "<category>/<key>" so each category is a contiguous prefix range.
type BadgerBackend struct {
	db *badger.DB
}

// NewBadgerBackend opens (or creates) a store at path; InMemoryPath keeps it in memory
func NewBadgerBackend(path string, logger Logger) (*BadgerBackend, error) {
	var opts badger.Options
	if path == "" || path == InMemoryPath {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	opts = opts.WithLogger(badgerLogger{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"backend": "badger",
			"path":    path,
			"error":   err.Error(),
		})
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Tier() Tier   { return TierUnboundedIndexed }
func (b *BadgerBackend) Name() string { return "badger" }

func badgerKey(key string) []byte {
	return []byte(CategoryFor(key) + "/" + key)
}

func (b *BadgerBackend) Put(ctx context.Context, key string, raw []byte, opts PutOptions) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(key), raw)
	})
}

func (b *BadgerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (b *BadgerBackend) Delete(ctx context.Context, key string) (bool, error) {
	deleted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		k := badgerKey(key)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return txn.Delete(k)
	})
	return deleted, err
}

func (b *BadgerBackend) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.scan(ctx, func(key string, size int64) {
		keys = append(keys, key)
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *BadgerBackend) Usage(ctx context.Context) (Usage, error) {
	usage := Usage{CapacityBytes: UnboundedCapacity}
	err := b.scan(ctx, func(key string, size int64) {
		usage.TotalBytes += size
		usage.ItemCount++
	})
	return usage, err
}

// scan walks each category prefix without loading values
func (b *BadgerBackend) scan(ctx context.Context, fn func(key string, size int64)) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, category := range append(append([]string(nil), categories...), defaultCategory) {
			prefix := []byte(category + "/")
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				item := it.Item()
				fn(strings.TrimPrefix(string(item.Key()), category+"/"), item.ValueSize())
			}
		}
		return nil
	})
}

func (b *BadgerBackend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return ErrBackendUnavailable
	}
	return nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// RunGC reclaims value-log space; maintenance calls it after eviction on disk-backed stores
func (b *BadgerBackend) RunGC() error {
	if b.db.Opts().InMemory {
		return nil
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// badgerLogger routes badger's printf-style logging through Logger
type badgerLogger struct {
	logger Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
