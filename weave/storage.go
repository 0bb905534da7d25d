package weave

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-analyze/bulk"
	"github.com/rs/zerolog"
)

// Storage is the ordered key value store behind the journal.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, blob []byte) error
	Delete(key string) error
	// Keys returns the keys starting with prefix in ascending order.
	Keys(prefix string) ([]string, error)
	// DropPrefix deletes every key starting with prefix.
	DropPrefix(prefix string) error
	Close()
}

type memStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStorage returns a Storage kept in memory, used when no cache directory is configured.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) Put(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := bulk.SliceFilter(func(k string) bool {
		return strings.HasPrefix(k, prefix)
	}, slices.Collect(maps.Keys(m.data)))
	slices.Sort(keys)
	return keys, nil
}

func (m *memStorage) DropPrefix(prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	maps.DeleteFunc(m.data, func(k string, _ []byte) bool {
		return strings.HasPrefix(k, prefix)
	})
	return nil
}

func (m *memStorage) Close() {}

type badgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens the journal database in the cache directory. Cache metrics are logged
// periodically when the logger is at debug level.
func NewBadgerStorage(path string, maxMemMB int, logger zerolog.Logger) (Storage, error) {
	// ensure directory exists
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	// TotalRAM ≃ (NumMemtables × MemTableSize) + BlockCacheSize  + IndexCacheSize
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithDetectConflicts(true).
		WithCompression(options.ZSTD).
		WithZSTDCompressionLevel(3).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithBlockCacheSize(clamp(int64(maxMemMB/8), 2, 64) << 20).
		WithIndexCacheSize(clamp(int64(maxMemMB/8), 8, 64) << 20).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	if logger.GetLevel() <= zerolog.DebugLevel {
		go func() {
			for {
				time.Sleep(60 * time.Second)
				if db.IsClosed() {
					return
				}
				logMetrics := func(name string, metrics *ristretto.Metrics) {
					if metrics != nil && (metrics.Hits() != 0 || metrics.Misses() != 0) {
						logger.Debug().Str("cache", name).Msg(metrics.String())
						metrics.Clear()
					}
				}

				logMetrics("block", db.BlockCacheMetrics())
				logMetrics("index", db.IndexCacheMetrics())
			}
		}()
	}
	return &badgerStorage{db: db}, nil
}

func (b *badgerStorage) Get(key string) ([]byte, bool, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil || raw == nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (b *badgerStorage) Put(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) DropPrefix(prefix string) error {
	if prefix == "" {
		return b.db.DropAll()
	}
	return b.db.DropPrefix([]byte(prefix))
}

func (b *badgerStorage) Close() {
	_ = b.db.Close()
}
