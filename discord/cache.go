package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
)

// Cache stores guild lookups that only drive pickers in the UI. Nothing read
// from it is used for permission or eligibility decisions.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

type nopCache struct{}

// NopCache disables caching.
func NopCache() Cache { return nopCache{} }

func (nopCache) Get(context.Context, string) ([]byte, bool, error)          { return nil, false, nil }
func (nopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (nopCache) Close() error                                             { return nil }

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a per-process cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

// NewMemoryCache keeps entries in process memory.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), nowFn: now}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.nowFn().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: m.nowFn().Add(ttl)}
	return nil
}

func (m *MemoryCache) Close() error { return nil }

var bucketLookups = []byte("lookups")

// BoltCache persists lookups in a local bbolt file. Each value is prefixed
// with its expiry as unix nanoseconds.
type BoltCache struct {
	db    *bolt.DB
	nowFn func() time.Time
}

// NewBoltCache opens or creates a bbolt file at path.
func NewBoltCache(path string, now func() time.Time) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("discord: open cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLookups)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &BoltCache{db: db, nowFn: now}, nil
}

func (b *BoltCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	var (
		value   []byte
		found   bool
		expired bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLookups).Get([]byte(key))
		if len(raw) < 8 {
			return nil
		}
		expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
		if !b.nowFn().Before(expiresAt) {
			expired = true
			return nil
		}
		value = append([]byte(nil), raw[8:]...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		_ = b.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketLookups).Delete([]byte(key))
		})
	}
	return value, found, nil
}

func (b *BoltCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	record := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(record[:8], uint64(b.nowFn().Add(ttl).UnixNano()))
	copy(record[8:], value)
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLookups).Put([]byte(key), record)
	})
}

func (b *BoltCache) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// RedisCache shares lookups between instances.
type RedisCache struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisCache connects lazily; the first Get or Set dials.
func NewRedisCache(opts RedisOptions) *RedisCache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "governator:discord:"
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}),
		prefix: prefix,
	}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
