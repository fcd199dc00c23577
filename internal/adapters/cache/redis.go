package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Default Redis store configuration constants.
const (
	defaultScanBatch   = 256
	defaultDialTimeout = 5 * time.Second
)

// RedisStore implements Store on a Redis backend.
type RedisStore struct {
	rdb       *goredis.Client
	scanBatch int64
}

var _ Store = (*RedisStore)(nil)

// RedisOption applies a configuration option to the RedisStore.
type RedisOption func(*RedisStore)

// WithScanBatch sets the SCAN page size used by prefix deletes.
func WithScanBatch(n int64) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.scanBatch = n
		}
	}
}

// NewRedisStore connects to Redis and verifies the connection with a
// ping before returning.
func NewRedisStore(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{
		rdb: goredis.NewClient(&goredis.Options{
			Addr:        addr,
			Password:    password,
			DB:          db,
			DialTimeout: defaultDialTimeout,
		}),
		scanBatch: defaultScanBatch,
	}

	// Apply all options
	for _, opt := range opts {
		opt(s)
	}

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// Get returns the cached value or ErrMiss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Set stores a value with the given time to live.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes one key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteByPrefix removes every key with the given prefix using SCAN so
// the server is never blocked by a KEYS call.
func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", s.scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			deleted, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(deleted)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
