// Package cache provides the read-model cache and the listener that
// keeps it coherent with achievement and fraud events.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache errors.
var (
	// ErrMiss indicates the key is absent or expired.
	ErrMiss = errors.New("cache: miss")
)

// Store is the cache interface the invalidator and read paths depend on.
type Store interface {
	// Get returns the cached value or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given time to live.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes one key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key with the given prefix and returns
	// the number removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Close releases any underlying resources.
	Close() error
}
