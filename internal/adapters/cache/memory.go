package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is one cached value with its expiry.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// InMemoryStore implements Store on a locked map. Expired entries are
// dropped lazily on read and swept on prefix deletes.
type InMemoryStore struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

var _ Store = (*InMemoryStore)(nil)

// MemoryOption applies a configuration option to the InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryClock overrides the time source, used by tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore creates an in-memory cache with configuration options.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now:     time.Now,
		entries: make(map[string]entry),
	}

	// Apply all options
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Get returns the cached value or ErrMiss.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrMiss
	}
	if e.expired(s.now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrMiss
	}
	return e.value, nil
}

// Set stores a value with the given time to live.
func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes one key.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// DeleteByPrefix removes every key with the given prefix.
func (s *InMemoryStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Close releases nothing for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
