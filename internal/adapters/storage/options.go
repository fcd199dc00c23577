package storage

import "time"

// Default in-memory store configuration constants.
const (
	defaultShardCount = 32
)

// Option applies a configuration option to the InMemoryStore.
type Option func(*InMemoryStore)

// WithShardCount sets the number of lock shards user state is spread
// across.
func WithShardCount(count int) Option {
	return func(s *InMemoryStore) {
		if count > 0 {
			s.shardCount = count
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}
