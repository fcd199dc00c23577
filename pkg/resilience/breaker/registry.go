package breaker

import (
	"sync"
	"time"

	"github.com/quizlab/merit/pkg/logger"
)

// Registry hands out one breaker per operation name. It is an explicit,
// injected store so tests can run isolated instances.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	cfg    Config
	now    func() time.Time
	logger logger.Logger
}

// NewRegistry creates a breaker registry with configuration options.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      defaultConfig(),
		now:      time.Now,
	}

	// Apply all options
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Get returns the breaker for name, creating it with the registry defaults
// on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, r.cfg, r.now, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots returns a point-in-time view of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
