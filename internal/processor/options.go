package processor

import (
	"time"

	"github.com/quizlab/merit/pkg/resilience/breaker"
	"github.com/quizlab/merit/pkg/resilience/saga"
)

// Default processor configuration constants.
const (
	defaultWorkerCount = 4
)

// Option applies a configuration option to the Processor.
type Option func(*Processor)

// WithRecentWindow sets how far back the evaluation context's recent
// event window reaches.
func WithRecentWindow(window time.Duration) Option {
	return func(p *Processor) {
		if window > 0 {
			p.recentWindow = window
		}
	}
}

// WithRecentLimit caps the recent event window size.
func WithRecentLimit(limit int) Option {
	return func(p *Processor) {
		if limit > 0 {
			p.recentLimit = limit
		}
	}
}

// WithWorkerCount sets the batch worker pool size.
func WithWorkerCount(count int) Option {
	return func(p *Processor) {
		if count > 0 {
			p.workerCount = count
		}
	}
}

// WithBreakers supplies a shared breaker registry.
func WithBreakers(registry *breaker.Registry) Option {
	return func(p *Processor) {
		if registry != nil {
			p.breakers = registry
		}
	}
}

// WithSagas supplies a shared saga orchestrator.
func WithSagas(orchestrator *saga.Orchestrator) Option {
	return func(p *Processor) {
		if orchestrator != nil {
			p.sagas = orchestrator
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}
