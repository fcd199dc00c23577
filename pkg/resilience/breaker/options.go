package breaker

import (
	"time"

	"github.com/quizlab/merit/pkg/logger"
)

// Option applies a configuration option to the Registry.
type Option func(*Registry)

// WithConfig sets the default configuration for breakers created by the
// registry. Zero fields fall back to package defaults.
func WithConfig(cfg Config) Option {
	return func(r *Registry) {
		if cfg.FailureThreshold > 0 {
			r.cfg.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.SuccessThreshold > 0 {
			r.cfg.SuccessThreshold = cfg.SuccessThreshold
		}
		if cfg.Timeout > 0 {
			r.cfg.Timeout = cfg.Timeout
		}
		if cfg.Window > 0 {
			r.cfg.Window = cfg.Window
		}
		if cfg.CallTimeout > 0 {
			r.cfg.CallTimeout = cfg.CallTimeout
		}
	}
}

// WithClock sets the time source, letting tests drive transitions with a
// fake clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets a custom logger for state change logging.
func WithLogger(log logger.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.logger = log
		}
	}
}
