package saga

import (
	"time"

	"github.com/quizlab/merit/pkg/logger"
)

// Option applies a configuration option to the Orchestrator.
type Option func(*Orchestrator)

// WithHistorySize bounds the in-memory execution history.
func WithHistorySize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithStepRetryDelay sets the base backoff delay for retryable steps.
func WithStepRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepRetryDelay = d
		}
	}
}

// WithObserver sets a callback for step lifecycle notifications.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithLogger sets a custom logger for the orchestrator.
func WithLogger(log logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.logger = log
		}
	}
}

// runOptions control one saga execution.
type runOptions struct {
	compensate      bool
	continueOnError bool
}

// RunOption applies a per-run configuration option.
type RunOption func(*runOptions)

// WithoutCompensation disables rollback of completed steps on failure.
func WithoutCompensation() RunOption {
	return func(ro *runOptions) {
		ro.compensate = false
	}
}

// WithContinueOnError keeps executing subsequent steps after a failure.
// No compensation runs in this mode; the result still records the first
// failed step.
func WithContinueOnError() RunOption {
	return func(ro *runOptions) {
		ro.continueOnError = true
	}
}
