// Package retry provides an executor that re-runs fallible operations with
// exponential backoff and jitter.
package retry

import "time"

// Option applies a configuration option to the retry policy.
type Option func(*policy)

// WithMaxAttempts sets the total number of attempts (including the first).
func WithMaxAttempts(n int) Option {
	return func(p *policy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the delay before the second attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(p *policy) {
		if d > 0 {
			p.baseDelay = d
		}
	}
}

// WithMaxDelay caps the computed backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(p *policy) {
		if d > 0 {
			p.maxDelay = d
		}
	}
}

// WithMultiplier sets the exponential backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(p *policy) {
		if m >= 1 {
			p.multiplier = m
		}
	}
}

// WithJitter enables or disables the +/-10% jitter on computed delays.
func WithJitter(enabled bool) Option {
	return func(p *policy) {
		p.jitter = enabled
	}
}

// WithRetryIf sets the predicate deciding whether an error is retried.
// Non-retryable errors abort regardless of the predicate.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *policy) {
		if fn != nil {
			p.retryIf = fn
		}
	}
}

// WithOnRetry sets a callback invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(p *policy) {
		p.onRetry = fn
	}
}
