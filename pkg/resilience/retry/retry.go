// Package retry provides an executor that re-runs fallible operations with
// exponential backoff and jitter.
//
// All presets are thin option bundles over one core loop; the delay for
// attempt n (1-indexed) is min(baseDelay * multiplier^(n-1), maxDelay),
// optionally jittered by +/-10%.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/quizlab/merit/pkg/metrics"
)

// Default retry configuration constants.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultMultiplier  = 2.0
	jitterFraction     = 0.1
)

// policy holds the resolved configuration for one execution.
type policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	jitter      bool
	retryIf     func(error) bool
	onRetry     func(attempt int, err error, delay time.Duration)
	rng         *rand.Rand
}

func newPolicy(opts []Option) *policy {
	p := &policy{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		multiplier:  defaultMultiplier,
		jitter:      true,
		retryIf:     func(error) bool { return true },
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter does not need crypto randomness
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// delayFor computes the backoff delay before attempt n+1, given that
// attempt n (1-indexed) just failed.
func (p *policy) delayFor(attempt int) time.Duration {
	d := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt-1))
	if d > float64(p.maxDelay) {
		d = float64(p.maxDelay)
	}
	if p.jitter {
		// +/-10% around the computed delay
		d *= 1 - jitterFraction + 2*jitterFraction*p.rng.Float64()
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op, retrying on failure according to the configured policy.
// A nil return means op eventually succeeded. After the final attempt fails
// the returned error wraps ErrExhausted, the attempt count and the last
// underlying error. No delay follows the final attempt.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	p := newPolicy(opts)

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) || !p.retryIf(lastErr) {
			return lastErr
		}

		if attempt == p.maxAttempts {
			break
		}

		delay := p.delayFor(attempt)
		if p.onRetry != nil {
			p.onRetry(attempt, lastErr, delay)
		}
		metrics.RecordRetryAttempt()

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
	}

	metrics.RecordRetryExhausted()
	return fmt.Errorf("%w: %d attempts: %w", ErrExhausted, p.maxAttempts, lastErr)
}

// DoValue runs op, retrying on failure, and returns its value on success.
func DoValue[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

// StoragePolicy returns retry options tuned for storage calls.
func StoragePolicy() []Option {
	return []Option{
		WithMaxAttempts(3),
		WithBaseDelay(100 * time.Millisecond),
		WithMaxDelay(2 * time.Second),
	}
}

// CachePolicy returns retry options tuned for cache calls. Cache failures
// are cheap to retry but never worth waiting long for.
func CachePolicy() []Option {
	return []Option{
		WithMaxAttempts(2),
		WithBaseDelay(50 * time.Millisecond),
		WithMaxDelay(500 * time.Millisecond),
	}
}

// OutboundPolicy returns retry options tuned for outbound calls such as
// notification dispatch.
func OutboundPolicy() []Option {
	return []Option{
		WithMaxAttempts(4),
		WithBaseDelay(250 * time.Millisecond),
		WithMaxDelay(5 * time.Second),
	}
}
