// Package breaker provides a per-named-operation circuit breaker.
//
// Each breaker is a process-local state machine over CLOSED, OPEN and
// HALF_OPEN. Failures within a monitoring window trip the breaker; while
// open, calls short-circuit (or run a fallback) until the open timeout
// elapses, after which a trial call decides whether to close again.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quizlab/merit/pkg/logger"
	"github.com/quizlab/merit/pkg/metrics"
)

// State identifies the breaker state machine position.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker configuration constants.
const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultOpenTimeout      = 30 * time.Second
	defaultWindow           = time.Minute
	defaultCallTimeout      = 10 * time.Second
)

// Config holds the tunables for one breaker.
type Config struct {
	// FailureThreshold trips CLOSED -> OPEN once this many failures land
	// within Window.
	FailureThreshold int

	// SuccessThreshold closes a HALF_OPEN breaker after this many
	// consecutive successes.
	SuccessThreshold int

	// Timeout is how long an OPEN breaker holds before allowing a trial.
	Timeout time.Duration

	// Window bounds the failure-counting period while CLOSED.
	Window time.Duration

	// CallTimeout hard-bounds each wrapped invocation. A timeout counts
	// as a failure.
	CallTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		FailureThreshold: defaultFailureThreshold,
		SuccessThreshold: defaultSuccessThreshold,
		Timeout:          defaultOpenTimeout,
		Window:           defaultWindow,
		CallTimeout:      defaultCallTimeout,
	}
}

// Snapshot is a point-in-time view of a breaker for inspection.
type Snapshot struct {
	Name          string
	State         State
	Failures      int
	Successes     int
	NextAttemptAt time.Time
}

// Breaker guards calls to a single named dependency.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    []time.Time // failure timestamps within the window (CLOSED)
	successes   int         // consecutive successes (HALF_OPEN)
	nextAttempt time.Time

	logger logger.Logger
}

func newBreaker(name string, cfg Config, now func() time.Time, log logger.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    now,
		state:  StateClosed,
		logger: log,
	}
	metrics.UpdateBreakerState(name, int(StateClosed))
	return b
}

// Name returns the breaker's operation name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. The OPEN -> HALF_OPEN timeout
// transition happens on the next admitted call, not here.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters for inspection.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state,
		Failures:      len(b.failures),
		Successes:     b.successes,
		NextAttemptAt: b.nextAttempt,
	}
}

// Do invokes op through the breaker. While open and before the next attempt
// time it fails fast with ErrOpen without invoking op.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return b.DoWithFallback(ctx, op, nil)
}

// DoWithFallback invokes op through the breaker; when the call is
// short-circuited (or fails) and fallback is non-nil, the fallback runs
// instead of returning the error.
func (b *Breaker) DoWithFallback(ctx context.Context, op func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	if !b.allow() {
		metrics.RecordBreakerShortCircuit(b.name)
		cause := fmt.Errorf("%w: %s", ErrOpen, b.name)
		if fallback != nil {
			return fallback(ctx, cause)
		}
		return cause
	}

	err := b.invoke(ctx, op)
	if err != nil {
		b.recordFailure()
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	b.recordSuccess()
	return nil
}

// allow decides whether the call may proceed, handling the OPEN timeout.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return false
		}
		// Timeout elapsed: the next invocation is a trial.
		b.transition(StateHalfOpen)
		return true
	default:
		return true
	}
}

// invoke runs op with the hard call timeout. The operation runs in its own
// goroutine so even a ctx-ignoring op cannot hold the caller past the bound.
func (b *Breaker) invoke(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("%w: %s after %s", ErrCallTimeout, b.name, b.cfg.CallTimeout)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		// Any trial failure reopens immediately.
		b.nextAttempt = now.Add(b.cfg.Timeout)
		b.transition(StateOpen)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneFailures(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.nextAttempt = now.Add(b.cfg.Timeout)
			b.transition(StateOpen)
		}
	case StateOpen:
		// Late completion from a call admitted before opening; nothing to count.
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.pruneFailures(b.now())
	case StateOpen:
		// Late completion; the open timeout still governs.
	}
}

// pruneFailures drops failure timestamps outside the monitoring window.
// Must be called with b.mu held.
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transition moves the breaker to a new state and resets the counters that
// belong to the state being left. Must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	switch to {
	case StateClosed:
		b.failures = b.failures[:0]
		b.successes = 0
		b.nextAttempt = time.Time{}
	case StateHalfOpen:
		b.successes = 0
	case StateOpen:
		b.failures = b.failures[:0]
	}

	metrics.UpdateBreakerState(b.name, int(to))
	metrics.RecordBreakerTransition(b.name, to.String())
	if b.logger != nil {
		b.logger.Info(context.Background(), "breaker state change",
			logger.String("name", b.name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}
}
