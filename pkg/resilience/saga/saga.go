// Package saga provides a sequential multi-step orchestrator with
// compensating rollback.
//
// Steps run strictly in order. When a step fails (after its own in-place
// retries), already-completed steps are compensated in reverse order.
// Compensation is best-effort: a failing compensation is logged and does not
// stop the remaining compensations.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quizlab/merit/pkg/logger"
	"github.com/quizlab/merit/pkg/metrics"
	"github.com/quizlab/merit/pkg/resilience/retry"
)

// Default orchestrator configuration constants.
const (
	defaultHistorySize    = 100
	defaultStepRetryDelay = 50 * time.Millisecond
)

// Step declares one unit of work with its compensating action.
type Step struct {
	// Name identifies the step in results, logs and emitted notifications.
	Name string

	// Execute performs the step's work.
	Execute func(ctx context.Context) error

	// Compensate undoes the step after a later step fails. Optional; a nil
	// Compensate means the step needs no rollback.
	Compensate func(ctx context.Context) error

	// Retryable steps are retried in place with backoff before the saga
	// treats them as failed.
	Retryable bool

	// MaxRetries bounds in-place retries for a retryable step.
	MaxRetries int

	// Timeout hard-bounds one execution attempt. Zero means no per-step bound
	// beyond the caller's context.
	Timeout time.Duration
}

// Result is the write-once execution trace of one saga run.
type Result struct {
	ID          string
	Name        string
	Completed   []string
	FailedStep  string
	Compensated []string
	Duration    time.Duration
	Success     bool
	Err         error
}

// Observer receives step lifecycle notifications. Outcome is one of
// "completed", "failed" or "compensated".
type Observer func(sagaID, stepName, outcome string)

// Orchestrator runs sagas and keeps a bounded in-memory history of their
// execution traces. The history is diagnostic only; it is never used for
// recovery.
type Orchestrator struct {
	historySize    int
	stepRetryDelay time.Duration
	observer       Observer
	logger         logger.Logger

	history *ring
}

// New creates a saga orchestrator with configuration options.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		historySize:    defaultHistorySize,
		stepRetryDelay: defaultStepRetryDelay,
	}

	// Apply all options
	for _, opt := range opts {
		opt(o)
	}

	o.history = newRing(o.historySize)
	return o
}

// Run executes steps sequentially and returns the execution trace.
// On step failure, completed steps are compensated in reverse order unless
// WithoutCompensation is set; with ContinueOnError, subsequent steps still
// run after a failure and no compensation occurs for that failure.
func (o *Orchestrator) Run(ctx context.Context, name string, steps []Step, opts ...RunOption) Result {
	ro := runOptions{compensate: true}
	for _, opt := range opts {
		opt(&ro)
	}

	start := time.Now()
	result := Result{
		ID:   uuid.NewString(),
		Name: name,
	}

	completed := make([]Step, 0, len(steps))
	var failed bool

	for i := range steps {
		step := steps[i]
		err := o.executeStep(ctx, step)
		if err == nil {
			completed = append(completed, step)
			result.Completed = append(result.Completed, step.Name)
			o.notify(result.ID, step.Name, "completed")
			continue
		}

		failed = true
		if result.FailedStep == "" {
			result.FailedStep = step.Name
			result.Err = fmt.Errorf("%w: %s: %w", ErrStepFailed, step.Name, err)
		}
		o.notify(result.ID, step.Name, "failed")
		if o.logger != nil {
			o.logger.Error(ctx, "saga step failed",
				logger.String("saga", name),
				logger.String("saga_id", result.ID),
				logger.String("step", step.Name),
				logger.Error(err),
			)
		}

		if !ro.continueOnError {
			break
		}
	}

	if failed && ro.compensate && !ro.continueOnError {
		result.Compensated = o.compensate(ctx, result.ID, name, completed)
	}

	result.Success = !failed
	result.Duration = time.Since(start)

	if result.Success {
		metrics.RecordSagaExecution("success")
	} else {
		metrics.RecordSagaExecution("failure")
	}
	metrics.RecordSagaDuration(float64(result.Duration.Milliseconds()))

	o.history.add(result)
	return result
}

// executeStep runs one step with its per-step timeout and in-place retries.
func (o *Orchestrator) executeStep(ctx context.Context, step Step) error {
	run := func(ctx context.Context) error {
		if step.Timeout > 0 {
			stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
			defer cancel()
			return step.Execute(stepCtx)
		}
		return step.Execute(ctx)
	}

	if !step.Retryable || step.MaxRetries <= 0 {
		return run(ctx)
	}

	return retry.Do(ctx, run,
		retry.WithMaxAttempts(step.MaxRetries+1),
		retry.WithBaseDelay(o.stepRetryDelay),
	)
}

// compensate rolls back completed steps most-recent-first. Compensation
// failures are logged and do not abort the remaining compensations.
func (o *Orchestrator) compensate(ctx context.Context, sagaID, name string, completed []Step) []string {
	compensated := make([]string, 0, len(completed))
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			if o.logger != nil {
				o.logger.Warn(ctx, "saga compensation failed",
					logger.String("saga", name),
					logger.String("saga_id", sagaID),
					logger.String("step", step.Name),
					logger.Error(err),
				)
			}
			continue
		}
		compensated = append(compensated, step.Name)
		metrics.RecordSagaCompensation()
		o.notify(sagaID, step.Name, "compensated")
	}
	return compensated
}

func (o *Orchestrator) notify(sagaID, stepName, outcome string) {
	if o.observer != nil {
		o.observer(sagaID, stepName, outcome)
	}
}

// Recent returns up to n of the latest execution traces, newest first.
func (o *Orchestrator) Recent(n int) []Result {
	return o.history.recent(n)
}
