package retry

import "errors"

// Sentinel kinds for retry errors.
var (
	// ErrExhausted wraps the last failure once all attempts are spent.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrNonRetryable marks errors that must abort immediately.
	ErrNonRetryable = errors.New("non-retryable error")
)

// nonRetryableError carries an underlying error that must never be retried.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() []error { return []error{e.err, ErrNonRetryable} }

// NonRetryable wraps err so the executor aborts on it immediately.
// errors.Is(wrapped, ErrNonRetryable) reports true, and the original error
// remains reachable through errors.Is/As.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrNonRetryable)
}
