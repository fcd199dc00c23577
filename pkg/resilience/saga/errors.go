package saga

import "errors"

// Sentinel kinds for saga errors.
var (
	// ErrStepFailed wraps the underlying cause when a step exhausts its
	// retries and the saga begins compensation.
	ErrStepFailed = errors.New("saga step failed")
)
