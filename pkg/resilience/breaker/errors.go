package breaker

import "errors"

// Sentinel kinds for breaker errors.
var (
	// ErrOpen is returned when a call is short-circuited by an open breaker.
	ErrOpen = errors.New("circuit open")

	// ErrCallTimeout is returned when a wrapped call exceeds its hard timeout.
	ErrCallTimeout = errors.New("call timed out")
)
