package processor

import "errors"

// Processing errors.
var (
	// ErrInvalidEvent indicates an event missing its id or user id.
	ErrInvalidEvent = errors.New("processor: invalid event")
)
