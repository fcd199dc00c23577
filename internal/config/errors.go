package config

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrLoadConfig        = errors.New("load config failed")
	ErrEmptyAddr         = errors.New("addr must not be empty")
	ErrInvalidBatchLimit = errors.New("batch_limit must be positive")
	ErrInvalidBreaker    = errors.New("breaker thresholds must be positive")
)

func wrapLoadError(err error) error {
	return fmt.Errorf("%w: %w", ErrLoadConfig, err)
}
