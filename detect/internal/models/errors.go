package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the detection pipeline. Callers match them with
// errors.Is; producers wrap them with fmt.Errorf("...: %w", ...).
var (
	// ErrParse marks malformed or truncated input. The frame or payload is
	// skipped, the pipeline continues.
	ErrParse = errors.New("parse error")

	// ErrConfig marks a rejected configuration value.
	ErrConfig = errors.New("invalid configuration")

	// ErrFeedUnavailable marks a failed indicator refresh.
	ErrFeedUnavailable = errors.New("indicator feed unavailable")

	// ErrQueueOverflow marks an item dropped from a full bounded queue.
	ErrQueueOverflow = errors.New("queue overflow")
)

// ConfigError describes one rejected configuration value.
type ConfigError struct {
	Key    string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%v: %s", e.Key, e.Value, e.Reason)
}

// Unwrap lets errors.Is(err, ErrConfig) match.
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// NewParseError wraps ErrParse with the layer that failed.
func NewParseError(layer string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrParse, layer, fmt.Sprintf(format, args...))
}
