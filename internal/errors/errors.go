// Package errors consolidates the error definitions for the candle cache.
//
// The taxonomy mirrors how callers must react:
//   - malformed input is fatal and rejected before it reaches storage;
//   - write conflicts on the same series key are retryable;
//   - upstream fetch failures are never raised as errors here at all, they
//     are absorbed into per-symbol fetch-health state;
//   - compression fallback and stale index reads are not errors.
package errors

import (
	"errors"
	"fmt"
)

var (
	// Malformed input is fatal and not retried.
	ErrMalformedInput   = errors.New("malformed input")
	ErrEmptySymbol      = errors.New("empty symbol")
	ErrZeroTimestamp    = errors.New("zero or negative timestamp")
	ErrInvalidWidth     = errors.New("non-positive chunk width")
	ErrMixedSeries      = errors.New("batch spans multiple series")
	ErrUnknownTimeframe = errors.New("unknown timeframe")

	// State errors.
	ErrChunkClosed    = errors.New("chunk is closed to writes")
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrSymbolUnknown  = errors.New("symbol not tracked")
	ErrSymbolActive   = errors.New("symbol is already active")

	// Retryable conflicts.
	ErrConflict = errors.New("concurrent write conflict")

	// Configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// IsMalformed returns true if err rejects the input itself. Such errors are
// fatal for the batch: retrying the identical input cannot succeed.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedInput) ||
		errors.Is(err, ErrEmptySymbol) ||
		errors.Is(err, ErrZeroTimestamp) ||
		errors.Is(err, ErrInvalidWidth) ||
		errors.Is(err, ErrMixedSeries) ||
		errors.Is(err, ErrUnknownTimeframe)
}

// IsRetriable returns true if the caller may retry the operation as-is.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewMalformed creates a malformed-input error with field context.
func NewMalformed(field, reason string) error {
	return fmt.Errorf("%s: %s: %w", field, reason, ErrMalformedInput)
}

// NewValidation creates a configuration validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}
