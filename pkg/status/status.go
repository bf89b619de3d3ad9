// Package status defines the error taxonomy exposed at the storage boundary
package status

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a key or resource that does not exist (non-fatal)
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates a malformed caller input
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSystem indicates a transient system failure (I/O error, disk full)
	ErrSystem = errors.New("system error")

	// ErrLogic indicates a violated precondition, i.e. a caller bug
	ErrLogic = errors.New("logic error")

	// ErrCorruption indicates on-disk state that fails an integrity check
	ErrCorruption = errors.New("corruption")

	// ErrBusy indicates a resource that cannot be acquired right now
	ErrBusy = errors.New("busy")

	// ErrNotSupported indicates an operation the backend does not implement
	ErrNotSupported = errors.New("not supported")
)

// NotFound wraps a message with the not-found kind
func NotFound(format string, args ...any) error {
	return kind(ErrNotFound, format, args...)
}

// InvalidArgument wraps a message with the invalid-argument kind
func InvalidArgument(format string, args ...any) error {
	return kind(ErrInvalidArgument, format, args...)
}

// System wraps a message with the system-error kind
func System(format string, args ...any) error {
	return kind(ErrSystem, format, args...)
}

// SystemFrom wraps an underlying OS error with the system-error kind.
// The original error remains reachable through errors.Is/As.
func SystemFrom(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSystem, op, err)
}

// Logic wraps a message with the logic-error kind
func Logic(format string, args ...any) error {
	return kind(ErrLogic, format, args...)
}

// Corruption wraps a message with the corruption kind
func Corruption(format string, args ...any) error {
	return kind(ErrCorruption, format, args...)
}

// Busy wraps a message with the busy kind
func Busy(format string, args ...any) error {
	return kind(ErrBusy, format, args...)
}

// NotSupported wraps a message with the not-supported kind
func NotSupported(format string, args ...any) error {
	return kind(ErrNotSupported, format, args...)
}

func kind(k error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", k, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err carries the not-found kind
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption reports whether err carries the corruption kind
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsBusy reports whether err carries the busy kind
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }
