package engine

import (
	"errors"
	"fmt"
)

// errRuntimeUnavailable marks structural impossibility of the real runtime
// (unsupported platform, missing accelerator library, unrecognized format).
// Load treats it as the signal to enter fallback mode rather than fail.
var errRuntimeUnavailable = errors.New("compute runtime unavailable")

// ErrRuntimeUnavailable wraps a reason into the unavailability sentinel.
func ErrRuntimeUnavailable(reason string) error {
	return fmt.Errorf("%w: %s", errRuntimeUnavailable, reason)
}

// IsRuntimeUnavailable reports whether err indicates the real runtime cannot
// exist in this build/environment.
func IsRuntimeUnavailable(err error) bool {
	return errors.Is(err, errRuntimeUnavailable)
}

// unloadedError signals an operation on a terminally unloaded engine.
type unloadedError struct{ modelID string }

func (e unloadedError) Error() string {
	return "generation failed: model unloaded: " + e.modelID
}

// ErrUnloaded constructs an unloaded-engine error for a model id.
func ErrUnloaded(modelID string) error { return unloadedError{modelID: modelID} }

// IsUnloaded reports whether err indicates a terminally unloaded engine.
func IsUnloaded(err error) bool {
	var ue unloadedError
	return errors.As(err, &ue)
}

// transientError is a retryable runtime hiccup.
type transientError struct{ cause error }

func (e transientError) Error() string {
	return "generation failed: runtime error: " + e.cause.Error()
}

func (e transientError) Unwrap() error { return e.cause }

// ErrTransient marks err as a retryable runtime failure.
func ErrTransient(err error) error { return transientError{cause: err} }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// fatalError is a non-retryable failure, e.g. malformed prompt or params.
type fatalError struct{ msg string }

func (e fatalError) Error() string { return "generation failed: " + e.msg }

// ErrFatal constructs a non-retryable generation error.
func ErrFatal(msg string) error { return fatalError{msg: msg} }

// IsFatal reports whether err is a non-retryable input/usage error.
func IsFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}
