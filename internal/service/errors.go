package service

import "errors"

// tooBusyError signals that a model's admission queue is full.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string {
	return "too busy: generation queue full for model " + e.modelID
}

// ErrTooBusy constructs a too-busy error for a model id.
func ErrTooBusy(modelID string) error { return tooBusyError{modelID: modelID} }

// IsTooBusy reports whether err indicates a saturated generation queue.
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// drainingError signals the service is shutting down and refuses new work.
type drainingError struct{}

func (drainingError) Error() string { return "service is draining" }

// IsDraining reports whether err indicates a shutdown in progress.
func IsDraining(err error) bool {
	var de drainingError
	return errors.As(err, &de)
}
