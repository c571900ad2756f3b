package download

import (
	"errors"
	"fmt"
	"strings"
)

// transportError signals a network/file-transfer failure. The partial
// directory is retained; cleanup is a separate explicit operation.
type transportError struct {
	modelID string
	file    string
	cause   error
}

func (e transportError) Error() string {
	return fmt.Sprintf("could not complete model download: %s (file %q), partial data retained", e.cause, e.file)
}

func (e transportError) Unwrap() error { return e.cause }

// ErrTransport constructs a download transport error.
func ErrTransport(modelID, file string, cause error) error {
	return transportError{modelID: modelID, file: file, cause: cause}
}

// IsTransport reports whether err is a download transport failure.
func IsTransport(err error) bool {
	var te transportError
	return errors.As(err, &te)
}

// verificationError signals that a directory fails the bundle validity
// invariant after (or instead of) a fetch.
type verificationError struct {
	modelID string
	missing []string
}

func (e verificationError) Error() string {
	return fmt.Sprintf("model %s failed verification: missing %s", e.modelID, strings.Join(e.missing, ", "))
}

// ErrVerification constructs a bundle verification error.
func ErrVerification(modelID string, missing []string) error {
	return verificationError{modelID: modelID, missing: missing}
}

// IsVerification reports whether err is a post-fetch verification failure.
func IsVerification(err error) bool {
	var ve verificationError
	return errors.As(err, &ve)
}

// notFoundError signals the repository has no usable bundle for the id.
type notFoundError struct{ modelID string }

func (e notFoundError) Error() string { return "model not found: " + e.modelID }

// ErrModelNotFound constructs a not-found error for a model id.
func ErrModelNotFound(id string) error { return notFoundError{modelID: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var ne notFoundError
	return errors.As(err, &ne)
}
