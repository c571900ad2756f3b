package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"inferd/internal/download"
	"inferd/internal/engine"
	"inferd/internal/service"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case download.IsModelNotFound(err):
		return http.StatusNotFound
	case download.IsVerification(err):
		return http.StatusConflict
	case download.IsTransport(err):
		return http.StatusBadGateway
	case engine.IsUnloaded(err):
		return http.StatusGone
	case service.IsTooBusy(err):
		return http.StatusTooManyRequests
	case service.IsDraining(err):
		return http.StatusServiceUnavailable
	case engine.IsFatal(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Client is gone; the status is cosmetic.
		return 499
	default:
		if he, ok := err.(HTTPError); ok {
			return he.StatusCode()
		}
		return http.StatusInternalServerError
	}
}

// writeDomainError maps err and writes the JSON error payload, bumping the
// backpressure counter on 429s.
func writeDomainError(w http.ResponseWriter, err error) int {
	status := statusForError(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("generation_queue_full")
	}
	writeJSONError(w, status, err.Error())
	return status
}
