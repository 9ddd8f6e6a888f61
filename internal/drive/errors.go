// Package drive provides an HTTP client for the cloud drive file API with
// bounded retry, a single forced credential refresh on 401, and error
// classification into a small set of sentinel classes.
package drive

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Failure classes. Every error returned by Client wraps exactly one of these
// (except context cancellation). Use errors.Is to check.
var (
	ErrUnauthorized = errors.New("drive: unauthorized")
	ErrNotFound     = errors.New("drive: not found")
	ErrConflict     = errors.New("drive: conflict")
	ErrRateLimited  = errors.New("drive: rate limited")
	ErrTransient    = errors.New("drive: transient failure")
	ErrFatal        = errors.New("drive: fatal")
)

// ErrURLExpired is returned when a pre-signed download or upload URL was
// rejected. Callers fetch a fresh URL and try again.
var ErrURLExpired = fmt.Errorf("%w: pre-signed url expired", ErrUnauthorized)

// APIError carries the remote error details. Err is the failure class.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}

	if e.RequestID != "" {
		return fmt.Sprintf("drive: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("drive: HTTP %d: %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classify maps a non-2xx status and the remote error code to a class.
func classify(status int, code string) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound || strings.HasPrefix(code, "NotFound."):
		return ErrNotFound
	case status == http.StatusConflict || strings.HasPrefix(code, "AlreadyExist."):
		return ErrConflict
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return ErrTransient
	default:
		return ErrFatal
	}
}

// retryable reports whether a failure class is retried with backoff.
func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// outcome is the metrics label for a finished request.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "fatal"
	}
}
