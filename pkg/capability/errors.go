// Package capability holds the shared error taxonomy for outbound
// collaborator calls. The stage-worker retry policy keys off these types:
// 429 and 5xx retry, other 4xx are terminal, and 401/403 are terminal with
// an alert.
package capability

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Op     string // capability operation, e.g. "classifier", "merchant submit"
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d", e.Op, e.Status)
}

// NewStatusError wraps an HTTP status into the taxonomy.
func NewStatusError(op string, status int) *StatusError {
	return &StatusError{Op: op, Status: status}
}

// IsRetryable reports whether the error should be retried: network errors,
// 429 and 5xx. Non-StatusError values are treated as transient network
// failures and retried.
func IsRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return err != nil
	}
	return se.Status == http.StatusTooManyRequests || se.Status >= 500
}

// IsAuthError reports whether the error is an authentication or
// authorization failure. These are terminal and alerted.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden
}

// IsNotFound reports a 404 from a collaborator, used by the poll sweeper to
// mark unknown search ids terminally failed.
func IsNotFound(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusNotFound
}
