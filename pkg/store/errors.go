// Package store is the HTTP client for the record store: breadcrumb
// CRUD, selector and vector search, secrets, token issuance, and the
// SSE event stream.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates the bearer token was rejected
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVersionMismatch indicates an If-Match update lost the race
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrNotFound indicates the breadcrumb or secret does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the store rejected the write as conflicting
	ErrConflict = errors.New("conflict")

	// ErrRateLimited indicates the store asked the client to back off
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates the store rejected the request body
	ErrValidation = errors.New("validation failed")
)

// APIError carries the HTTP detail behind a failed store call. It
// unwraps to one of the sentinel errors above so callers can use
// errors.Is without caring about status codes.
type APIError struct {
	Op         string // logical operation, e.g. "create", "update"
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// TransientError marks a failure worth retrying: network errors, 5xx
// responses, and rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// errorFromStatus maps a non-2xx store response to the taxonomy.
func errorFromStatus(op string, status int, body string) error {
	apiErr := &APIError{Op: op, StatusCode: status, Body: body}
	switch {
	case status == 400 || status == 422:
		apiErr.Err = ErrValidation
	case status == 401 || status == 403:
		apiErr.Err = ErrUnauthorized
	case status == 404:
		apiErr.Err = ErrNotFound
	case status == 409:
		apiErr.Err = ErrConflict
	case status == 412:
		apiErr.Err = ErrVersionMismatch
	case status == 429:
		apiErr.Err = ErrRateLimited
		return &TransientError{Err: apiErr}
	case status >= 500:
		return &TransientError{Err: apiErr}
	default:
		apiErr.Err = fmt.Errorf("unexpected status %d", status)
	}
	return apiErr
}
