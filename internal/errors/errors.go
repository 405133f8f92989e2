// Package errors provides structured error types for the research pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrConfirmationDeclined = errors.New("cost confirmation declined")
	ErrTimeout              = errors.New("operation timed out")
	ErrRateLimit            = errors.New("rate limit exceeded")
	ErrNotFound             = errors.New("resource not found")
	ErrSessionClosed        = errors.New("session is closed")
	ErrPhaseInFlight        = errors.New("phase already in flight")
)

// ValidationError is malformed input caught before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidation creates a ValidationError without a field reference.
func NewValidation(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// NewFieldValidation creates a ValidationError for a named field.
func NewFieldValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RemoteError represents a non-2xx or malformed response from a backend service.
type RemoteError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemote creates a new remote service error.
func NewRemote(service string, statusCode int, message string) *RemoteError {
	return &RemoteError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		switch re.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit)
}
