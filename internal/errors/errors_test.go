package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteError_Error(t *testing.T) {
	err := NewRemote("session-store", 503, "unavailable")
	assert.Contains(t, err.Error(), "session-store")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "unavailable")
}

func TestRemoteError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &RemoteError{Service: "scraper", StatusCode: 500, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestValidationError(t *testing.T) {
	err := NewFieldValidation("domain", "must not be empty")
	assert.Contains(t, err.Error(), "domain")
	assert.Contains(t, err.Error(), "must not be empty")
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(errors.New("other")))

	plain := NewValidation("bad input")
	assert.Equal(t, "bad input", plain.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRemote("scraper", 429, "rate limit")))
	assert.True(t, IsRetryable(NewRemote("scraper", 502, "bad gateway")))
	assert.True(t, IsRetryable(NewRemote("scraper", 503, "unavailable")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrRateLimit))

	assert.False(t, IsRetryable(NewRemote("scraper", 401, "unauth")))
	assert.False(t, IsRetryable(NewRemote("scraper", 404, "not found")))
	assert.False(t, IsRetryable(ErrNotAuthenticated))
	assert.False(t, IsRetryable(NewValidation("bad")))
}
