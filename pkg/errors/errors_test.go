package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMessage(t *testing.T) {
	err := New(ErrCodeNotFound, "stream not found", http.StatusNotFound)
	assert.Equal(t, "NOT_FOUND: stream not found", err.Error())
}

func TestAppErrorMessageWithCause(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := Wrap(cause, ErrCodeUnavailable, "registry unreachable", http.StatusServiceUnavailable)

	assert.Contains(t, err.Error(), "SERVICE_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestConstructorsSetHTTPStatus(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInput("bad stream id"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFound("stream"), ErrCodeNotFound, http.StatusNotFound},
		{NewForbidden("not the host"), ErrCodeForbidden, http.StatusForbidden},
		{NewConflict("stream already exists"), ErrCodeConflict, http.StatusConflict},
		{NewRateLimit(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewInternal("unexpected"), ErrCodeInternal, http.StatusInternalServerError},
		{NewUnavailable("redis down"), ErrCodeUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.status, tt.err.HTTPStatus)
	}
}

func TestGetAppErrorUnwrapsChain(t *testing.T) {
	app := NewConflict("stream already exists")
	wrapped := fmt.Errorf("handling start-stream: %w", app)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeConflict, got.Code)
}

func TestGetAppErrorPlainError(t *testing.T) {
	assert.Nil(t, GetAppError(stderrors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}

func TestIsAppError(t *testing.T) {
	assert.True(t, IsAppError(NewInternal("x")))
	assert.False(t, IsAppError(stderrors.New("plain")))
}
