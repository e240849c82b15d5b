package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantFields  map[string][]string
		wantUser    string
	}{
		{
			name:        "field error lists",
			status:      http.StatusUnprocessableEntity,
			body:        `{"message":"validation failed","errors":{"email":["is required"],"name":["is too long","is invalid"]}}`,
			wantMessage: "validation failed",
			wantFields:  map[string][]string{"email": {"is required"}, "name": {"is too long", "is invalid"}},
			wantUser:    "email is required; name is too long, is invalid",
		},
		{
			name:        "single field errors",
			status:      http.StatusBadRequest,
			body:        `{"error":"bad input","errors":{"password":"is too short"}}`,
			wantMessage: "bad input",
			wantFields:  map[string][]string{"password": {"is too short"}},
			wantUser:    "password is too short",
		},
		{
			name:        "field error array",
			status:      http.StatusBadRequest,
			body:        `{"detail":"nope","errors":[{"field":"email","message":"is taken"}]}`,
			wantMessage: "nope",
			wantFields:  map[string][]string{"email": {"is taken"}},
			wantUser:    "email is taken",
		},
		{
			name:        "plain text body",
			status:      http.StatusBadGateway,
			body:        "upstream down\n",
			wantMessage: "upstream down",
			wantUser:    "upstream down",
		},
		{
			name:     "empty body server error",
			status:   http.StatusInternalServerError,
			wantUser: "The chat service is unavailable. Please try again.",
		},
		{
			name:     "empty body unauthorized",
			status:   http.StatusUnauthorized,
			wantUser: "Your credentials are invalid or have expired.",
		},
		{
			name:     "empty body client error",
			status:   http.StatusConflict,
			body:     `{}`,
			wantUser: "The request could not be completed.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := newAPIError("POST /x", response(tt.status, tt.body))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.wantFields, apiErr.FieldErrors)
			assert.Equal(t, tt.wantUser, apiErr.UserMessage())
			assert.Contains(t, apiErr.Error(), "POST /x")
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	assert.ErrorIs(t, &APIError{StatusCode: http.StatusUnauthorized}, ErrUnauthorized)
	assert.ErrorIs(t, &APIError{StatusCode: http.StatusNotFound}, ErrNotFound)
	assert.NotErrorIs(t, &APIError{StatusCode: http.StatusInternalServerError}, ErrNotFound)

	wrapped := fmt.Errorf("op: %w", &APIError{StatusCode: http.StatusNotFound})
	var apiErr *APIError
	require.True(t, errors.As(wrapped, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "Invalid email or password.", UserMessage(fmt.Errorf("%w: bad", ErrInvalidCredentials)))
	assert.Equal(t, "You are not signed in.", UserMessage(ErrNotAuthenticated))
	assert.Equal(t, "No conversation is selected.", UserMessage(ErrNoActiveSession))
	assert.Equal(t, "That conversation is still being updated.", UserMessage(ErrSessionBusy))
	assert.Equal(t, "That conversation does not exist.", UserMessage(fmt.Errorf("%w: s-9", ErrSessionNotFound)))
	assert.Equal(t, "Type a message first.", UserMessage(ErrEmptyInput))
	assert.Equal(t, "The request timed out.", UserMessage(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, "boom", UserMessage(&APIError{StatusCode: 500, Message: "boom"}))
	assert.Equal(t, "Network error: dial failed", UserMessage(errors.New("dial failed")))
}
