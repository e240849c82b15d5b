package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a valid account token.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInvalidCredentials is returned when the credential exchange is rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized wraps every 401 response.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound wraps every 404 response.
	ErrNotFound = errors.New("not found")
	// ErrNoActiveSession is returned when a session-scoped operation has no active session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned while another mutation for the same session is outstanding.
	ErrSessionBusy = errors.New("session has a request in progress")
	// ErrEmptyInput is returned when a chat submission has no content.
	ErrEmptyInput = errors.New("message is empty")
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the chat service.
type APIError struct {
	Op          string              // "GET /sessions"
	StatusCode  int                 // HTTP status
	Message     string              // Server message, if any
	FieldErrors map[string][]string // Structured validation errors, if any
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: %s: %d %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: %s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap maps well-known statuses onto sentinel errors for errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// UserMessage renders the error for people: field errors first, then the server message,
// then a generic fallback.
func (e *APIError) UserMessage() string {
	if len(e.FieldErrors) > 0 {
		fields := make([]string, 0, len(e.FieldErrors))
		for field := range e.FieldErrors {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			parts = append(parts, fmt.Sprintf("%s %s", field, strings.Join(e.FieldErrors[field], ", ")))
		}
		return strings.Join(parts, "; ")
	}
	if e.Message != "" {
		return e.Message
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return "Your credentials are invalid or have expired."
	case e.StatusCode >= 500:
		return "The chat service is unavailable. Please try again."
	default:
		return "The request could not be completed."
	}
}

// UserMessage renders any error returned by this package for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password."
	case errors.As(err, &apiErr):
		return apiErr.UserMessage()
	case errors.Is(err, ErrNotAuthenticated):
		return "You are not signed in."
	case errors.Is(err, ErrNoActiveSession):
		return "No conversation is selected."
	case errors.Is(err, ErrSessionBusy):
		return "That conversation is still being updated."
	case errors.Is(err, ErrSessionNotFound):
		return "That conversation does not exist."
	case errors.Is(err, ErrEmptyInput):
		return "Type a message first."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out."
	default:
		return fmt.Sprintf("Network error: %v", err)
	}
}

// errorBody is the union of error shapes the service may return.
type errorBody struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Detail  string          `json:"detail"`
	Errors  json.RawMessage `json:"errors"`
}

// newAPIError consumes resp.Body and builds an APIError from it.
func newAPIError(op string, resp *http.Response) *APIError {
	apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	switch {
	case body.Message != "":
		apiErr.Message = body.Message
	case body.Error != "":
		apiErr.Message = body.Error
	case body.Detail != "":
		apiErr.Message = body.Detail
	}
	apiErr.FieldErrors = parseFieldErrors(body.Errors)

	return apiErr
}

// parseFieldErrors accepts {"field": ["msg"]}, {"field": "msg"} and [{"field","message"}].
func parseFieldErrors(raw json.RawMessage) map[string][]string {
	if len(raw) == 0 {
		return nil
	}

	var lists map[string][]string
	if err := json.Unmarshal(raw, &lists); err == nil && len(lists) > 0 {
		return lists
	}

	var singles map[string]string
	if err := json.Unmarshal(raw, &singles); err == nil && len(singles) > 0 {
		result := make(map[string][]string, len(singles))
		for field, msg := range singles {
			result[field] = []string{msg}
		}
		return result
	}

	var items []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		result := make(map[string][]string)
		for _, item := range items {
			if item.Field == "" {
				continue
			}
			result[item.Field] = append(result[item.Field], item.Message)
		}
		if len(result) > 0 {
			return result
		}
	}

	return nil
}
