package applivery

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// LimitExceededCode is the business error code the API returns when the
// monthly installation quota of the account is used up.
const LimitExceededCode = 5430

const unknownLimit = "-1"

// TransportError represents a failure to reach the API or to read its
// response: connection errors, timeouts, truncated bodies.
type TransportError struct {
	Operation string // The operation that failed (e.g., "obtain_token", "read_body")
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError represents a response that could not be decoded or lacks a
// field the caller depends on.
type ParseError struct {
	Operation string
	Field     string // Missing field, empty when the body itself is malformed
	Err       error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse error during %s: missing %s", e.Operation, e.Field)
	}

	return fmt.Sprintf("parse error during %s: %v", e.Operation, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// LimitExceededError is returned when the installation quota is exhausted.
type LimitExceededError struct {
	Limit   string // Monthly installation limit as reported by the API, "-1" if absent
	Message string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("installations limit exceeded, limit: %s/month", e.Limit)
}

// APIError is any other structured error returned by the API.
type APIError struct {
	Operation  string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error during %s (HTTP %d, code %d): %s", e.Operation, e.StatusCode, e.Code, e.Message)
}

// ErrorEntity is the error section of an API response.
type ErrorEntity struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Limit returns data.limit as text, or "-1" when the API did not send it.
func (e ErrorEntity) Limit() string {
	v, ok := e.Data["limit"]
	if !ok || v == nil {
		return unknownLimit
	}

	switch limit := v.(type) {
	case string:
		return limit
	case float64:
		return fmt.Sprintf("%g", limit)
	default:
		return fmt.Sprint(limit)
	}
}

type errorResponse struct {
	Status bool         `json:"status"`
	Error  *ErrorEntity `json:"error"`
}

// DecodeErrorEntity reads an error response body. A body without an error
// section yields a zero-code entity with a placeholder message; a body that
// is not JSON yields an error.
func DecodeErrorEntity(body io.Reader) (ErrorEntity, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return ErrorEntity{}, err
	}

	if strings.TrimSpace(string(raw)) == "" {
		return ErrorEntity{Message: "Null error response"}, nil
	}

	var resp errorResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ErrorEntity{}, err
	}

	if resp.Error == nil {
		return ErrorEntity{Message: "Null error response"}, nil
	}

	return *resp.Error, nil
}

// errorFromResponse converts a non-2xx response into the typed error the
// callers branch on.
func errorFromResponse(operation string, statusCode int, body io.Reader) error {
	entity, err := DecodeErrorEntity(body)
	if err != nil {
		return &ParseError{Operation: operation, Err: fmt.Errorf("invalid error response (HTTP %d): %w", statusCode, err)}
	}

	if entity.Code == LimitExceededCode {
		return &LimitExceededError{Limit: entity.Limit(), Message: entity.Message}
	}

	return &APIError{
		Operation:  operation,
		StatusCode: statusCode,
		Code:       entity.Code,
		Message:    entity.Message,
	}
}
