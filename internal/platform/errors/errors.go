// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics, logging and response formatting.
type ErrorType string

const (
	// TypeAuthentication indicates a request that failed signature verification (HTTP 403)
	TypeAuthentication ErrorType = "authentication"
	// TypeMalformedPayload indicates a body that could not be parsed or validated (HTTP 500)
	TypeMalformedPayload ErrorType = "malformed_payload"
	// TypeNotFound indicates a missing record, broadcaster or filter config (HTTP 500)
	TypeNotFound ErrorType = "not_found"
	// TypeUpstream indicates a failed call to Twitch or the event sender (HTTP 500)
	TypeUpstream ErrorType = "upstream"
	// TypeInternal indicates any other server-side failure (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code sent to the caller. Only authentication
// failures are distinguished; every other failure is reported as a 500.
func (e *Error) HTTPStatus() int {
	if e.Type == TypeAuthentication {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

func AuthenticationError(message string) *Error {
	return newError(TypeAuthentication, message, nil)
}

func MalformedPayloadError(message string, cause error) *Error {
	return newError(TypeMalformedPayload, message, cause)
}

func NotFoundError(message string, cause error) *Error {
	return newError(TypeNotFound, message, cause)
}

func UpstreamError(message string, cause error) *Error {
	return newError(TypeUpstream, message, cause)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithField adds a context field that is logged alongside the error (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body sent to clients.
type ErrorResponse struct {
	Message string `json:"message"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{Message: e.Message}
}

// AsStructuredError converts any error into a structured Error.
// If err already wraps an *Error, that one is returned; otherwise err is
// wrapped as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
