// Package nexuserr defines the closed error taxonomy for the Nexus core.
// Every error crossing a component boundary is one of these variants; the
// HTTP layer maps them to wire codes exactly once (see pkg/api).
package nexuserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error variant on the wire.
type Code string

const (
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidInput   Code = "INVALID_INPUT"
	CodeConfigError    Code = "CONFIG_ERROR"
	CodeLogUnavailable Code = "LOG_UNAVAILABLE"
	CodeExecutionError Code = "EXECUTION_ERROR"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error is the tagged variant type shared by all Nexus components.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the taxonomy to HTTP status codes.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeLogUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NotFound reports an unknown resource id.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Message: message,
		Details: map[string]any{"field": field},
	}
}

// ConfigError reports a bad function definition reaching the core.
func ConfigError(message string) *Error {
	return &Error{Code: CodeConfigError, Message: message}
}

// LogUnavailable reports that the durable event log is unreachable.
func LogUnavailable(err error) *Error {
	return &Error{Code: CodeLogUnavailable, Message: "event log unavailable", cause: err}
}

// Execution reports a sandbox-level failure for a named function.
// outcome is the sandbox outcome string (trap, timed_out, io_error).
func Execution(function, outcome string, err error) *Error {
	return &Error{
		Code:    CodeExecutionError,
		Message: fmt.Sprintf("execution failed for %s", function),
		Details: map[string]any{"function": function, "outcome": outcome},
		cause:   err,
	}
}

// Internal wraps an unclassified error.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// From returns err as *Error, wrapping unclassified errors as Internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
