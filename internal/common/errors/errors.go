// Package errors provides structured error types for the crashdbg server.
//
// Errors carry a machine-readable code, a human-readable message, and an HTTP
// status for the transport layer. Validation and lookup failures are surfaced
// synchronously; execution failures (timeout, child fault, cancellation) are
// materialized on the owning command record and never raised through here.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeLimitExceeded    = "LIMIT_EXCEEDED"
	ErrCodeSessionNotActive = "SESSION_NOT_ACTIVE"
	ErrCodeStartupFailure   = "STARTUP_FAILURE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeChildFault       = "CHILD_FAULT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates a new validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// LimitExceeded creates a new resource limit error.
func LimitExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeLimitExceeded,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// SessionNotActive indicates the session exists but cannot accept commands.
func SessionNotActive(sessionID string, status string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotActive,
		Message:    fmt.Sprintf("session '%s' is not active (status: %s)", sessionID, status),
		HTTPStatus: http.StatusConflict,
	}
}

// StartupFailure indicates the debugger child could not be launched.
func StartupFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStartupFailure,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Timeout indicates a deadline elapsed during execution.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ChildFault indicates the debugger child exited unexpectedly or produced
// unusable output.
func ChildFault(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeChildFault,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Cancelled indicates a caller- or system-initiated cancellation.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsValidation checks if the error is a validation or bad request error.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidation || appErr.Code == ErrCodeBadRequest
	}
	return false
}

// IsLimitExceeded checks if the error is a resource limit error.
func IsLimitExceeded(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeLimitExceeded
	}
	return false
}

// IsSessionNotActive checks if the error is a session-not-active error.
func IsSessionNotActive(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeSessionNotActive
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
