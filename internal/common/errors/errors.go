// Package errors provides classified error types for the Kokino broker.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds as constants. These mirror the broker's error taxonomy:
// failures are classified by kind, not by concrete type.
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStorage         = "STORAGE_ERROR"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeExecutorBusy    = "EXECUTOR_BUSY"
	ErrCodeExecutorFailed  = "EXECUTOR_FAILED"
	ErrCodeBootstrapUnsafe = "BOOTSTRAP_UNSAFE"
	ErrCodeBootstrapFailed = "BOOTSTRAP_FAILED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
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

// Validation creates a new validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Storage creates a new storage error with a wrapped underlying cause.
func Storage(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorage,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Timeout creates a new timeout error.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusRequestTimeout,
	}
}

// ExecutorBusy indicates the per-agent execution lock is already held.
func ExecutorBusy(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorBusy,
		Message:    fmt.Sprintf("agent '%s' is already executing", agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// ExecutorFailed wraps a subprocess or stream failure during execution.
func ExecutorFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorFailed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// BootstrapUnsafe indicates a custom bootstrap script matched the deny-list.
func BootstrapUnsafe(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBootstrapUnsafe,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BootstrapFailed wraps a failure during bootstrap execution.
func BootstrapFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeBootstrapFailed,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
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
	return hasCode(err, ErrCodeNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsExecutorBusy checks if the error is a per-agent lock contention error.
func IsExecutorBusy(err error) bool {
	return hasCode(err, ErrCodeExecutorBusy)
}

// IsBootstrapUnsafe checks if the error is a refused unsafe bootstrap script.
func IsBootstrapUnsafe(err error) bool {
	return hasCode(err, ErrCodeBootstrapUnsafe)
}

// IsValidation checks if the error is a validation or bad request error.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation) || hasCode(err, ErrCodeBadRequest)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
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
