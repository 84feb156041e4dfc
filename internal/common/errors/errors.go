// Package errors provides custom error types for the FirmForge application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeDependencyMissing   = "DEPENDENCY_MISSING"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeIOFailure           = "IO_FAILURE"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
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

// InvalidInput creates an error for a malformed or unacceptable specification.
// Runs are never created for invalid input.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// PermissionDenied creates an error for a capability-matrix refusal,
// naming the agent and the attempted action.
func PermissionDenied(agentID, action, resource string) *AppError {
	return &AppError{
		Code:       ErrCodePermissionDenied,
		Message:    fmt.Sprintf("agent '%s' is not allowed to %s %s", agentID, action, resource),
		HTTPStatus: http.StatusForbidden,
	}
}

// DependencyMissing creates an error for an absent upstream artifact.
// The message carries the blocked dependency so stage failures read as
// "blocked:<type>".
func DependencyMissing(artifactType string) *AppError {
	return &AppError{
		Code:       ErrCodeDependencyMissing,
		Message:    fmt.Sprintf("blocked:%s", artifactType),
		HTTPStatus: http.StatusConflict,
	}
}

// Timeout creates an error for an agent or LM call exceeding its bound.
func Timeout(what string, limit time.Duration) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("timeout:%s after %s", what, limit),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// UpstreamUnavailable creates an error for a language-model transport
// failure that persisted through retries. The provider error text is
// preserved for the user-visible message.
func UpstreamUnavailable(provider string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeUpstreamUnavailable,
		Message:    fmt.Sprintf("LM unavailable: provider '%s'", provider),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// IOFailure creates an error for a failed artifact or sidecar write.
func IOFailure(op string, path string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeIOFailure,
		Message:    fmt.Sprintf("%s failed for '%s'", op, path),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
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

// IsBadRequest checks if the error is a bad request or validation error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest ||
			appErr.Code == ErrCodeInvalidInput ||
			appErr.Code == ErrCodeValidationError
	}
	return false
}

// IsPermissionDenied checks if the error is a capability refusal.
func IsPermissionDenied(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodePermissionDenied
	}
	return false
}

// IsUpstreamUnavailable checks if the error is a persistent LM transport failure.
func IsUpstreamUnavailable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeUpstreamUnavailable
	}
	return false
}

// Code returns the application error code, or INTERNAL_ERROR for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
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
