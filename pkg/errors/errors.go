package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeAccessDenied        ErrorCode = "ACCESS_DENIED"
	ErrCodeModerationDenied    ErrorCode = "MODERATION_DENIED"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	ErrCodeTransient           ErrorCode = "TRANSIENT"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeMaxAttemptsExceeded ErrorCode = "MAX_ATTEMPTS_EXCEEDED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewAccessDeniedError(message string) *AppError {
	return NewAppError(ErrCodeAccessDenied, message, http.StatusForbidden)
}

// NewModerationDeniedError is returned when a moderation rule rejects an action.
// It is never retried and is distinct from a backend access denial.
func NewModerationDeniedError(message string) *AppError {
	return NewAppError(ErrCodeModerationDenied, message, http.StatusForbidden)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewCircuitOpenError(name string) *AppError {
	return NewAppError(ErrCodeCircuitOpen, fmt.Sprintf("circuit %q is open", name), http.StatusServiceUnavailable)
}

func NewTransientError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransient, message, http.StatusServiceUnavailable)
}

func NewTimeoutError(message string) *AppError {
	return NewAppError(ErrCodeTimeout, message, http.StatusGatewayTimeout)
}

func NewMaxAttemptsExceededError(attempts int) *AppError {
	return NewAppError(ErrCodeMaxAttemptsExceeded,
		fmt.Sprintf("max attempts exceeded (%d)", attempts), http.StatusServiceUnavailable)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// WrapStoreError attaches the failing operation and stream id to a persistence
// failure. Not-found and access-denied causes keep their code; everything else
// becomes transient.
func WrapStoreError(operation, streamID string, err error) error {
	if err == nil {
		return nil
	}

	code := ErrCodeTransient
	status := http.StatusServiceUnavailable
	if appErr := GetAppError(err); appErr != nil {
		switch appErr.Code {
		case ErrCodeNotFound, ErrCodeAccessDenied, ErrCodeInvalidInput, ErrCodeCircuitOpen:
			code = appErr.Code
			status = appErr.HTTPStatus
		}
	}

	return WrapError(err, code, fmt.Sprintf("%s failed", operation), status).
		WithContext("operation", operation).
		WithContext("stream_id", streamID)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts the outermost AppError from the error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the outermost AppError, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

func IsNotFound(err error) bool         { return HasCode(err, ErrCodeNotFound) }
func IsAccessDenied(err error) bool     { return HasCode(err, ErrCodeAccessDenied) }
func IsModerationDenied(err error) bool { return HasCode(err, ErrCodeModerationDenied) }
func IsCircuitOpen(err error) bool      { return HasCode(err, ErrCodeCircuitOpen) }
func IsTimeout(err error) bool          { return HasCode(err, ErrCodeTimeout) }

// IsFatal reports whether err must never be retried by the recovery path:
// missing streams, denied access and exhausted attempts. Foreign errors are
// matched on their description.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if HasCode(err, ErrCodeNotFound) || HasCode(err, ErrCodeAccessDenied) ||
		HasCode(err, ErrCodeMaxAttemptsExceeded) || HasCode(err, ErrCodeModerationDenied) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var fatalMarkers = []string{
	"permission-denied",
	"permission denied",
	"not-found",
	"not found",
	"max attempts",
}
