// Package errors defines the structured error taxonomy used at every API
// boundary of the scheduling core: worker protocol, admin/control surface,
// and the CLI. Internal plumbing between components should prefer
// github.com/vcsched/scheduler-core/pkg/shared/errors, which is cheaper to
// construct and does not carry an HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the closed set of error kinds used at the API boundary. Unknown kinds
// never appear at runtime; any code path that would otherwise need one
// must pick the nearest of these before it reaches a caller.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTransient  ErrorType = "transient"
	ErrorTypePermanent  ErrorType = "permanent"
	ErrorTypeStale      ErrorType = "stale"
	ErrorTypeRateLimit  ErrorType = "rate_limited"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
)

// statusByType maps each ErrorType to the HTTP status the worker/admin
// surface returns for it.
var statusByType = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTransient:  http.StatusServiceUnavailable,
	ErrorTypePermanent:  http.StatusUnprocessableEntity,
	ErrorTypeStale:      http.StatusGone,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// AppError is a structured error carrying a type, a caller-safe message,
// optional details for logs only, and an optional cause for unwrapping.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusByType[t],
	}
}

func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// Predefined constructors for the error kinds most components raise.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError { return New(ErrorTypeConflict, message) }

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "operation timed out: %s", operation)
}

func NewTransientError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeTransient, "transient failure: %s", operation)
}

func NewPermanentError(message string) *AppError { return New(ErrorTypePermanent, message) }

func NewStaleError(message string) *AppError { return New(ErrorTypeStale, message) }

func NewRateLimitedError(message string) *AppError { return New(ErrorTypeRateLimit, message) }

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the ErrorType of err, or ErrorTypeInternal if err is not
// an *AppError.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the generic, caller-safe text used for error types
// whose real message might leak internal detail.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
	ReservationLost        string
}{
	ResourceNotFound:       "the requested resource was not found",
	AuthenticationFailed:   "authentication failed",
	OperationTimeout:       "the operation timed out",
	RateLimitExceeded:      "rate limit exceeded, retry later",
	ConcurrentModification: "the resource was modified concurrently, retry with updated state",
	ReservationLost:        "the reservation is no longer valid",
}

// SafeErrorMessage returns text safe to show to a caller. Validation
// messages pass through verbatim since they describe the caller's own
// input; everything else is replaced with a generic message to avoid
// leaking internal state.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "an unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	case ErrorTypeStale:
		return ErrorMessages.ReservationLost
	default:
		return "an internal error occurred"
	}
}

// LogFields renders err as a structured field map for a logger.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins a set of errors (skipping nils) into one error whose message
// concatenates each with " -> ". It returns nil if every argument is nil,
// and the lone error unchanged if only one is non-nil.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	msg := nonNil[0].Error()
	for _, e := range nonNil[1:] {
		msg += " -> " + e.Error()
	}
	return errors.New(msg)
}
