// Package errors provides lightweight, unwrappable errors for internal
// plumbing between scheduler components. Errors that cross the worker or
// admin HTTP boundary should use github.com/vcsched/scheduler-core/internal/errors
// instead, which carries an HTTP status and a safe external message.
package errors

import (
	"fmt"
	"strings"
)

// OperationError describes a failed operation, optionally scoped to a
// component and a resource, wrapping an underlying cause.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := "failed to " + e.Operation
	if e.Component != "" {
		msg += ", component: " + e.Component
	}
	if e.Resource != "" {
		msg += ", resource: " + e.Resource
	}
	if e.Cause != nil {
		msg += ", cause: " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Cause }

// FailedTo wraps cause as an OperationError for action. It always returns
// a non-nil error; with a nil cause the message names only the action.
func FailedTo(action string, cause error) error {
	return &OperationError{Operation: action, Cause: cause}
}

// FailedToWithDetails is FailedTo with component/resource context attached.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{Operation: action, Component: component, Resource: resource, Cause: cause}
}

// Wrapf prefixes err with a formatted message, stdlib-style. Returns nil
// if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func DatabaseError(operation string, cause error) error {
	return FailedToWithDetails(operation, "database", "", cause)
}

func NetworkError(operation, endpoint string, cause error) error {
	return FailedToWithDetails(operation, "network", endpoint, cause)
}

func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

func TimeoutError(operation, after string) error {
	return fmt.Errorf("timeout while %s after %s", operation, after)
}

func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

func ParseError(what, format string, cause error) error {
	return FailedToWithDetails(fmt.Sprintf("parse %s as %s", what, format), "", "", cause)
}

// retryableSubstrings is a deliberately small heuristic used only when an
// error did not originate from this package's own constructors (e.g. it
// came back from a third-party client). Prefer checking internal/errors'
// ErrorTypeTransient where the error was raised within this codebase.
var retryableSubstrings = []string{
	"timeout",
	"connection refused",
	"service unavailable",
	"reset by peer",
	"temporary failure",
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Chain joins non-nil errors into one, prefixed with a count when there
// is more than one.
func Chain(errs ...error) error {
	var nonNil []string
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e.Error())
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s", nonNil[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(nonNil, "; "))
	}
}
