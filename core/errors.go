package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrWorkflowNotFound = errors.New("workflow not found")

	ErrProtocolNotFound  = errors.New("protocol not found")
	ErrDuplicateProtocol = errors.New("protocol already registered")

	ErrCircuitOpen = errors.New("circuit breaker is open")

	ErrQueueClosed = errors.New("task queue is closed")

	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ErrorCode identifies the kind of a structured error. Codes are stable and
// drive the retry classifier.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeSubstitution        ErrorCode = "SUBSTITUTION_ERROR"
	CodeMethodNotSupported  ErrorCode = "METHOD_NOT_SUPPORTED"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeProviderInitFailed  ErrorCode = "PROVIDER_INIT_FAILED"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeDependencyFailed    ErrorCode = "DEPENDENCY_FAILED"
	CodeCancelled           ErrorCode = "CANCELLED"
	CodeCrashRecovered      ErrorCode = "CRASH_RECOVERED"
	CodePersistence         ErrorCode = "PERSISTENCE_ERROR"
)

// Error is the structured error value used across all layers. It always
// carries a stable code and a human message; Data holds optional context
// such as the parameter path, provider id or elapsed time.
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Err     error                  `json:"-"`
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with a code and message.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithData attaches a context key to the error and returns it.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// CodeOf extracts the error code from an error chain. Returns an empty
// code when no structured error is present.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsRetryable reports whether a failed provider call may be retried.
// Validation, method resolution, cancellation and dependency failures are
// never retried. Provider errors retry by default unless the provider
// tagged the error with retryable=false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ge *Error
	if !errors.As(err, &ge) {
		// Unclassified errors are treated as transient provider faults.
		return true
	}
	switch ge.Code {
	case CodeProviderTimeout, CodeProviderUnavailable, CodeCircuitOpen:
		return true
	case CodeProviderError:
		if v, ok := ge.Data["retryable"].(bool); ok {
			return v
		}
		return true
	default:
		return false
	}
}

// IsValidation reports whether an error is a schema or parameter failure.
func IsValidation(err error) bool {
	c := CodeOf(err)
	return c == CodeValidation || c == CodeSubstitution
}

// IsCircuitOpen reports whether an error is a synthetic breaker rejection.
// Breaker rejections are not counted against a task's retry attempts.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || CodeOf(err) == CodeCircuitOpen
}
