// Package errors provides standardized error handling patterns for CapMesh
// components. It includes error classification, the messaging error taxonomy,
// and helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Messaging error taxonomy. Registration errors abort startup; the
// per-message errors are converted into error-flagged response envelopes
// (or logged and dropped for events) and never crash the process.
var (
	// Registry build errors - fatal, raised before any network connection
	ErrRegistration          = errors.New("capability registration failed")
	ErrDuplicateCapability   = errors.New("duplicate capability name")
	ErrInvalidCapabilityName = errors.New("invalid capability name")

	// Per-message dispatch errors - recoverable
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrPayloadValidation   = errors.New("payload validation failed")
	ErrHandlerFailure      = errors.New("handler execution failed")
	ErrUndeclaredEvent     = errors.New("event not declared by capability")
	ErrOperationBlocked    = errors.New("operation is currently blocked")
	ErrVersionIncompatible = errors.New("incompatible protocol version")

	// Call and transport errors
	ErrTimeout      = errors.New("request timed out")
	ErrCancelled    = errors.New("request cancelled")
	ErrNotConnected = errors.New("not connected to broker")
	ErrBacklogFull  = errors.New("event backlog full")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrShuttingDown   = errors.New("shutting down")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// Wire error codes carried in error response payloads so that remote
// callers can branch on failures without parsing message text.
const (
	CodeMalformedEnvelope   = "MalformedEnvelope"
	CodeUnknownOperation    = "UnknownOperation"
	CodePayloadValidation   = "PayloadValidationError"
	CodeHandlerError        = "HandlerError"
	CodeUndeclaredEvent     = "UndeclaredEvent"
	CodeOperationBlocked    = "OperationBlocked"
	CodeVersionIncompatible = "VersionIncompatible"
	CodeTimeout             = "Timeout"
	CodeNotConnected        = "NotConnected"
	CodeInternal            = "Internal"
)

// WireCode maps an error to its stable wire error code. Unknown errors map
// to CodeInternal so remote callers never see raw internals.
func WireCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		return CodeMalformedEnvelope
	case errors.Is(err, ErrUnknownOperation):
		return CodeUnknownOperation
	case errors.Is(err, ErrPayloadValidation):
		return CodePayloadValidation
	case errors.Is(err, ErrHandlerFailure):
		return CodeHandlerError
	case errors.Is(err, ErrUndeclaredEvent):
		return CodeUndeclaredEvent
	case errors.Is(err, ErrOperationBlocked):
		return CodeOperationBlocked
	case errors.Is(err, ErrVersionIncompatible):
		return CodeVersionIncompatible
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	default:
		return CodeInternal
	}
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrBacklogFull) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Check error message for common transient patterns
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrRegistration) ||
		errors.Is(err, ErrDuplicateCapability) ||
		errors.Is(err, ErrInvalidCapabilityName) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrMalformedEnvelope) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrPayloadValidation) ||
		errors.Is(err, ErrUndeclaredEvent) ||
		errors.Is(err, ErrVersionIncompatible)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error
// This is an internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
