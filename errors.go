// Package asyncrt provides ES2022-compatible error types with cause chain support.
package asyncrt

import (
	"errors"
	"fmt"
)

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
//
// If the panic Value is not an error (e.g., a string or other type),
// returns nil.
//
// Example:
//
//	// If a function panics with an error
//	panicErr := PanicError{Value: io.EOF}
//
//	// We can check if it wraps a specific error
//	if errors.Is(panicErr, io.EOF) {
//	    // This will match
//	}
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AggregateErrorCause returns the first error in the Errors slice, if any.
// This is provided for ES2022 .cause compatibility where you might want
// to access a primary underlying cause.
//
// Returns nil if Errors is empty.
func (e *AggregateError) AggregateErrorCause() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap returns the errors slice for multi-error unwrapping (Go 1.20+).
// This enables [errors.Is] and [errors.As] to check against all errors
// in the aggregate.
//
// Example:
//
//	aggErr := &AggregateError{
//	    Errors: []error{io.EOF, io.ErrUnexpectedEOF},
//	}
//
//	// Both of these will return true:
//	errors.Is(aggErr, io.EOF)
//	errors.Is(aggErr, io.ErrUnexpectedEOF)
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// Is implements custom error matching for AggregateError.
// Returns true if target is an AggregateError (regardless of contents).
// Matching against the contained errors is done by [errors.Is] through
// Unwrap, not by this method.
func (e *AggregateError) Is(target error) bool {
	// Check if target is an AggregateError type
	var aggTarget *AggregateError
	return errors.As(target, &aggTarget)
}

// TypeError represents a type error, similar to JavaScript's TypeError.
// This is used when a value is not of the expected type.
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// RangeError represents a range error, similar to JavaScript's RangeError.
// This is used when a value is not within the expected range.
type RangeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Message == "" {
		return "range error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *RangeError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a timeout error for promise timeouts.
// This is used when an operation times out.
type TimeoutError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "operation timed out"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// CancellationError is returned by an awaited operation whose promise was
// rejected as a result of a [CancellablePromise] cancellation.
type CancellationError struct {
	Cause   error
	Message string
}

func (e *CancellationError) Error() string {
	if e.Message == "" {
		return "operation canceled"
	}
	return e.Message
}

func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// NotInTaskError is returned when an API that requires a task/fiber context
// (such as Await) is called from outside one.
type NotInTaskError struct {
	Message string
}

func (e *NotInTaskError) Error() string {
	if e.Message == "" {
		return "not running inside a task"
	}
	return e.Message
}

// IOError wraps a failure from the file operation queue.
type IOError struct {
	Cause   error
	Path    string
	Message string
}

func (e *IOError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Path != "" {
		return fmt.Sprintf("io error: %s", e.Path)
	}
	return "io error"
}

func (e *IOError) Unwrap() error {
	return e.Cause
}

// NetworkError wraps a failure from the HTTP multi engine or a socket
// managed by the stream manager.
type NetworkError struct {
	Cause   error
	Message string
}

func (e *NetworkError) Error() string {
	if e.Message == "" {
		return "network error"
	}
	return e.Message
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// DatabaseError wraps a failure surfaced by the database operation queue.
type DatabaseError struct {
	Cause   error
	Query   string
	Message string
}

func (e *DatabaseError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "database error"
}

func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// PoolClosedError is returned by a connection pool acquisition made after
// the pool has been shut down.
type PoolClosedError struct {
	Pool string
}

func (e *PoolClosedError) Error() string {
	if e.Pool == "" {
		return "pool is closed"
	}
	return fmt.Sprintf("pool %q is closed", e.Pool)
}

// ShutdownError is returned by operations submitted during or after loop
// shutdown.
type ShutdownError struct {
	Message string
}

func (e *ShutdownError) Error() string {
	if e.Message == "" {
		return "loop is shutting down"
	}
	return e.Message
}

// InvalidConfigurationError is returned by a [LoopOption] whose value fails
// validation.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %q: %s", e.Field, e.Reason)
}

// WrapError wraps an error with a message and optional cause chain.
// This is a convenience function for creating wrapped errors with cause.
//
// If the original error should be the cause, pass it as both arguments:
//
//	WrapError("context failed", originalErr)
//
// The result satisfies errors.Is(result, originalErr) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
