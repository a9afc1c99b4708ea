// Package apperrors defines the error taxonomy shared by the sync core.
// Every failure that crosses a component boundary is classified so callers
// can choose between retry, conflict resolution, and surfacing to the user.
package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers.
type Code string

const (
	// CodeTransport marks network or timeout failures. Always retryable,
	// never discards data.
	CodeTransport Code = "TRANSPORT_ERROR"

	// CodeConflict marks a version mismatch reported by the server.
	// Resolved deterministically by last-write-wins, never retried as-is.
	CodeConflict Code = "SYNC_CONFLICT"

	// CodeAuth marks a failed token refresh or a second 401. Sync pauses
	// until the user reconnects.
	CodeAuth Code = "AUTH_FAILED"

	// CodeNotFound marks a local store integrity issue: logged, skipped.
	CodeNotFound Code = "NOT_FOUND"

	// CodeValidation marks a malformed payload. The entity stays pending
	// and the error is recorded on the queue entry.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeDatabase marks a local store failure.
	CodeDatabase Code = "DATABASE_ERROR"

	// CodeInternal is the fallback for unclassified failures.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is an application error carrying a machine-readable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from an error chain, or CodeInternal when the
// chain carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool { return Is(err, CodeTransport) }

// IsConflict reports whether err is a server-reported version conflict.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return Is(err, CodeAuth) }

// IsNotFound reports whether err is a missing-entity failure.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsValidation reports whether err is a malformed-payload failure.
func IsValidation(err error) bool { return Is(err, CodeValidation) }
