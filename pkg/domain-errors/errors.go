// Package domainerrors defines the code-carrying error type used across
// service boundaries. Stores return sentinel errors (pkg/platform/sentinel);
// services translate those into one of these coded errors so transports can
// map them to protocol responses without inspecting internals.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies an error class in the registration taxonomy.
type Code string

const (
	// CodeSessionNotFound covers both absent and TTL-expired sessions; the
	// two are indistinguishable to callers.
	CodeSessionNotFound Code = "session_not_found"

	// CodeInvalidStateTransition means the requested operation is illegal
	// from the session's current state. Callers should re-read status.
	CodeInvalidStateTransition Code = "invalid_state_transition"

	// CodeValidationFailed carries the full violation set from the
	// cross-entity validator.
	CodeValidationFailed Code = "validation_failed"

	// CodeConcurrentModification means an optimistic write lost a race.
	// Retryable after re-reading status.
	CodeConcurrentModification Code = "concurrent_modification"

	// CodeEntityCreationFailed means a required creation step failed and
	// the session was rolled back to FAILED.
	CodeEntityCreationFailed Code = "entity_creation_failed"

	// CodeStoreUnavailable means the session store or remote entity store
	// was unreachable. Retryable with backoff.
	CodeStoreUnavailable Code = "store_unavailable"

	// CodeDuplicateSession means a non-terminal session already exists for
	// the same natural key.
	CodeDuplicateSession Code = "duplicate_session"

	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeInternal     Code = "internal_error"
)

// Error is the domain error carried between service and transport layers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with a caller-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause while preserving the code and message. The cause is
// reachable via errors.Is/As but is never rendered to callers.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, or CodeInternal when err is not a
// domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Retryable reports whether the caller may retry the failed operation
// without changing it first.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConcurrentModification, CodeStoreUnavailable:
		return true
	}
	return false
}
