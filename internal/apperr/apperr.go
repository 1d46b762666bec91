// Package apperr defines the error kinds shared by every service boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that only care about recovery strategy.
type Kind string

const (
	// KindInvalidInput marks a malformed or out-of-range request.
	KindInvalidInput Kind = "invalid_input"
	// KindUnauthenticated marks bad credentials or a missing/expired token.
	KindUnauthenticated Kind = "unauthenticated"
	// KindNotFound marks a missing entity or one owned by another user.
	KindNotFound Kind = "not_found"
	// KindConflict marks a duplicate or a write that conflicts with stored state.
	KindConflict Kind = "conflict"
	// KindUnavailable marks an unreachable remote.
	KindUnavailable Kind = "unavailable"
	// KindInternal marks storage corruption or a violated invariant.
	KindInternal Kind = "internal"
)

// Error carries a kind, a stable "operation.reason" code and the underlying cause.
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds an Error. The code is composed from operation and reason.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{kind: kind, code: operation + "." + reason, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the "operation.reason" code.
func (e *Error) Code() string {
	return e.code
}

// KindOf reports the kind of err, defaulting to KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// CodeOf reports the code of err or an empty string.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// InvalidInput is shorthand for New(KindInvalidInput, ...).
func InvalidInput(operation, reason string, cause error) error {
	return New(KindInvalidInput, operation, reason, cause)
}

// Unauthenticated is shorthand for New(KindUnauthenticated, ...).
func Unauthenticated(operation, reason string, cause error) error {
	return New(KindUnauthenticated, operation, reason, cause)
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(operation, reason string, cause error) error {
	return New(KindNotFound, operation, reason, cause)
}

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(operation, reason string, cause error) error {
	return New(KindConflict, operation, reason, cause)
}

// Unavailable is shorthand for New(KindUnavailable, ...).
func Unavailable(operation, reason string, cause error) error {
	return New(KindUnavailable, operation, reason, cause)
}

// Internal is shorthand for New(KindInternal, ...).
func Internal(operation, reason string, cause error) error {
	return New(KindInternal, operation, reason, cause)
}
