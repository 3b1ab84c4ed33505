// Package fault defines the error taxonomy shared by every owner component.
// Owners attach a Kind to errors they raise; the API surface is the only
// place kinds are translated into HTTP status codes.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for API mapping and task bookkeeping.
type Kind string

const (
	// InvalidInput means the request shape or values are wrong.
	InvalidInput Kind = "InvalidInput"
	// NotFound means a referenced entity does not exist.
	NotFound Kind = "NotFound"
	// AlreadyExists means a uniqueness constraint was violated
	// (duplicate plan content hash, duplicate project id).
	AlreadyExists Kind = "AlreadyExists"
	// StateConflict means the operation is illegal in the current state.
	StateConflict Kind = "StateConflict"
	// VerificationFailed means one or both sacred approval factors mismatched.
	VerificationFailed Kind = "VerificationFailed"
	// Immutable means a write was attempted against an approved plan.
	Immutable Kind = "Immutable"
	// IntegrityError means stored data fails its own invariants. Never
	// auto-repaired; always logged at error level.
	IntegrityError Kind = "IntegrityError"
	// DimensionMismatch means a vector insert did not match the collection's
	// recorded embedding dimension. A flavor of integrity violation that is
	// caught before the write lands.
	DimensionMismatch Kind = "DimensionMismatch"
	// DependencyUnavailable means the embedding or generation service is down.
	DependencyUnavailable Kind = "DependencyUnavailable"
	// RateLimited means an upstream or self-imposed rate limit was hit.
	RateLimited Kind = "RateLimited"
	// Cancelled means the operation was cancelled by request.
	Cancelled Kind = "Cancelled"
	// Internal is the catch-all for unclassified failures.
	Internal Kind = "Internal"
)

// Error is a classified error. Msg is safe to surface to API clients;
// Err carries the underlying cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err returns nil so callers can
// wrap return values unconditionally.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// Internal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Message returns the client-safe message of a classified error, or the
// plain Error() string when the error is unclassified.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return err.Error()
}
