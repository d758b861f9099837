// Package apperrors defines the closed set of error kinds surfaced by the
// submission endpoints. Every error leaving the service layer carries one
// of these kinds; anything unrecognized is reported as KindUnknown.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with its wire-level classification.
type Kind string

const (
	// KindInvalidArgument marks a request whose shape or types are wrong,
	// detected before any side effect.
	KindInvalidArgument Kind = "invalid-argument"

	// KindUnauthenticated marks a request with missing or invalid
	// caller identity.
	KindUnauthenticated Kind = "unauthenticated"

	// KindPermissionDenied marks a request whose caller is authenticated
	// but not allowed to perform the operation.
	KindPermissionDenied Kind = "permission-denied"

	// KindDataLoss marks a reference to a task, user or submission that
	// does not exist.
	KindDataLoss Kind = "data-loss"

	// KindAborted marks an operation stopped by a conflicting concurrent
	// change. Reserved for the grading worker protocol.
	KindAborted Kind = "aborted"

	// KindUnknown marks an opaque failure from a remote dependency.
	KindUnknown Kind = "unknown"
)

// Error is a kind-tagged error.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New returns an error tagged with the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf returns an error tagged with the given kind and a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind. The original error remains
// reachable through errors.Unwrap but its classification is discarded.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the tag of this error.
func (e *Error) Kind() Kind {
	return e.kind
}

// KindOf reports the kind of err, walking the wrap chain. Untagged errors
// report KindUnknown.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	return KindUnknown
}

// HTTPStatus maps an error kind to its HTTP response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindDataLoss:
		return http.StatusNotFound
	case KindAborted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
