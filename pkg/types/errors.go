package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, user-visible category of a lifecycle error
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindRuntime    ErrorKind = "runtime"
	KindStorage    ErrorKind = "storage"
	KindInternal   ErrorKind = "internal"
)

// Error is returned by the lifecycle managers. Detail is safe to show to users.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindConflict}) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Detail == ""
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// ValidationError reports malformed or contradictory input
func ValidationError(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// ConflictError reports an invariant or state-transition violation
func ConflictError(format string, args ...any) *Error {
	return newError(KindConflict, nil, format, args...)
}

// NotFoundError reports an unknown id, locally or at the runtime
func NotFoundError(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// RuntimeError wraps a failed runtime call
func RuntimeError(err error, format string, args ...any) *Error {
	return newError(KindRuntime, err, format, args...)
}

// StorageError wraps a failed persistence read or write
func StorageError(err error, format string, args ...any) *Error {
	return newError(KindStorage, err, format, args...)
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the user-facing detail of err
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Detail + ": " + e.Err.Error()
		}
		return e.Detail
	}
	return err.Error()
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
