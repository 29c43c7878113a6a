// Package apperr defines the small set of abstract error kinds every
// component classifies its failures into, so callers (HTTP handlers, the
// scheduler, reconciliation jobs) can branch on errors.Is/As instead of
// string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract failure categories every component maps
// its concrete errors onto.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindConflictVersion   Kind = "CONFLICT_VERSION"
	KindConflictState     Kind = "CONFLICT_STATE"
	KindValidationFailed  Kind = "VALIDATION_FAILED"
	KindAdapterUnavailable Kind = "ADAPTER_UNAVAILABLE"
	KindAdapterRejected   Kind = "ADAPTER_REJECTED"
	KindTimeout           Kind = "TIMEOUT"
	KindCancelled         Kind = "CANCELLED"
	KindInternal          Kind = "INTERNAL"
)

// Error is the concrete error type every package in this module returns
// for classified failures. Entity and Op are optional context used only
// for the error string; callers should match on Kind, never on the string.
type Error struct {
	Kind   Kind
	Entity string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Entity, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Entity, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, apperr.NotFound(...)) match purely on Kind,
// ignoring Entity/Op/Err — the pattern used throughout this module to
// test "is this a not-found error" without caring which entity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func new_(kind Kind, op, entity string, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Err: err}
}

func NotFound(op, entity string) *Error                { return new_(KindNotFound, op, entity, nil) }
func ConflictVersion(op, entity string) *Error         { return new_(KindConflictVersion, op, entity, nil) }
func ConflictState(op, entity string, err error) *Error { return new_(KindConflictState, op, entity, err) }
func ValidationFailed(op string, err error) *Error     { return new_(KindValidationFailed, op, "", err) }
func AdapterUnavailable(op string, err error) *Error   { return new_(KindAdapterUnavailable, op, "", err) }
func AdapterRejected(op string, err error) *Error      { return new_(KindAdapterRejected, op, "", err) }
func Timeout(op string, err error) *Error              { return new_(KindTimeout, op, "", err) }
func Cancelled(op string) *Error                       { return new_(KindCancelled, op, "", nil) }
func Internal(op string, err error) *Error             { return new_(KindInternal, op, "", err) }

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
