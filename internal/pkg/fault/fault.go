// Package fault classifies errors raised while onboarding a team so callers can decide
// between retrying, failing the request, or asking an operator to intervene.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind string

const (
	KindValidation   Kind = "ValidationError"     // bad input, never retried
	KindConflict     Kind = "Conflict"            // name collision or ownership mismatch
	KindPolicy       Kind = "PolicyViolation"     // grant exceeds the allowed scope
	KindTransient    Kind = "TransientInfraError" // network/timeout; retried with backoff
	KindAuditWrite   Kind = "AuditWriteFailure"   // audit record could not be made durable
	KindNotFound     Kind = "NotFound"
	KindInvalidState Kind = "InvalidState" // operation not allowed in the current request status
	KindInternal     Kind = "Internal"
)

// Error is a classified error. Op names the operation that failed (e.g. "bootstrap.namespace").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Validation(op, format string, args ...interface{}) error {
	return Newf(KindValidation, op, format, args...)
}

func Conflict(op, format string, args ...interface{}) error {
	return Newf(KindConflict, op, format, args...)
}

func Policy(op, format string, args ...interface{}) error {
	return Newf(KindPolicy, op, format, args...)
}

func NotFound(op, format string, args ...interface{}) error {
	return Newf(KindNotFound, op, format, args...)
}

func InvalidState(op, format string, args ...interface{}) error {
	return Newf(KindInvalidState, op, format, args...)
}

func Transient(op string, err error) error { return New(KindTransient, op, err) }

func AuditWrite(op string, err error) error { return New(KindAuditWrite, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindInternal when err is not classified. KindOf(nil) is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the orchestrator may retry the failed call.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}
