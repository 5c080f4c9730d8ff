package billingerr

import (
	"errors"
	"fmt"
)

// Kind partitions failures by how callers should react: reject, abort,
// retry, or surface for follow-up.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindSignature           Kind = "signature_verification"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindInsufficientContext Kind = "insufficient_context"
	KindExternalProvider    Kind = "external_provider"
)

// Error carries a kind plus a wrapped cause. Use the constructors below;
// match with Is/As or IsKind.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, format string, args ...any) *Error {
	var wrapped error
	for _, a := range args {
		if err, ok := a.(error); ok {
			wrapped = err
		}
	}
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: wrapped}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Signature(format string, args ...any) *Error {
	return newError(KindSignature, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConcurrencyConflict, format, args...)
}

func InsufficientContext(format string, args ...any) *Error {
	return newError(KindInsufficientContext, format, args...)
}

func ExternalProvider(format string, args ...any) *Error {
	return newError(KindExternalProvider, format, args...)
}

// IsKind reports whether any error in err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// Retryable reports whether the whole operation is safe to retry as-is.
func Retryable(err error) bool {
	return IsKind(err, KindConcurrencyConflict) || IsKind(err, KindExternalProvider)
}
