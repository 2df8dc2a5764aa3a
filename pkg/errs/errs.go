// Package errs defines the error kinds every ledger operation reports.
//
// Domain packages declare their own sentinel errors with New, binding a
// snake_case code to one of the kinds below. Callers can then branch either
// on the kind (errors.Is(err, errs.ErrConflict)) or on the exact code
// (errors.Is(err, orderdomain.ErrPaymentConflict)).
package errs

import "errors"

// Error kinds.
var (
	ErrNotFound          = errors.New("not_found")
	ErrValidation        = errors.New("validation_failed")
	ErrInvalidState      = errors.New("invalid_state")
	ErrInsufficientQuota = errors.New("insufficient_quota")
	ErrConflict          = errors.New("conflict")
	ErrConcurrency       = errors.New("concurrency_failure")
)

// Error is a coded error that belongs to exactly one kind.
type Error struct {
	kind error
	code string
}

// New returns a coded error of the given kind.
func New(kind error, code string) *Error {
	return &Error{kind: kind, code: code}
}

func (e *Error) Error() string { return e.code }

// Code returns the snake_case code.
func (e *Error) Code() string { return e.code }

// Kind returns the kind sentinel.
func (e *Error) Kind() error { return e.kind }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.kind
}

// KindOf returns the kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrValidation,
		ErrInvalidState,
		ErrInsufficientQuota,
		ErrConflict,
		ErrConcurrency,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Retryable reports whether err is a transient concurrency failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}
