// Package apperr defines the typed failure kinds every engine in TheatreOS
// returns. Engines never log-and-swallow; they construct one of these and
// let the caller (transport, or another engine) decide how to react.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a closed set of failure categories; each kind has a fixed
// propagation policy.
type Kind string

const (
	// ValidationError covers unknown ids, out-of-range values, malformed
	// input, and magnitude-over-budget deltas. Never retried.
	ValidationError Kind = "validation_error"
	// NotFound covers references to entities that do not exist.
	NotFound Kind = "not_found"
	// Conflict covers optimistic/state conflicts: wrong holder, gate state
	// mismatch, duplicate unique key on a non-idempotent write. Caller may
	// retry after refetching.
	Conflict Kind = "conflict"
	// Forbidden covers missing role or non-owner/non-member access.
	Forbidden Kind = "forbidden"
	// InsufficientFunds covers a wallet debit that would go negative.
	InsufficientFunds Kind = "insufficient_funds"
	// RateLimited covers a per-author or per-action cooldown.
	RateLimited Kind = "rate_limited"
	// Timeout covers a deadline exceeded on a storage call or engine
	// method. Caller may retry idempotently.
	Timeout Kind = "timeout"
	// StorageError covers infrastructure faults. Internally retried with
	// bounded backoff for idempotent operations; otherwise surfaced.
	StorageError Kind = "storage_error"
)

// Error is the concrete error type engines return. It carries a Kind for
// programmatic dispatch (transport -> HTTP code mapping, driver ->
// retry/no-retry) plus a human message and optional structured detail.
type Error struct {
	Kind      Kind
	Message   string
	Detail    map[string]any
	RetryAt   time.Time // set for RateLimited; earliest retry time
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, apperr.KindError(apperr.ValidationError)) style
// checks: it matches a kind sentinel built by KindError.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return string(k.kind) }

// KindError returns a sentinel usable with errors.Is(err, apperr.KindError(apperr.NotFound)).
func KindError(k Kind) error { return &kindSentinel{kind: k} }

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Validationf constructs a ValidationError.
func Validationf(format string, args ...any) *Error { return newErr(ValidationError, format, args...) }

// NotFoundf constructs a NotFound error.
func NotFoundf(format string, args ...any) *Error { return newErr(NotFound, format, args...) }

// Conflictf constructs a Conflict error.
func Conflictf(format string, args ...any) *Error { return newErr(Conflict, format, args...) }

// Forbiddenf constructs a Forbidden error.
func Forbiddenf(format string, args ...any) *Error { return newErr(Forbidden, format, args...) }

// InsufficientFundsf constructs an InsufficientFunds error.
func InsufficientFundsf(format string, args ...any) *Error {
	return newErr(InsufficientFunds, format, args...)
}

// RateLimitedAt constructs a RateLimited error carrying the earliest retry time.
func RateLimitedAt(retryAt time.Time, format string, args ...any) *Error {
	e := newErr(RateLimited, format, args...)
	e.RetryAt = retryAt
	return e
}

// Timeoutf constructs a Timeout error.
func Timeoutf(format string, args ...any) *Error { return newErr(Timeout, format, args...) }

// Storagef constructs a StorageError wrapping cause.
func Storagef(cause error, format string, args ...any) *Error {
	e := newErr(StorageError, format, args...)
	e.Cause = cause
	return e
}

// WithDetail attaches structured detail fields and returns the same error
// for chaining at the construction site.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any, 4)
	}
	e.Detail[key] = value
	return e
}

// As extracts *Error from a generic error, following the standard
// errors.As contract.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, otherwise
// StorageError — an unclassified failure is treated conservatively as an
// infrastructure fault rather than surfaced as a 400.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return StorageError
}

// Retryable reports whether the propagation policy allows a background
// driver to retry the operation on its next tick.
func Retryable(err error) bool {
	switch KindOf(err) {
	case StorageError, Timeout:
		return true
	default:
		return false
	}
}
