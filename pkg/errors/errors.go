// Package errors provides the typed error taxonomy shared by the matching
// and settlement core. Every failure surfaced across a component boundary
// carries a Kind so callers can decide between retrying, surfacing, or
// aborting without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// KindValidation: bad input, never retried.
	KindValidation Kind = "VALIDATION"
	// KindInsufficientFunds: business rule, surfaced to the caller.
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	// KindInvalidReservation: release/consume exceeds the reserved amount.
	KindInvalidReservation Kind = "INVALID_RESERVATION"
	// KindLockConflict: resource held by another owner, transient.
	KindLockConflict Kind = "LOCK_CONFLICT"
	// KindLockTimeout: bounded wait elapsed, transient.
	KindLockTimeout Kind = "LOCK_TIMEOUT"
	// KindUnbalancedEntries: debits != credits, an integrity bug. Fatal for
	// the operation; must never occur in correct operation.
	KindUnbalancedEntries Kind = "UNBALANCED_ENTRIES"
	// KindTradingSuspended: circuit breaker open, retry after cool-down.
	KindTradingSuspended Kind = "TRADING_SUSPENDED"
	// KindNotFound: referenced entity does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindNotOwner: requester does not own the referenced entity.
	KindNotOwner Kind = "NOT_OWNER"
	// KindAlreadyFilled: terminal order state rejects the operation.
	KindAlreadyFilled Kind = "ALREADY_FILLED"
	// KindStorageFailure: transient persistence failure, bounded retries.
	KindStorageFailure Kind = "STORAGE_FAILURE"
	// KindRateUnavailable: exchange-rate lookup failed.
	KindRateUnavailable Kind = "RATE_UNAVAILABLE"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two taxonomy errors by Kind, so sentinel-style checks like
// errors.Is(err, errors.New(KindLockTimeout, "")) work regardless of message.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates a taxonomy error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error with an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the Kind of err, or "" when err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error class is transient. LockConflict,
// LockTimeout and StorageFailure may be retried with backoff by the caller;
// everything else either succeeded-elsewhere or is a terminal decision.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLockConflict, KindLockTimeout, KindStorageFailure:
		return true
	default:
		return false
	}
}
