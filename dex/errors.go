// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import "fmt"

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = dex.ErrorKind("something"). errors.Is matches on the
// ErrorKind value, so callers branch on category rather than message text.
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// The error taxonomy from the fulfillment and maintenance error-handling
// design (validation, transient pre-broadcast, fee-ceiling, broadcast,
// mempool-state, fatal infrastructure, and maintenance-only
// insufficient-funds). An error classified into one of these categories
// wraps it (NewError, Newf, or %w) so that errors.Is(err, ErrValidation)
// works regardless of the detail text. Not every error is classified:
// internal/ledger, for one, returns plain errors.
const (
	// ErrValidation covers non-retryable-until-external-state-changes
	// failures: asset not owned, asset locked, not an XCPFOLIO.* asset, no
	// order match, order not filled.
	ErrValidation = ErrorKind("validation error")
	// ErrTransient covers retryable pre-broadcast failures: compose
	// rejected, sign failed, stale UTXO view.
	ErrTransient = ErrorKind("transient error")
	// ErrFeeCeiling covers fee-rate or absolute-fee ceiling violations,
	// logically distinct from ErrTransient per spec: it resolves when the
	// market rate falls, not by blind retry.
	ErrFeeCeiling = ErrorKind("fee ceiling exceeded")
	// ErrBroadcast covers broadcast submission failures not recognized as
	// an already-in-mempool success.
	ErrBroadcast = ErrorKind("broadcast error")
	// ErrMempoolState covers dropped/stuck transaction states driving RBF,
	// not user errors.
	ErrMempoolState = ErrorKind("mempool state error")
	// ErrFatal covers infrastructure unreachability (state store, chain
	// tip) that must propagate out of process()/run().
	ErrFatal = ErrorKind("fatal infrastructure error")
	// ErrInsufficientFunds covers the maintenance-only balance exhaustion
	// family that aborts the remainder of a run.
	ErrInsufficientFunds = ErrorKind("insufficient funds")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message
// with the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided error with details, facilitating the use of
// errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{wrapped: err, detail: detail}
}

// Newf is NewError with a formatted detail string.
func Newf(err error, format string, args ...any) Error {
	return Error{wrapped: err, detail: fmt.Sprintf(format, args...)}
}
