// Package apperrors holds the sentinel errors shared across the engine's
// adapter and retry boundaries.
package apperrors

import "errors"

// Standardized exchange/adapter errors. The exchange adapter translates
// exchange-specific failures into these before they reach the engine.
var (
	ErrNetwork              = errors.New("network error")
	ErrRateLimited          = errors.New("rate limited")
	ErrRejected             = errors.New("order rejected")
	ErrUnknown              = errors.New("ambiguous outcome, resolve via lookup")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateClientOrder = errors.New("duplicate client order id")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrExchangeMaintenance  = errors.New("exchange maintenance")

	ErrLeaseConflict = errors.New("lease held by another holder")
	ErrLeaseLost     = errors.New("lease expired or stolen")

	ErrInvalidTransition = errors.New("invalid state transition")

	ErrPositionNotFound = errors.New("position not found")
)
