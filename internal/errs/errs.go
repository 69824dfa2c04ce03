// Package errs defines the failure conditions shared by the credit ledger and
// the marketplace. Every operation either succeeds or returns one of these
// (possibly wrapped); nothing is partially applied.
package errs

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyVerified     = errors.New("credit type already verified")
	ErrNotVerified         = errors.New("credit type not verified")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountZero          = errors.New("amount must be greater than zero")
	ErrAmountTooLarge      = errors.New("amount exceeds the largest storable quantity")
	ErrPriceZero           = errors.New("price must be greater than zero")
	ErrNotActive           = errors.New("listing not active")
	ErrInsufficientListed  = errors.New("amount exceeds listed quantity")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrFeeTooHigh          = errors.New("fee too high")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrTransferFailed      = errors.New("credit transfer failed")
	ErrPaused              = errors.New("operations paused")
	ErrReentrantCall       = errors.New("reentrant call")
)

// Code returns a stable machine-readable code for err, or "internal" if err
// does not wrap any known condition.
func Code(err error) string {
	for _, k := range codes {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// Ordered so composite errors report their most specific cause first.
var codes = []struct {
	err  error
	code string
}{
	{ErrReentrantCall, "reentrant_call"},
	{ErrPaymentFailed, "payment_failed"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrPaused, "paused"},
	{ErrUnauthorized, "unauthorized"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyVerified, "already_verified"},
	{ErrNotVerified, "not_verified"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrAmountZero, "amount_zero"},
	{ErrAmountTooLarge, "amount_too_large"},
	{ErrPriceZero, "price_zero"},
	{ErrNotActive, "not_active"},
	{ErrInsufficientListed, "insufficient_listed"},
	{ErrInsufficientPayment, "insufficient_payment"},
	{ErrFeeTooHigh, "fee_too_high"},
	{ErrInvalidAddress, "invalid_address"},
}
