package models

import "errors"

// Validation errors are detected synchronously at request time and must
// prevent any ledger or queue mutation. Worker gate errors leave all entries
// untouched and are safe to retry next cycle.
var (
	ErrInvalidAddress      = errors.New("recipient address is not a valid shielded address")
	ErrInsufficientBalance = errors.New("insufficient escrow balance")
	ErrDuplicateRequest    = errors.New("a withdrawal is already in flight for this source")
	ErrAmountTooSmall      = errors.New("amount cannot be represented within denomination tolerance")
	ErrChainNotReady       = errors.New("shielded chain node is not synced")
	ErrPoolTooSmall        = errors.New("anonymity pool below minimum size")
	ErrPaymentNotFound     = errors.New("payment not found")
)
