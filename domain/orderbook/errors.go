package orderbook

import "github.com/cockroachdb/errors"

// Rejections returned before an order enters the book.
var (
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
)

// Cancel outcomes.
var (
	ErrNotFound        = errors.New("order not found")
	ErrNotOwner        = errors.New("requester does not own the order")
	ErrAlreadyTerminal = errors.New("order already terminal")
)

// Asynchronous failures after a match has been recorded.
var (
	ErrSettlementFailure      = errors.New("settlement failed")
	ErrReconciliationRequired = errors.New("reconciliation required")
)
