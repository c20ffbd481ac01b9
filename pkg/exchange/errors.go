package exchange

import "errors"

// Error taxonomy shared by the engine and the settlement ledger. Per-order
// failures are always local to that order: they cancel the offending order
// or remainder and never corrupt another book or account.
var (
	// ErrInvalidOrder rejects malformed submissions (non-positive quantity,
	// missing prices) before any lock is taken.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrUnknownInstrument rejects orders against instruments that were
	// never registered.
	ErrUnknownInstrument = errors.New("unknown instrument")

	// ErrUnknownOrder reports a cancel or lookup for an order id the engine
	// has never seen.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrInsufficientFunds means the buyer cannot cover quantity × price.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHoldings means the seller does not hold enough of the
	// instrument; shares cannot be sold short.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrUnknownAccount reports an operation against a client that has no
	// account.
	ErrUnknownAccount = errors.New("unknown account")
)
