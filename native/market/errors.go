package market

import "errors"

var (
	// ErrInvalidParams marks a malformed market definition or side selector.
	ErrInvalidParams = errors.New("market: invalid parameters")
	// ErrInvalidAmount is returned when a trade or configuration amount is
	// zero, negative, or missing.
	ErrInvalidAmount = errors.New("market: invalid amount")
	// ErrInsufficientPayment is returned when the declared payment does not
	// cover the bonding-curve cost of the requested tokens.
	ErrInsufficientPayment = errors.New("market: insufficient payment")
	// ErrMarketClosed is returned when trading is attempted after the
	// settlement deadline or after settlement.
	ErrMarketClosed = errors.New("market: trading closed")
	// ErrTooEarly is returned when settlement is attempted before the
	// deadline.
	ErrTooEarly = errors.New("market: settlement deadline not reached")
	// ErrAlreadySettled is returned when settling a settled market.
	ErrAlreadySettled = errors.New("market: already settled")
	// ErrScoreUnavailable is returned when the oracle has no score for the
	// market's subject; the failed settlement leaves no state change.
	ErrScoreUnavailable = errors.New("market: score unavailable")
	// ErrNotSettled is returned when a reward claim precedes settlement.
	ErrNotSettled = errors.New("market: not settled")
	// ErrAlreadyClaimed is returned when an account claims a second time.
	ErrAlreadyClaimed = errors.New("market: reward already claimed")
	// ErrNoWinnings is returned when the computed payout is zero.
	ErrNoWinnings = errors.New("market: no winnings")
	// ErrUnauthorized is returned when a caller lacks the authority for an
	// owner- or registry-gated operation.
	ErrUnauthorized = errors.New("market: unauthorized")
	// ErrNoFees is returned when a fee withdrawal finds nothing accrued.
	ErrNoFees = errors.New("market: no accumulated fees")
	// ErrDuplicateMarket is returned when a market id is already registered.
	ErrDuplicateMarket = errors.New("market: duplicate market id")
	// ErrMarketNotFound is returned when no market exists for an id.
	ErrMarketNotFound = errors.New("market: not found")
	// ErrReentrantCall is returned when a state-mutating operation is
	// entered while another is in flight on the same market.
	ErrReentrantCall = errors.New("market: reentrant call")
)
