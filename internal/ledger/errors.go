package ledger

import "errors"

// Trade rejection sentinels. All are expected, locally-recoverable
// conditions detected before any mutation; a rejected trade never leaves
// partial state behind.
var (
	// ErrMarketUnavailable is returned when the market is missing or not open.
	ErrMarketUnavailable = errors.New("ledger: market unavailable")

	// ErrOutcomeNotFound is returned when a prediction trade references an
	// outcome that does not belong to the market.
	ErrOutcomeNotFound = errors.New("ledger: outcome not found")

	// ErrInsufficientFunds is returned when a BUY total exceeds the cash balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is returned when a SELL exceeds the position
	// quantity. There is no short selling.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")

	// ErrInvalidQuantity is returned for a non-positive or out-of-bounds quantity.
	ErrInvalidQuantity = errors.New("ledger: invalid quantity")

	// ErrInvalidSide is returned when the side is neither BUY nor SELL.
	ErrInvalidSide = errors.New("ledger: invalid side")

	// ErrUserNotFound is returned when the trading user does not exist.
	ErrUserNotFound = errors.New("ledger: user not found")
)
