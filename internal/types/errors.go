package types

import (
	"cosmossdk.io/errors"
)

// Engine error codes. Grouped by the §7 taxonomy kinds so callers can map
// them without string matching.
var (
	// Validation
	ErrInvalidPrice   = errors.Register("engine", 1, "price outside the market's tick grid")
	ErrInvalidSize    = errors.Register("engine", 2, "order size must be positive")
	ErrInvalidSide    = errors.Register("engine", 3, "invalid order side")
	ErrInvalidOutcome = errors.Register("engine", 4, "outcome index out of range")
	ErrUnknownMarket  = errors.Register("engine", 5, "unknown market")
	ErrUnknownUser    = errors.Register("engine", 6, "unknown user")
	ErrOrderNotFound  = errors.Register("engine", 7, "order not found")
	ErrWrongEngine    = errors.Register("engine", 8, "operation not supported by the market's engine")

	// Risk
	ErrInsufficientFunds = errors.Register("engine", 10, "insufficient available balance")
	ErrOverLimit         = errors.Register("engine", 11, "position would exceed the market's per-user cap")
	ErrNotAccredited     = errors.Register("engine", 12, "market restricted to accredited users")

	// Liquidity
	ErrInsufficientLiquidity = errors.Register("engine", 20, "insufficient liquidity")

	// Lifecycle
	ErrMarketNotTradable  = errors.Register("engine", 30, "market is not tradable")
	ErrInvalidTransition  = errors.Register("engine", 31, "illegal market state transition")
	ErrAlreadyResolved    = errors.Register("engine", 32, "market is already resolved")
	ErrResolutionRequired = errors.Register("engine", 33, "resolution value required")

	// Conflict
	ErrNotOrderOwner = errors.Register("engine", 40, "order belongs to another user")

	// Dependency / backpressure
	ErrMarketBusy = errors.Register("engine", 50, "market command queue is full")

	// Invariant: aborts the operation in release builds, fatal in debug.
	ErrInvariantViolated = errors.Register("engine", 60, "ledger invariant violated")
)
