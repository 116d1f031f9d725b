package perperr

import "errors"

// Rejection reasons surfaced to callers. Every check runs before the
// corresponding mutation, so a returned error means no state changed.
var (
	// ErrInsufficientMargin means the action would leave the account's
	// initial-margin requirement unmet. Recoverable: reduce size or
	// deposit more collateral.
	ErrInsufficientMargin = errors.New("insufficient free collateral")

	// ErrMarketNotOpen means the action is forbidden in the market's
	// current lifecycle state (paused or closed).
	ErrMarketNotOpen = errors.New("market state forbids this action")

	// ErrPriceLimit means a swap would move the pool price beyond the
	// allowed per-operation bound. Retryable in a later slot.
	ErrPriceLimit = errors.New("price limit exceeded")

	// ErrNotLiquidatable means a liquidation was attempted on an account
	// above its maintenance margin requirement.
	ErrNotLiquidatable = errors.New("account is above maintenance margin")

	// ErrExcessLiquidation means the requested liquidation size exceeds
	// what margin rules or insurance-fund capacity permit.
	ErrExcessLiquidation = errors.New("liquidation size exceeds permitted bound")

	// ErrStalePrice means the oracle or sequencer is unavailable. All
	// state-mutating operations are rejected until it recovers.
	ErrStalePrice = errors.New("oracle price stale or unavailable")

	// ErrZeroPosition means an operation needing an open position found
	// none (e.g. a second close on an already-flat position).
	ErrZeroPosition = errors.New("no open position")

	// ErrOrdersOpen means a position operation requires the account's
	// maker ranges in the market to be cancelled first.
	ErrOrdersOpen = errors.New("open maker orders must be cancelled first")

	// ErrInsufficientBalance means a vault balance cannot cover the
	// requested amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
)
