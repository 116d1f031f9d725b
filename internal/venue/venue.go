package venue

import (
	"github.com/shopspring/decimal"
)

// SwapResult reports a swap from the trader's perspective: positive
// deltas are amounts the trader receives, negative are amounts paid.
// Fee is the venue fee charged, always denominated in quote.
type SwapResult struct {
	BaseDelta  decimal.Decimal
	QuoteDelta decimal.Decimal
	Fee        decimal.Decimal

	// SqrtPriceAfter is the pool price the swap ends at. QuoteSwap
	// callers use it to value exposure before committing.
	SqrtPriceAfter decimal.Decimal
}

// Venue is the concentrated-liquidity execution pool the ledger trades
// against. It is consumed as a black box: the ledger only sees exchanged
// amounts, fee growth, and the current sqrt price.
type Venue interface {
	// QuoteSwap computes the result of a swap without committing it.
	// Identical arithmetic to Swap; used for pre-mutation checks.
	QuoteSwap(marketID string, baseToQuote, exactInput bool, amount, sqrtPriceLimit decimal.Decimal) (SwapResult, error)

	// Swap executes a swap. baseToQuote sells base for quote (price
	// moves down); exactInput fixes the amount paid, otherwise the
	// amount received. A positive sqrtPriceLimit rejects (without any
	// mutation) swaps that cannot complete within the limit.
	Swap(marketID string, baseToQuote, exactInput bool, amount, sqrtPriceLimit decimal.Decimal) (SwapResult, error)

	// MintRange adds liquidity to [lowerTick, upperTick] and returns the
	// base and quote amounts absorbed at the current price.
	MintRange(marketID string, lowerTick, upperTick int32, liquidity decimal.Decimal) (base, quote decimal.Decimal, err error)

	// BurnRange removes liquidity and returns the base and quote amounts
	// released at the current price.
	BurnRange(marketID string, lowerTick, upperTick int32, liquidity decimal.Decimal) (base, quote decimal.Decimal, err error)

	// SqrtMarkPrice returns the pool's current sqrt price.
	SqrtMarkPrice(marketID string) (decimal.Decimal, error)

	// FeeGrowthInside returns the cumulative maker fee per unit liquidity
	// accrued to the [lowerTick, upperTick] range.
	FeeGrowthInside(marketID string, lowerTick, upperTick int32) (decimal.Decimal, error)
}
