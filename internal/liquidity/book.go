package liquidity

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/perpmath"
)

// OrderKey addresses one liquidity range owned by a trader.
type OrderKey struct {
	Trader uuid.UUID
	Market string
	Lower  int32
	Upper  int32
}

// Order is a live liquidity range. LastFeeGrowthInside is the pull-based
// fee checkpoint: fees owed since the last mutation are
// (currentGrowth - LastFeeGrowthInside) * Liquidity, collected before the
// liquidity amount changes so a later mutation can never claw back fees
// already earned.
type Order struct {
	Lower int32
	Upper int32

	Liquidity           decimal.Decimal
	LastFeeGrowthInside decimal.Decimal

	// BaseDebt/QuoteDebt are the amounts deposited into this range.
	BaseDebt  decimal.Decimal
	QuoteDebt decimal.Decimal

	sqrtLower decimal.Decimal
	sqrtUpper decimal.Decimal
}

// Book tracks every trader's liquidity ranges per market.
type Book struct {
	orders map[OrderKey]*Order
}

func NewBook() *Book {
	return &Book{orders: make(map[OrderKey]*Order)}
}

// Get returns the order for a range, or nil.
func (b *Book) Get(trader uuid.UUID, marketID string, lower, upper int32) *Order {
	return b.orders[OrderKey{trader, marketID, lower, upper}]
}

// HasOpenOrder reports whether the trader has any range in the market.
func (b *Book) HasOpenOrder(trader uuid.UUID, marketID string) bool {
	for key := range b.orders {
		if key.Trader == trader && key.Market == marketID {
			return true
		}
	}
	return false
}

// RangesOf returns the trader's orders in a market, sorted by bounds for
// deterministic iteration by the liquidation engine.
func (b *Book) RangesOf(trader uuid.UUID, marketID string) []*Order {
	out := make([]*Order, 0)
	for key, o := range b.orders {
		if key.Trader == trader && key.Market == marketID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lower != out[j].Lower {
			return out[i].Lower < out[j].Lower
		}
		return out[i].Upper < out[j].Upper
	})
	return out
}

// AddLiquidity records minted liquidity. The accrued fee since the last
// checkpoint is returned (pulled before the liquidity change) and the
// deposited amounts are added to the range's debt.
func (b *Book) AddLiquidity(
	trader uuid.UUID,
	marketID string,
	lower, upper int32,
	liquidity, baseUsed, quoteUsed, feeGrowthInside decimal.Decimal,
) (decimal.Decimal, error) {
	if liquidity.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("liquidity delta must be positive")
	}
	key := OrderKey{trader, marketID, lower, upper}
	o := b.orders[key]
	if o == nil {
		o = &Order{
			Lower:               lower,
			Upper:               upper,
			LastFeeGrowthInside: feeGrowthInside,
			sqrtLower:           perpmath.TickToSqrtPrice(lower),
			sqrtUpper:           perpmath.TickToSqrtPrice(upper),
		}
		b.orders[key] = o
	}

	fee := o.pullFee(feeGrowthInside)
	o.Liquidity = o.Liquidity.Add(liquidity)
	o.BaseDebt = o.BaseDebt.Add(baseUsed)
	o.QuoteDebt = o.QuoteDebt.Add(quoteUsed)
	return fee, nil
}

// RemoveResult reports what a liquidity removal released.
type RemoveResult struct {
	// Fee accrued since the last checkpoint, pulled before the change.
	Fee decimal.Decimal
	// BaseDebtCut/QuoteDebtCut are the shares of the range's debt
	// attributable to the removed liquidity.
	BaseDebtCut  decimal.Decimal
	QuoteDebtCut decimal.Decimal
	// Closed is true when the order was fully removed.
	Closed bool
}

// RemoveLiquidity burns liquidity from a range. The caller supplies the
// venue's current fee growth; debts shrink proportionally to the removed
// share and the order is destroyed when its liquidity reaches zero.
func (b *Book) RemoveLiquidity(
	trader uuid.UUID,
	marketID string,
	lower, upper int32,
	liquidity, feeGrowthInside decimal.Decimal,
) (RemoveResult, error) {
	key := OrderKey{trader, marketID, lower, upper}
	o := b.orders[key]
	if o == nil {
		return RemoveResult{}, fmt.Errorf("no order in %s [%d,%d)", marketID, lower, upper)
	}
	if liquidity.Sign() <= 0 || liquidity.GreaterThan(o.Liquidity) {
		return RemoveResult{}, fmt.Errorf("removal %s exceeds order liquidity %s", liquidity, o.Liquidity)
	}

	res := RemoveResult{Fee: o.pullFee(feeGrowthInside)}

	ratio := liquidity.Div(o.Liquidity)
	res.BaseDebtCut = o.BaseDebt.Mul(ratio)
	res.QuoteDebtCut = o.QuoteDebt.Mul(ratio)

	o.Liquidity = o.Liquidity.Sub(liquidity)
	o.BaseDebt = o.BaseDebt.Sub(res.BaseDebtCut)
	o.QuoteDebt = o.QuoteDebt.Sub(res.QuoteDebtCut)

	if o.Liquidity.LessThanOrEqual(perpmath.Dust) {
		// Whatever debt rounding left behind belongs to the final cut.
		res.BaseDebtCut = res.BaseDebtCut.Add(o.BaseDebt)
		res.QuoteDebtCut = res.QuoteDebtCut.Add(o.QuoteDebt)
		res.Closed = true
		delete(b.orders, key)
	}
	return res, nil
}

// Export copies all orders for snapshotting.
func (b *Book) Export() map[OrderKey]Order {
	out := make(map[OrderKey]Order, len(b.orders))
	for key, o := range b.orders {
		out[key] = *o
	}
	return out
}

// Restore replaces the book from a snapshot, rebuilding cached sqrt
// bounds from the tick indices.
func (b *Book) Restore(orders map[OrderKey]Order) {
	b.orders = make(map[OrderKey]*Order, len(orders))
	for key, o := range orders {
		restored := o
		restored.sqrtLower = perpmath.TickToSqrtPrice(key.Lower)
		restored.sqrtUpper = perpmath.TickToSqrtPrice(key.Upper)
		b.orders[key] = &restored
	}
}

// pullFee collects fees accrued since the last checkpoint and advances it.
func (o *Order) pullFee(feeGrowthInside decimal.Decimal) decimal.Decimal {
	fee := feeGrowthInside.Sub(o.LastFeeGrowthInside).Mul(o.Liquidity)
	o.LastFeeGrowthInside = feeGrowthInside
	if fee.Sign() < 0 {
		// Growth is monotonic; a negative pull can only be rounding noise.
		return decimal.Zero
	}
	return fee
}

// CollectFees pulls accrued fees across all of the trader's ranges in a
// market, advancing every checkpoint. growth supplies the venue's
// current fee growth for a range.
func (b *Book) CollectFees(trader uuid.UUID, marketID string, growth func(lower, upper int32) (decimal.Decimal, error)) (decimal.Decimal, error) {
	total := decimal.Zero
	for key, o := range b.orders {
		if key.Trader != trader || key.Market != marketID {
			continue
		}
		g, err := growth(key.Lower, key.Upper)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(o.pullFee(g))
	}
	return total, nil
}

// AmountsInRanges returns the venue-held base and quote across all of the
// trader's ranges in a market at the given sqrt price. This is the
// derived part of the maker-impermanent position.
func (b *Book) AmountsInRanges(trader uuid.UUID, marketID string, sqrtPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	base := decimal.Zero
	quote := decimal.Zero
	for key, o := range b.orders {
		if key.Trader != trader || key.Market != marketID {
			continue
		}
		base = base.Add(perpmath.BaseInRange(o.Liquidity, sqrtPrice, o.sqrtLower, o.sqrtUpper))
		quote = quote.Add(perpmath.QuoteInRange(o.Liquidity, sqrtPrice, o.sqrtLower, o.sqrtUpper))
	}
	return base, quote
}

// PendingFee sums uncollected fees across the trader's ranges in a
// market, without advancing any checkpoint. growth supplies the venue's
// current fee growth for a range.
func (b *Book) PendingFee(trader uuid.UUID, marketID string, growth func(lower, upper int32) (decimal.Decimal, error)) (decimal.Decimal, error) {
	total := decimal.Zero
	for key, o := range b.orders {
		if key.Trader != trader || key.Market != marketID {
			continue
		}
		g, err := growth(key.Lower, key.Upper)
		if err != nil {
			return decimal.Zero, err
		}
		fee := g.Sub(o.LastFeeGrowthInside).Mul(o.Liquidity)
		if fee.Sign() > 0 {
			total = total.Add(fee)
		}
	}
	return total, nil
}
