package perpmath

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Dust is the tolerated rounding residue for position size and open notional.
// Balances with magnitude at or below Dust are treated as zero and drained
// into owed realized PnL rather than left as permanent ledger entries.
var Dust = decimal.New(1, -10) // 1e-10

// sqrtPrec is the mantissa precision used for square roots. 128 bits is
// comfortably beyond the decimal precision the ledger carries.
const sqrtPrec = 128

// Sqrt returns the square root of d. d must be non-negative.
func Sqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		panic("perpmath: sqrt of negative decimal")
	}
	if d.IsZero() {
		return decimal.Zero
	}

	f, _ := new(big.Float).SetPrec(sqrtPrec).SetString(d.String())
	r := new(big.Float).SetPrec(sqrtPrec).Sqrt(f)

	out, err := decimal.NewFromString(r.Text('f', 24))
	if err != nil {
		panic("perpmath: sqrt conversion: " + err.Error())
	}
	return out
}

// TickToPrice converts a tick index to a price using the canonical
// 1.0001^tick spacing. Float64 pow is deterministic across platforms for
// the tick magnitudes markets use, and the result is truncated to 18
// decimal places before entering the ledger.
func TickToPrice(tick int32) decimal.Decimal {
	return decimal.NewFromFloat(math.Pow(1.0001, float64(tick))).Truncate(18)
}

// TickToSqrtPrice converts a tick index to sqrt(price).
func TickToSqrtPrice(tick int32) decimal.Decimal {
	return Sqrt(TickToPrice(tick))
}

// Clamp bounds v to [-limit, limit]. limit must be non-negative.
func Clamp(v, limit decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(limit) {
		return limit
	}
	if v.LessThan(limit.Neg()) {
		return limit.Neg()
	}
	return v
}

// IsDust reports whether v is within the tolerated rounding residue.
func IsDust(v decimal.Decimal) bool {
	return v.Abs().LessThanOrEqual(Dust)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// BaseInRange returns the base-token amount a liquidity position of size
// liquidity holds between sqrtLower and sqrtUpper when the pool is at
// sqrtCurrent:
//
//	base = L * (1/sqrt(P_low_eff) - 1/sqrt(P_up))
//
// where P_low_eff is the current price clamped into the range. Above the
// range the position is entirely quote; below it, entirely base.
func BaseInRange(liquidity, sqrtCurrent, sqrtLower, sqrtUpper decimal.Decimal) decimal.Decimal {
	if liquidity.IsZero() {
		return decimal.Zero
	}
	p := clampSqrt(sqrtCurrent, sqrtLower, sqrtUpper)
	if p.GreaterThanOrEqual(sqrtUpper) {
		return decimal.Zero
	}
	inv := decimal.NewFromInt(1)
	return liquidity.Mul(inv.Div(p).Sub(inv.Div(sqrtUpper)))
}

// QuoteInRange returns the quote-token amount held between sqrtLower and
// sqrtUpper at sqrtCurrent:
//
//	quote = L * (sqrt(P_up_eff) - sqrt(P_low))
func QuoteInRange(liquidity, sqrtCurrent, sqrtLower, sqrtUpper decimal.Decimal) decimal.Decimal {
	if liquidity.IsZero() {
		return decimal.Zero
	}
	p := clampSqrt(sqrtCurrent, sqrtLower, sqrtUpper)
	if p.LessThanOrEqual(sqrtLower) {
		return decimal.Zero
	}
	return liquidity.Mul(p.Sub(sqrtLower))
}

// LiquidityForAmounts returns the largest liquidity fundable by the given
// base and quote amounts at sqrtCurrent between sqrtLower and sqrtUpper.
func LiquidityForAmounts(base, quote, sqrtCurrent, sqrtLower, sqrtUpper decimal.Decimal) decimal.Decimal {
	p := clampSqrt(sqrtCurrent, sqrtLower, sqrtUpper)
	one := decimal.NewFromInt(1)

	if p.GreaterThanOrEqual(sqrtUpper) {
		// Entirely quote.
		return quote.Div(sqrtUpper.Sub(sqrtLower))
	}
	if p.LessThanOrEqual(sqrtLower) {
		// Entirely base.
		return base.Div(one.Div(sqrtLower).Sub(one.Div(sqrtUpper)))
	}

	lBase := decimal.Zero
	if base.Sign() > 0 {
		lBase = base.Div(one.Div(p).Sub(one.Div(sqrtUpper)))
	}
	lQuote := decimal.Zero
	if quote.Sign() > 0 {
		lQuote = quote.Div(p.Sub(sqrtLower))
	}

	switch {
	case base.Sign() <= 0:
		return lQuote
	case quote.Sign() <= 0:
		return lBase
	default:
		return Min(lBase, lQuote)
	}
}

func clampSqrt(p, lo, hi decimal.Decimal) decimal.Decimal {
	if p.LessThan(lo) {
		return lo
	}
	if p.GreaterThan(hi) {
		return hi
	}
	return p
}
