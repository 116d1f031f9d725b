package venue

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"PerpCore/internal/perperr"
	"PerpCore/internal/perpmath"
)

// RangeKey identifies a liquidity range by its tick bounds.
type RangeKey struct {
	Lower int32
	Upper int32
}

type rangeState struct {
	key       RangeKey
	sqrtLower decimal.Decimal
	sqrtUpper decimal.Decimal
	liquidity decimal.Decimal
	feeGrowth decimal.Decimal // cumulative maker fee per unit liquidity
}

type poolState struct {
	sqrtPrice  decimal.Decimal
	feeRatio   decimal.Decimal // total venue fee on quote
	makerShare decimal.Decimal // fraction of the fee accrued to ranges
	ranges     map[RangeKey]*rangeState
}

// SimPool is a deterministic in-memory concentrated-liquidity pool. It
// implements Venue for tests and local runs; production deployments talk
// to the real execution venue instead.
type SimPool struct {
	pools map[string]*poolState
}

func NewSimPool() *SimPool {
	return &SimPool{pools: make(map[string]*poolState)}
}

// CreateMarket initializes a pool at startPrice with the given fee split.
func (s *SimPool) CreateMarket(marketID string, startPrice, feeRatio, makerShare decimal.Decimal) error {
	if _, ok := s.pools[marketID]; ok {
		return fmt.Errorf("simpool: market %s exists", marketID)
	}
	if startPrice.Sign() <= 0 {
		return fmt.Errorf("simpool: start price must be positive")
	}
	s.pools[marketID] = &poolState{
		sqrtPrice:  perpmath.Sqrt(startPrice),
		feeRatio:   feeRatio,
		makerShare: makerShare,
		ranges:     make(map[RangeKey]*rangeState),
	}
	return nil
}

func (s *SimPool) pool(marketID string) (*poolState, error) {
	p, ok := s.pools[marketID]
	if !ok {
		return nil, fmt.Errorf("simpool: unknown market %s", marketID)
	}
	return p, nil
}

func (s *SimPool) SqrtMarkPrice(marketID string) (decimal.Decimal, error) {
	p, err := s.pool(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.sqrtPrice, nil
}

func (s *SimPool) FeeGrowthInside(marketID string, lowerTick, upperTick int32) (decimal.Decimal, error) {
	p, err := s.pool(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	r, ok := p.ranges[RangeKey{lowerTick, upperTick}]
	if !ok {
		return decimal.Zero, nil
	}
	return r.feeGrowth, nil
}

func (s *SimPool) MintRange(marketID string, lowerTick, upperTick int32, liquidity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	p, err := s.pool(marketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if lowerTick >= upperTick {
		return decimal.Zero, decimal.Zero, fmt.Errorf("simpool: invalid range [%d,%d)", lowerTick, upperTick)
	}
	if liquidity.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("simpool: liquidity must be positive")
	}

	key := RangeKey{lowerTick, upperTick}
	r, ok := p.ranges[key]
	if !ok {
		r = &rangeState{
			key:       key,
			sqrtLower: perpmath.TickToSqrtPrice(lowerTick),
			sqrtUpper: perpmath.TickToSqrtPrice(upperTick),
			liquidity: decimal.Zero,
		}
		p.ranges[key] = r
	}
	r.liquidity = r.liquidity.Add(liquidity)

	base := perpmath.BaseInRange(liquidity, p.sqrtPrice, r.sqrtLower, r.sqrtUpper)
	quote := perpmath.QuoteInRange(liquidity, p.sqrtPrice, r.sqrtLower, r.sqrtUpper)
	return base, quote, nil
}

func (s *SimPool) BurnRange(marketID string, lowerTick, upperTick int32, liquidity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	p, err := s.pool(marketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	key := RangeKey{lowerTick, upperTick}
	r, ok := p.ranges[key]
	if !ok || r.liquidity.LessThan(liquidity) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("simpool: burn exceeds range liquidity")
	}

	base := perpmath.BaseInRange(liquidity, p.sqrtPrice, r.sqrtLower, r.sqrtUpper)
	quote := perpmath.QuoteInRange(liquidity, p.sqrtPrice, r.sqrtLower, r.sqrtUpper)

	// The range entry survives at zero liquidity: its fee growth is still
	// the checkpoint baseline when the order is re-minted.
	r.liquidity = r.liquidity.Sub(liquidity)
	return base, quote, nil
}

func (s *SimPool) QuoteSwap(marketID string, baseToQuote, exactInput bool, amount, sqrtPriceLimit decimal.Decimal) (SwapResult, error) {
	p, err := s.pool(marketID)
	if err != nil {
		return SwapResult{}, err
	}
	res, _, _, err := p.computeSwap(baseToQuote, exactInput, amount, sqrtPriceLimit)
	return res, err
}

func (s *SimPool) Swap(marketID string, baseToQuote, exactInput bool, amount, sqrtPriceLimit decimal.Decimal) (SwapResult, error) {
	p, err := s.pool(marketID)
	if err != nil {
		return SwapResult{}, err
	}
	res, newSqrt, accruals, err := p.computeSwap(baseToQuote, exactInput, amount, sqrtPriceLimit)
	if err != nil {
		return SwapResult{}, err
	}
	p.sqrtPrice = newSqrt
	for key, growth := range accruals {
		p.ranges[key].feeGrowth = p.ranges[key].feeGrowth.Add(growth)
	}
	return res, nil
}

// computeSwap walks the price across range boundaries without mutating
// pool state. It returns the trader-perspective result, the final sqrt
// price, and per-range fee-growth accruals for the committing caller.
func (p *poolState) computeSwap(baseToQuote, exactInput bool, amount, sqrtPriceLimit decimal.Decimal) (SwapResult, decimal.Decimal, map[RangeKey]decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return SwapResult{}, decimal.Zero, nil, fmt.Errorf("simpool: swap amount must be positive")
	}
	if baseToQuote && !exactInput {
		return SwapResult{}, decimal.Zero, nil, fmt.Errorf("simpool: exact-output quote swaps unsupported")
	}

	one := decimal.NewFromInt(1)
	sqrtP := p.sqrtPrice
	accruals := make(map[RangeKey]decimal.Decimal)

	var baseTraded, quoteTraded, totalFee decimal.Decimal

	// remaining is base in (sell), net quote in (buy exact input), or
	// base out (buy exact output).
	remaining := amount
	if !baseToQuote && exactInput {
		totalFee = amount.Mul(p.feeRatio)
		remaining = amount.Sub(totalFee)
	}

	for remaining.GreaterThan(perpmath.Dust) {
		liq, boundary, ok := p.activeStep(sqrtP, baseToQuote)
		if !ok {
			return SwapResult{}, decimal.Zero, nil, fmt.Errorf("simpool: insufficient liquidity at sqrt price %s", sqrtP)
		}
		if liq.IsZero() {
			// Gap between ranges: teleport to the next boundary.
			if violatesLimit(boundary, sqrtPriceLimit, baseToQuote) {
				return SwapResult{}, decimal.Zero, nil, perperr.ErrPriceLimit
			}
			sqrtP = boundary
			continue
		}

		target := boundary
		limited := false
		if sqrtPriceLimit.Sign() > 0 && violatesLimit(boundary, sqrtPriceLimit, baseToQuote) {
			target = sqrtPriceLimit
			limited = true
		}

		var stepBase, stepQuote, stepEnd decimal.Decimal
		if baseToQuote {
			// Selling base, price moves down toward target.
			baseToTarget := liq.Mul(one.Div(target).Sub(one.Div(sqrtP)))
			if remaining.GreaterThanOrEqual(baseToTarget) {
				stepBase = baseToTarget
				stepEnd = target
			} else {
				invEnd := one.Div(sqrtP).Add(remaining.Div(liq))
				stepEnd = one.Div(invEnd)
				stepBase = remaining
			}
			stepQuote = liq.Mul(sqrtP.Sub(stepEnd))
		} else if exactInput {
			// Buying base with a fixed net quote amount, price moves up.
			quoteToTarget := liq.Mul(target.Sub(sqrtP))
			if remaining.GreaterThanOrEqual(quoteToTarget) {
				stepQuote = quoteToTarget
				stepEnd = target
			} else {
				stepEnd = sqrtP.Add(remaining.Div(liq))
				stepQuote = remaining
			}
			stepBase = liq.Mul(one.Div(sqrtP).Sub(one.Div(stepEnd)))
		} else {
			// Buying an exact base amount, price moves up.
			baseToTarget := liq.Mul(one.Div(sqrtP).Sub(one.Div(target)))
			if remaining.GreaterThanOrEqual(baseToTarget) {
				stepBase = baseToTarget
				stepEnd = target
			} else {
				invEnd := one.Div(sqrtP).Sub(remaining.Div(liq))
				stepEnd = one.Div(invEnd)
				stepBase = remaining
			}
			stepQuote = liq.Mul(stepEnd.Sub(sqrtP))
		}

		// Maker fee accrues per unit of active liquidity.
		var stepFee decimal.Decimal
		if !baseToQuote && exactInput {
			// Fee was already carved off the input; gross it back up so
			// the accrual matches what was charged on this step.
			stepFee = stepQuote.Mul(p.feeRatio).Div(one.Sub(p.feeRatio))
		} else {
			stepFee = stepQuote.Mul(p.feeRatio)
		}
		growthPerL := stepFee.Mul(p.makerShare).Div(liq)
		for _, r := range p.ranges {
			if p.rangeActive(r, sqrtP, baseToQuote) {
				accruals[r.key] = accruals[r.key].Add(growthPerL)
			}
		}

		baseTraded = baseTraded.Add(stepBase)
		quoteTraded = quoteTraded.Add(stepQuote)
		if baseToQuote || !exactInput {
			totalFee = totalFee.Add(stepFee)
		}

		if baseToQuote {
			remaining = remaining.Sub(stepBase)
		} else if exactInput {
			remaining = remaining.Sub(stepQuote)
		} else {
			remaining = remaining.Sub(stepBase)
		}
		sqrtP = stepEnd

		if limited && remaining.GreaterThan(perpmath.Dust) {
			return SwapResult{}, decimal.Zero, nil, perperr.ErrPriceLimit
		}
	}

	var res SwapResult
	if baseToQuote {
		res = SwapResult{
			BaseDelta:  baseTraded.Neg(),
			QuoteDelta: quoteTraded.Sub(totalFee),
			Fee:        totalFee,
		}
	} else if exactInput {
		res = SwapResult{
			BaseDelta:  baseTraded,
			QuoteDelta: amount.Neg(),
			Fee:        totalFee,
		}
	} else {
		res = SwapResult{
			BaseDelta:  baseTraded,
			QuoteDelta: quoteTraded.Add(totalFee).Neg(),
			Fee:        totalFee,
		}
	}
	res.SqrtPriceAfter = sqrtP
	return res, sqrtP, accruals, nil
}

// activeStep returns the summed liquidity active at sqrtP and the nearest
// boundary in the direction of travel. ok is false when no boundary
// remains in that direction and no liquidity is active.
func (p *poolState) activeStep(sqrtP decimal.Decimal, down bool) (decimal.Decimal, decimal.Decimal, bool) {
	liq := decimal.Zero
	for _, r := range p.ranges {
		if p.rangeActive(r, sqrtP, down) {
			liq = liq.Add(r.liquidity)
		}
	}

	// Collect candidate boundaries strictly in the direction of travel.
	var candidates []decimal.Decimal
	for _, r := range p.ranges {
		if r.liquidity.IsZero() {
			continue
		}
		for _, b := range []decimal.Decimal{r.sqrtLower, r.sqrtUpper} {
			if down && b.LessThan(sqrtP) {
				candidates = append(candidates, b)
			}
			if !down && b.GreaterThan(sqrtP) {
				candidates = append(candidates, b)
			}
		}
	}
	if len(candidates) == 0 {
		if liq.IsZero() {
			return decimal.Zero, decimal.Zero, false
		}
		// Open-ended step: synthesize a far boundary.
		if down {
			return liq, sqrtP.Div(decimal.NewFromInt(1000)), true
		}
		return liq, sqrtP.Mul(decimal.NewFromInt(1000)), true
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LessThan(candidates[j])
	})
	if down {
		return liq, candidates[len(candidates)-1], true
	}
	return liq, candidates[0], true
}

// rangeActive reports whether a range supplies liquidity for the next
// price step in the given direction. Boundaries are half-open so a range
// activates exactly once per crossing.
func (p *poolState) rangeActive(r *rangeState, sqrtP decimal.Decimal, down bool) bool {
	if r.liquidity.IsZero() {
		return false
	}
	if down {
		return r.sqrtLower.LessThan(sqrtP) && sqrtP.LessThanOrEqual(r.sqrtUpper)
	}
	return r.sqrtLower.LessThanOrEqual(sqrtP) && sqrtP.LessThan(r.sqrtUpper)
}

func violatesLimit(target, limit decimal.Decimal, down bool) bool {
	if limit.Sign() <= 0 {
		return false
	}
	if down {
		return target.LessThan(limit)
	}
	return target.GreaterThan(limit)
}
