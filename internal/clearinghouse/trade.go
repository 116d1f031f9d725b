package clearinghouse

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/event"
	"PerpCore/internal/observability"
	"PerpCore/internal/perperr"
	"PerpCore/internal/perpmath"
	"PerpCore/internal/position"
	"PerpCore/internal/vault"
	"PerpCore/internal/venue"
)

// OpenPosition trades against the venue. baseToQuote sells base (short),
// otherwise buys (long); exactInput fixes the amount paid. The swap is
// quoted first, margin-checked against the quoted result, and committed
// only when every check passes. Trades that do not increase exposure
// skip the initial-margin gate so underwater accounts can still reduce
// risk.
func (c *Clearinghouse) OpenPosition(
	trader uuid.UUID,
	marketID string,
	baseToQuote, exactInput bool,
	amount, sqrtPriceLimit decimal.Decimal,
) (res venue.SwapResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer observability.ObserveOperation("open_position", c.now(), &err)
	return c.openPosition(trader, marketID, baseToQuote, exactInput, amount, sqrtPriceLimit)
}

func (c *Clearinghouse) openPosition(
	trader uuid.UUID,
	marketID string,
	baseToQuote, exactInput bool,
	amount, sqrtPriceLimit decimal.Decimal,
) (res venue.SwapResult, err error) {
	m, err := c.market(marketID)
	if err != nil {
		return venue.SwapResult{}, err
	}
	if !m.IsOpen() {
		return venue.SwapResult{}, fmt.Errorf("open position %s: %w", marketID, perperr.ErrMarketNotOpen)
	}
	if amount.Sign() <= 0 {
		return venue.SwapResult{}, fmt.Errorf("open position: amount must be positive, got %s", amount)
	}

	if err = c.settleFunding(trader, marketID); err != nil {
		return venue.SwapResult{}, err
	}

	limit, err := c.spreadLimit(marketID, baseToQuote, sqrtPriceLimit)
	if err != nil {
		return venue.SwapResult{}, err
	}

	quote, err := c.pool.QuoteSwap(marketID, baseToQuote, exactInput, amount, limit)
	if err != nil {
		return venue.SwapResult{}, err
	}

	if err = c.checkSwapMargin(trader, marketID, quote); err != nil {
		return venue.SwapResult{}, err
	}

	res, err = c.pool.Swap(marketID, baseToQuote, exactInput, amount, limit)
	if err != nil {
		return venue.SwapResult{}, err
	}
	realized := c.commitSwap(trader, marketID, m.InsuranceFeeRatio, res)

	c.emitter.Emit(event.PositionChanged{
		Trader:            trader,
		MarketID:          marketID,
		ExchangedBase:     res.BaseDelta,
		ExchangedNotional: res.QuoteDelta.Add(res.Fee),
		Fee:               res.Fee,
		RealizedPnl:       realized,
		SqrtPriceAfter:    res.SqrtPriceAfter,
	})
	c.log.Info().Stringer("trader", trader).Str("market", marketID).
		Stringer("base", res.BaseDelta).Stringer("quote", res.QuoteDelta).
		Stringer("fee", res.Fee).Msg("position changed")
	return res, nil
}

// ClosePosition unwinds the trader's taker leg at market price. A second
// close on a flat position is rejected, never a state change.
func (c *Clearinghouse) ClosePosition(trader uuid.UUID, marketID string, sqrtPriceLimit decimal.Decimal) (res venue.SwapResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer observability.ObserveOperation("close_position", c.now(), &err)

	pos := c.positions.Get(trader, marketID)
	if pos == nil || perpmath.IsDust(pos.TakerBase) {
		return venue.SwapResult{}, fmt.Errorf("close position %s: %w", marketID, perperr.ErrZeroPosition)
	}
	if pos.TakerBase.Sign() > 0 {
		return c.openPosition(trader, marketID, true, true, pos.TakerBase, sqrtPriceLimit)
	}
	return c.openPosition(trader, marketID, false, false, pos.TakerBase.Abs(), sqrtPriceLimit)
}

// checkSwapMargin values the would-be position from the quoted swap and
// rejects exposure-increasing trades that leave free collateral negative.
func (c *Clearinghouse) checkSwapMargin(trader uuid.UUID, marketID string, quote venue.SwapResult) error {
	var cur position.Position
	if p := c.positions.Get(trader, marketID); p != nil {
		cur = *p
	}
	posQuoteDelta := quote.QuoteDelta.Add(quote.Fee)
	next, realized, _ := position.SimulateSwapDelta(cur, quote.BaseDelta, posQuoteDelta)

	sqrtBefore, err := c.pool.SqrtMarkPrice(marketID)
	if err != nil {
		return err
	}
	birBefore, _ := c.book.AmountsInRanges(trader, marketID, sqrtBefore)
	oldSize := cur.TakerBase.Add(birBefore).Sub(cur.MakerBaseDebt)

	birAfter, qirAfter := c.book.AmountsInRanges(trader, marketID, quote.SqrtPriceAfter)
	newSize := next.TakerBase.Add(birAfter).Sub(next.MakerBaseDebt)
	if newSize.Abs().LessThanOrEqual(oldSize.Abs()) {
		return nil
	}

	newOpenNotional := next.TakerQuote.Add(qirAfter).Sub(next.MakerQuoteDebt)
	price, err := c.funding.MarkTwap(marketID, c.now())
	if err != nil {
		return err
	}
	pendingFee, err := c.book.PendingFee(trader, marketID, func(lower, upper int32) (decimal.Decimal, error) {
		return c.pool.FeeGrowthInside(marketID, lower, upper)
	})
	if err != nil {
		return err
	}

	orderDebtValue := next.MakerBaseDebt.Mul(price).Add(next.MakerQuoteDebt)
	hyp := vault.MarketExposure{
		MarketID:      marketID,
		Size:          newSize,
		OpenNotional:  newOpenNotional,
		Notional:      vault.MarginNotional(newSize, newOpenNotional, orderDebtValue, price),
		UnrealizedPnl: position.UnrealizedPnl(newSize, newOpenNotional, price),
		PendingFee:    pendingFee,
		MarginPrice:   price,
	}

	free, err := c.vault.FreeCollateralWithExposure(trader, hyp, realized.Sub(quote.Fee))
	if err != nil {
		return err
	}
	if free.Sign() < 0 {
		return fmt.Errorf("free collateral %s after trade: %w", free, perperr.ErrInsufficientMargin)
	}
	return nil
}

// commitSwap books an executed swap: position delta, fee charge, the
// insurance fund's fee cut, the mark TWAP observation, and flat-position
// cleanup. Returns the realized PnL.
func (c *Clearinghouse) commitSwap(trader uuid.UUID, marketID string, insuranceFeeRatio decimal.Decimal, res venue.SwapResult) decimal.Decimal {
	posQuoteDelta := res.QuoteDelta.Add(res.Fee)
	realized, _ := c.positions.ApplySwapDelta(trader, marketID, res.BaseDelta, posQuoteDelta)
	c.positions.AddOwedRealizedPnl(trader, res.Fee.Neg())
	c.fund.Credit(res.Fee.Mul(insuranceFeeRatio))

	if res.BaseDelta.Sign() != 0 {
		tradePrice := posQuoteDelta.Div(res.BaseDelta).Abs()
		c.funding.RecordTrade(marketID, tradePrice, c.now())
	}

	if c.positions.DeregisterIfFlat(trader, marketID, c.book.HasOpenOrder(trader, marketID)) {
		c.funding.DropCheckpoint(trader, marketID)
	}
	return realized
}

// AddLiquidity mints a range order funded by the given base and quote
// amounts. The actually-consumed amounts (bounded by the current price's
// token mix) become the maker's range debt.
func (c *Clearinghouse) AddLiquidity(
	maker uuid.UUID,
	marketID string,
	lowerTick, upperTick int32,
	base, quote decimal.Decimal,
) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer observability.ObserveOperation("add_liquidity", c.now(), &err)

	m, err := c.market(marketID)
	if err != nil {
		return err
	}
	if !m.IsOpen() {
		return fmt.Errorf("add liquidity %s: %w", marketID, perperr.ErrMarketNotOpen)
	}
	if lowerTick >= upperTick {
		return fmt.Errorf("add liquidity: invalid range [%d,%d)", lowerTick, upperTick)
	}
	if m.TickSpacing > 0 && (lowerTick%m.TickSpacing != 0 || upperTick%m.TickSpacing != 0) {
		return fmt.Errorf("add liquidity: ticks must align to spacing %d", m.TickSpacing)
	}
	if base.Sign() < 0 || quote.Sign() < 0 || (base.IsZero() && quote.IsZero()) {
		return fmt.Errorf("add liquidity: amounts must be non-negative and not both zero")
	}

	if err = c.settleFunding(maker, marketID); err != nil {
		return err
	}

	sqrtPrice, err := c.pool.SqrtMarkPrice(marketID)
	if err != nil {
		return err
	}
	sqrtLower := perpmath.TickToSqrtPrice(lowerTick)
	sqrtUpper := perpmath.TickToSqrtPrice(upperTick)

	liq := perpmath.LiquidityForAmounts(base, quote, sqrtPrice, sqrtLower, sqrtUpper)
	if liq.Sign() <= 0 {
		return fmt.Errorf("add liquidity: amounts fund no liquidity in [%d,%d)", lowerTick, upperTick)
	}
	baseUsed := perpmath.BaseInRange(liq, sqrtPrice, sqrtLower, sqrtUpper)
	quoteUsed := perpmath.QuoteInRange(liq, sqrtPrice, sqrtLower, sqrtUpper)

	if err = c.checkLiquidityMargin(maker, marketID, baseUsed, quoteUsed); err != nil {
		return err
	}

	mintedBase, mintedQuote, err := c.pool.MintRange(marketID, lowerTick, upperTick, liq)
	if err != nil {
		return err
	}
	growth, err := c.pool.FeeGrowthInside(marketID, lowerTick, upperTick)
	if err != nil {
		return err
	}
	fee, err := c.book.AddLiquidity(maker, marketID, lowerTick, upperTick, liq, mintedBase, mintedQuote, growth)
	if err != nil {
		return err
	}
	c.positions.AddMakerDebt(maker, marketID, mintedBase, mintedQuote)
	c.positions.AddOwedRealizedPnl(maker, fee)

	c.emitter.Emit(event.LiquidityChanged{
		Maker:      maker,
		MarketID:   marketID,
		LowerTick:  lowerTick,
		UpperTick:  upperTick,
		Base:       mintedBase,
		Quote:      mintedQuote,
		Liquidity:  liq,
		FeeClaimed: fee,
	})
	c.log.Info().Stringer("maker", maker).Str("market", marketID).
		Int32("lower", lowerTick).Int32("upper", upperTick).
		Stringer("liquidity", liq).Msg("liquidity added")
	return nil
}

// checkLiquidityMargin rejects a mint that would push the maker's order
// debt past what free collateral supports.
func (c *Clearinghouse) checkLiquidityMargin(maker uuid.UUID, marketID string, baseAdded, quoteAdded decimal.Decimal) error {
	exp, err := c.vault.Exposure(maker, marketID)
	if err != nil {
		return err
	}
	var cur position.Position
	if p := c.positions.Get(maker, marketID); p != nil {
		cur = *p
	}
	orderDebtValue := cur.MakerBaseDebt.Add(baseAdded).Mul(exp.MarginPrice).
		Add(cur.MakerQuoteDebt).Add(quoteAdded)

	hyp := exp
	hyp.Notional = vault.MarginNotional(exp.Size, exp.OpenNotional, orderDebtValue, exp.MarginPrice)

	free, err := c.vault.FreeCollateralWithExposure(maker, hyp, decimal.Zero)
	if err != nil {
		return err
	}
	if free.Sign() < 0 {
		return fmt.Errorf("free collateral %s after mint: %w", free, perperr.ErrInsufficientMargin)
	}
	return nil
}

// RemoveLiquidity burns liquidity from a range. Removal is always
// risk-reducing, so it carries no margin gate and stays allowed while
// the market is paused.
func (c *Clearinghouse) RemoveLiquidity(
	maker uuid.UUID,
	marketID string,
	lowerTick, upperTick int32,
	liq decimal.Decimal,
) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer observability.ObserveOperation("remove_liquidity", c.now(), &err)

	m, err := c.market(marketID)
	if err != nil {
		return err
	}
	if m.IsClosed() {
		return fmt.Errorf("remove liquidity %s: %w", marketID, perperr.ErrMarketNotOpen)
	}
	order := c.book.Get(maker, marketID, lowerTick, upperTick)
	if order == nil {
		return fmt.Errorf("remove liquidity: no order in %s [%d,%d)", marketID, lowerTick, upperTick)
	}

	if err = c.settleFunding(maker, marketID); err != nil {
		return err
	}
	return c.removeRange(maker, marketID, lowerTick, upperTick, liq)
}

// removeRange executes the burn and books its effects: debt cuts leave
// the maker's debt, the impermanent remainder runs through the taker
// state machine, and accrued fees land in owed PnL.
func (c *Clearinghouse) removeRange(maker uuid.UUID, marketID string, lowerTick, upperTick int32, liq decimal.Decimal) error {
	base, quote, err := c.pool.BurnRange(marketID, lowerTick, upperTick, liq)
	if err != nil {
		return err
	}
	growth, err := c.pool.FeeGrowthInside(marketID, lowerTick, upperTick)
	if err != nil {
		return err
	}
	res, err := c.book.RemoveLiquidity(maker, marketID, lowerTick, upperTick, liq, growth)
	if err != nil {
		return err
	}

	c.positions.ReduceMakerDebt(maker, marketID, res.BaseDebtCut, res.QuoteDebtCut)
	impermanentBase := base.Sub(res.BaseDebtCut)
	impermanentQuote := quote.Sub(res.QuoteDebtCut)
	if !impermanentBase.IsZero() || !impermanentQuote.IsZero() {
		c.positions.ApplySwapDelta(maker, marketID, impermanentBase, impermanentQuote)
	}
	c.positions.AddOwedRealizedPnl(maker, res.Fee)

	if c.positions.DeregisterIfFlat(maker, marketID, c.book.HasOpenOrder(maker, marketID)) {
		c.funding.DropCheckpoint(maker, marketID)
	}

	c.emitter.Emit(event.LiquidityChanged{
		Maker:      maker,
		MarketID:   marketID,
		LowerTick:  lowerTick,
		UpperTick:  upperTick,
		Base:       base.Neg(),
		Quote:      quote.Neg(),
		Liquidity:  liq.Neg(),
		FeeClaimed: res.Fee,
	})
	return nil
}

// removeAllRanges burns every order the maker holds in a market and
// returns how many were closed.
func (c *Clearinghouse) removeAllRanges(maker uuid.UUID, marketID string) (int, error) {
	orders := c.book.RangesOf(maker, marketID)
	for _, o := range orders {
		if err := c.removeRange(maker, marketID, o.Lower, o.Upper, o.Liquidity); err != nil {
			return 0, err
		}
	}
	return len(orders), nil
}
