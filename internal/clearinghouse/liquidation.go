package clearinghouse

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/liquidation"
	"PerpCore/internal/observability"
	"PerpCore/internal/venue"
)

// liqExecutor adapts the clearinghouse internals to liquidation.Executor.
// Its methods do not lock: they run under the write lock the calling
// operation already holds.
type liqExecutor struct {
	c *Clearinghouse
}

// LiquidationSwap is a market-priced close of part of the trader's
// position, with no initial-margin gate and no price band, booked
// through the same machinery as a regular trade.
func (x liqExecutor) LiquidationSwap(trader uuid.UUID, marketID string, baseToQuote, exactInput bool, amount decimal.Decimal) (venue.SwapResult, error) {
	m, err := x.c.market(marketID)
	if err != nil {
		return venue.SwapResult{}, err
	}
	res, err := x.c.pool.Swap(marketID, baseToQuote, exactInput, amount, decimal.Zero)
	if err != nil {
		return venue.SwapResult{}, err
	}
	x.c.commitSwap(trader, marketID, m.InsuranceFeeRatio, res)
	return res, nil
}

func (x liqExecutor) RemoveAllRanges(maker uuid.UUID, marketID string) (int, error) {
	return x.c.removeAllRanges(maker, marketID)
}

func (x liqExecutor) SettleFunding(trader uuid.UUID, marketID string) error {
	if _, err := x.c.market(marketID); err != nil {
		return err
	}
	return x.c.settleFunding(trader, marketID)
}

// Liquidate closes an underwater trader's position in one market.
// maxBase caps the closed size; zero means no cap beyond sizing rules.
func (c *Clearinghouse) Liquidate(liquidator, trader uuid.UUID, marketID string, maxBase decimal.Decimal) (res liquidation.Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) {
		observability.ObserveOperation("liquidate", start, &err)
	}(c.now())
	return c.liq.Liquidate(liquidator, trader, marketID, maxBase)
}

// CancelAllExcessOrders burns a maker's range orders; third parties may
// force it only on underwater accounts.
func (c *Clearinghouse) CancelAllExcessOrders(caller, maker uuid.UUID, marketID string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) {
		observability.ObserveOperation("cancel_orders", start, &err)
	}(c.now())
	if _, err = c.market(marketID); err != nil {
		return err
	}
	return c.liq.CancelAllExcessOrders(caller, maker, marketID)
}

// SettleBadDebt absorbs a fully-unwound trader's residual debt into the
// insurance fund.
func (c *Clearinghouse) SettleBadDebt(trader uuid.UUID) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) {
		observability.ObserveOperation("settle_bad_debt", start, &err)
	}(c.now())
	return c.liq.SettleBadDebt(trader)
}

// LiquidateCollateral repays settlement debt against discounted
// non-settlement collateral.
func (c *Clearinghouse) LiquidateCollateral(liquidator, trader uuid.UUID, symbol string, repay decimal.Decimal) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) {
		observability.ObserveOperation("liquidate_collateral", start, &err)
	}(c.now())
	return c.liq.LiquidateCollateral(liquidator, trader, symbol, repay)
}

// IsLiquidatable exposes the maintenance-margin check for read APIs.
func (c *Clearinghouse) IsLiquidatable(trader uuid.UUID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liq.IsLiquidatable(trader)
}
