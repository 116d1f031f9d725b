package clearinghouse

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpCore/internal/collateral"
	"PerpCore/internal/config"
	"PerpCore/internal/event"
	"PerpCore/internal/funding"
	"PerpCore/internal/insurance"
	"PerpCore/internal/liquidation"
	"PerpCore/internal/liquidity"
	"PerpCore/internal/market"
	"PerpCore/internal/observability"
	"PerpCore/internal/oracle"
	"PerpCore/internal/perperr"
	"PerpCore/internal/perpmath"
	"PerpCore/internal/position"
	"PerpCore/internal/vault"
	"PerpCore/internal/venue"
)

// Deps collects the collaborators the clearinghouse orchestrates.
type Deps struct {
	Markets   *market.Registry
	Params    *config.RiskParamsRegistry
	Assets    *collateral.Registry
	Oracle    oracle.Oracle
	Venue     venue.Venue
	Positions *position.Ledger
	Book      *liquidity.Book
	Funding   *funding.Engine
	Vault     *vault.Vault
	Fund      *insurance.Fund
	Emitter   event.Emitter
	Log       zerolog.Logger
}

// Clearinghouse is the single serialized entry point for every
// state-changing operation. Each operation validates against committed
// state (using non-mutating venue quotes where a swap is involved) and
// only then applies its mutations, so a rejected call leaves no trace.
//
// Mutations arrive on the command loop while the HTTP read accessors run
// on server goroutines; mu serializes the two. Write-locked operations
// never call back into a locked entry point (the liquidation engine's
// Executor callbacks run under the caller's lock).
type Clearinghouse struct {
	mu sync.RWMutex


	markets   *market.Registry
	params    *config.RiskParamsRegistry
	assets    *collateral.Registry
	oracle    oracle.Oracle
	pool      venue.Venue
	positions *position.Ledger
	book      *liquidity.Book
	funding   *funding.Engine
	vault     *vault.Vault
	fund      *insurance.Fund
	emitter   event.Emitter
	log       zerolog.Logger
	liq       *liquidation.Engine

	clock func() time.Time
}

func New(d Deps) *Clearinghouse {
	c := &Clearinghouse{
		markets:   d.Markets,
		params:    d.Params,
		assets:    d.Assets,
		oracle:    d.Oracle,
		pool:      d.Venue,
		positions: d.Positions,
		book:      d.Book,
		funding:   d.Funding,
		vault:     d.Vault,
		fund:      d.Fund,
		emitter:   d.Emitter,
		log:       d.Log,
		clock:     time.Now,
	}
	c.liq = liquidation.NewEngine(liquidation.Deps{
		Markets:   d.Markets,
		Params:    d.Params,
		Assets:    d.Assets,
		Oracle:    d.Oracle,
		Positions: d.Positions,
		Book:      d.Book,
		Vault:     d.Vault,
		Fund:      d.Fund,
		Executor:  liqExecutor{c},
		Emitter:   d.Emitter,
		Log:       d.Log,
	})
	return c
}

// SetClock overrides the time source; the vault follows the same clock.
func (c *Clearinghouse) SetClock(clock func() time.Time) {
	c.clock = clock
	c.vault.SetClock(clock)
}

func (c *Clearinghouse) now() time.Time { return c.clock() }

func (c *Clearinghouse) market(marketID string) (*market.Market, error) {
	m, ok := c.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("unknown market %s", marketID)
	}
	return m, nil
}

// settleFunding syncs the market's accumulator and settles the trader's
// accrued funding into owed realized PnL. Every mutating operation calls
// this before its margin check so account value is never stale.
func (c *Clearinghouse) settleFunding(trader uuid.UUID, marketID string) error {
	if err := c.funding.Sync(marketID, c.now()); err != nil {
		return err
	}
	sqrtPrice, err := c.pool.SqrtMarkPrice(marketID)
	if err != nil {
		return err
	}
	baseInRanges, _ := c.book.AmountsInRanges(trader, marketID, sqrtPrice)
	size := c.positions.TotalPositionSize(trader, marketID, baseInRanges)

	payment := c.funding.Settle(trader, marketID, size)
	if payment.IsZero() {
		return nil
	}
	c.positions.AddOwedRealizedPnl(trader, payment.Neg())
	c.emitter.Emit(event.FundingSettled{Trader: trader, MarketID: marketID, Payment: payment})
	return nil
}

// SettleFunding is the public form: settle one trader in one market.
func (c *Clearinghouse) SettleFunding(trader uuid.UUID, marketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.market(marketID); err != nil {
		return err
	}
	return c.settleFunding(trader, marketID)
}

// collectFees pulls accrued maker fees in one market into owed PnL.
func (c *Clearinghouse) collectFees(trader uuid.UUID, marketID string) error {
	fee, err := c.book.CollectFees(trader, marketID, func(lower, upper int32) (decimal.Decimal, error) {
		return c.pool.FeeGrowthInside(marketID, lower, upper)
	})
	if err != nil {
		return err
	}
	c.positions.AddOwedRealizedPnl(trader, fee)
	return nil
}

// settleAccount forces a full funding and fee settlement across all of
// the trader's active markets.
func (c *Clearinghouse) settleAccount(trader uuid.UUID) error {
	for _, marketID := range c.positions.ActiveMarkets(trader) {
		if err := c.settleFunding(trader, marketID); err != nil {
			return err
		}
		if err := c.collectFees(trader, marketID); err != nil {
			return err
		}
	}
	return nil
}

// Deposit credits collateral after forcing a full settlement, so the cap
// check and subsequent margin reads run against fresh balances.
func (c *Clearinghouse) Deposit(trader uuid.UUID, symbol string, amount decimal.Decimal) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer observability.ObserveOperation("deposit", c.now(), &err)
	if err = c.settleAccount(trader); err != nil {
		return err
	}
	if err = c.vault.Deposit(trader, symbol, amount); err != nil {
		return err
	}
	c.vault.SettleOwedRealizedPnl(trader)
	c.emitter.Emit(event.Deposited{Trader: trader, Asset: symbol, Amount: amount})
	c.log.Info().Stringer("trader", trader).Str("asset", symbol).
		Stringer("amount", amount).Msg("deposit")
	return nil
}

// Withdraw debits collateral, bounded by per-token free collateral.
func (c *Clearinghouse) Withdraw(trader uuid.UUID, symbol string, amount decimal.Decimal) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer observability.ObserveOperation("withdraw", c.now(), &err)
	if err = c.settleAccount(trader); err != nil {
		return err
	}
	c.vault.SettleOwedRealizedPnl(trader)
	if err = c.vault.Withdraw(trader, symbol, amount); err != nil {
		return err
	}
	c.emitter.Emit(event.Withdrawn{Trader: trader, Asset: symbol, Amount: amount})
	c.log.Info().Stringer("trader", trader).Str("asset", symbol).
		Stringer("amount", amount).Msg("withdraw")
	return nil
}

// PauseMarket freezes trading and funding at the current index price.
func (c *Clearinghouse) PauseMarket(marketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.market(marketID)
	if err != nil {
		return err
	}
	if err := c.funding.Sync(marketID, c.now()); err != nil {
		return err
	}
	index, err := c.oracle.IndexPrice(marketID, c.params.MustGet(marketID).IndexTwapWindow)
	if err != nil {
		return err
	}
	if err := m.Pause(index); err != nil {
		return err
	}
	c.funding.Freeze(marketID)
	c.log.Warn().Str("market", marketID).Stringer("index", index).Msg("market paused")
	return nil
}

// CloseMarket settles a paused market at the current index price. After
// this, SettleClosedMarketPosition is the only remaining operation.
func (c *Clearinghouse) CloseMarket(marketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.market(marketID)
	if err != nil {
		return err
	}
	index, err := c.oracle.IndexPrice(marketID, c.params.MustGet(marketID).IndexTwapWindow)
	if err != nil {
		return err
	}
	if err := m.Close(index); err != nil {
		return err
	}
	c.log.Warn().Str("market", marketID).Stringer("price", index).Msg("market closed")
	return nil
}

// SettleClosedMarketPosition realizes a trader's entire exposure in a
// closed market against the frozen settlement price: remaining orders
// are unwound at the frozen pool price, then the taker leg settles at
// the closed price and the market entry is dropped.
func (c *Clearinghouse) SettleClosedMarketPosition(trader uuid.UUID, marketID string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer observability.ObserveOperation("settle_closed_market", c.now(), &err)
	m, err := c.market(marketID)
	if err != nil {
		return err
	}
	if !m.IsClosed() {
		return fmt.Errorf("settle %s: market not closed: %w", marketID, perperr.ErrMarketNotOpen)
	}

	if _, err = c.removeAllRanges(trader, marketID); err != nil {
		return err
	}

	pos := c.positions.Get(trader, marketID)
	if pos == nil {
		return fmt.Errorf("settle %s: %w", marketID, perperr.ErrZeroPosition)
	}

	// Zeroing the taker leg against the frozen price realizes exactly
	// takerQuote + takerBase*closedPrice.
	settled, _ := c.positions.ApplySwapDelta(trader, marketID,
		pos.TakerBase.Neg(), pos.TakerBase.Mul(m.ClosedPrice()))

	c.positions.DeregisterIfFlat(trader, marketID, c.book.HasOpenOrder(trader, marketID))
	c.funding.DropCheckpoint(trader, marketID)
	c.vault.SettleOwedRealizedPnl(trader)

	c.emitter.Emit(event.MarketSettled{
		Trader:      trader,
		MarketID:    marketID,
		SettledPnl:  settled,
		ClosedPrice: m.ClosedPrice(),
	})
	return nil
}

// AccountValue exposes the vault's account value for read APIs.
func (c *Clearinghouse) AccountValue(trader uuid.UUID) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vault.AccountValue(trader)
}

// FreeCollateral exposes withdrawable collateral for read APIs.
func (c *Clearinghouse) FreeCollateral(trader uuid.UUID) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vault.FreeCollateral(trader)
}

// PositionOf returns total size and open notional in one market.
func (c *Clearinghouse) PositionOf(trader uuid.UUID, marketID string) (size, openNotional decimal.Decimal, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sqrtPrice, err := c.pool.SqrtMarkPrice(marketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	baseInRanges, quoteInRanges := c.book.AmountsInRanges(trader, marketID, sqrtPrice)
	return c.positions.TotalPositionSize(trader, marketID, baseInRanges),
		c.positions.TotalOpenNotional(trader, marketID, quoteInRanges), nil
}

// PendingFunding returns the unsettled funding payment in one market.
func (c *Clearinghouse) PendingFunding(trader uuid.UUID, marketID string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sqrtPrice, err := c.pool.SqrtMarkPrice(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	baseInRanges, _ := c.book.AmountsInRanges(trader, marketID, sqrtPrice)
	size := c.positions.TotalPositionSize(trader, marketID, baseInRanges)
	return c.funding.PendingPayment(trader, marketID, size), nil
}

// InsuranceCapacity exposes the fund's remaining absorption capacity.
func (c *Clearinghouse) InsuranceCapacity() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fund.Capacity()
}

// spreadLimits converts the market's max spread ratio into sqrt price
// bounds around the current pool price, tightening any caller limit.
func (c *Clearinghouse) spreadLimit(marketID string, baseToQuote bool, callerLimit decimal.Decimal) (decimal.Decimal, error) {
	sqrtPrice, err := c.pool.SqrtMarkPrice(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	spread := c.params.MustGet(marketID).MaxPriceSpreadRatio
	one := decimal.NewFromInt(1)

	var band decimal.Decimal
	if baseToQuote {
		band = sqrtPrice.Mul(perpmath.Sqrt(one.Sub(spread)))
		if callerLimit.Sign() > 0 {
			return perpmath.Max(band, callerLimit), nil
		}
	} else {
		band = sqrtPrice.Mul(perpmath.Sqrt(one.Add(spread)))
		if callerLimit.Sign() > 0 {
			return perpmath.Min(band, callerLimit), nil
		}
	}
	return band, nil
}
