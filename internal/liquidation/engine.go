package liquidation

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpCore/internal/collateral"
	"PerpCore/internal/config"
	"PerpCore/internal/event"
	"PerpCore/internal/insurance"
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

// Executor performs the venue-touching legs of a liquidation on the
// engine's behalf. The clearinghouse implements it with the same swap
// and burn machinery regular trades use.
type Executor interface {
	// LiquidationSwap closes part of the trader's taker position at
	// market price, bypassing the initial-margin gate.
	LiquidationSwap(trader uuid.UUID, marketID string, baseToQuote, exactInput bool, amount decimal.Decimal) (venue.SwapResult, error)

	// RemoveAllRanges burns every order the maker holds in a market.
	RemoveAllRanges(maker uuid.UUID, marketID string) (int, error)

	// SettleFunding settles the trader's pending funding in a market.
	SettleFunding(trader uuid.UUID, marketID string) error
}

// Engine drives order cancellation, position liquidation, collateral
// liquidation, and insurance-backed bad-debt settlement.
type Engine struct {
	markets   *market.Registry
	params    *config.RiskParamsRegistry
	assets    *collateral.Registry
	oracle    oracle.Oracle
	positions *position.Ledger
	book      *liquidity.Book
	vault     *vault.Vault
	fund      *insurance.Fund
	exec      Executor
	emitter   event.Emitter
	log       zerolog.Logger
}

type Deps struct {
	Markets   *market.Registry
	Params    *config.RiskParamsRegistry
	Assets    *collateral.Registry
	Oracle    oracle.Oracle
	Positions *position.Ledger
	Book      *liquidity.Book
	Vault     *vault.Vault
	Fund      *insurance.Fund
	Executor  Executor
	Emitter   event.Emitter
	Log       zerolog.Logger
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		markets:   d.Markets,
		params:    d.Params,
		assets:    d.Assets,
		oracle:    d.Oracle,
		positions: d.Positions,
		book:      d.Book,
		vault:     d.Vault,
		fund:      d.Fund,
		exec:      d.Executor,
		emitter:   d.Emitter,
		log:       d.Log,
	}
}

// IsLiquidatable reports whether the account's value has fallen below
// its maintenance margin requirement.
func (e *Engine) IsLiquidatable(trader uuid.UUID) (bool, error) {
	av, err := e.vault.AccountValue(trader)
	if err != nil {
		return false, err
	}
	mm, err := e.vault.MaintenanceMarginRequirement(trader)
	if err != nil {
		return false, err
	}
	return av.LessThan(mm), nil
}

// CancelAllExcessOrders burns every range order the maker holds in a
// market. Makers may always cancel their own orders; a third party may
// force cancellation only when the account's free collateral is
// negative, which is the precondition for liquidating the position
// underneath.
func (e *Engine) CancelAllExcessOrders(caller, maker uuid.UUID, marketID string) error {
	if caller != maker {
		free, err := e.vault.FreeCollateral(maker)
		if err != nil {
			return err
		}
		if free.Sign() >= 0 {
			return fmt.Errorf("cancel orders: maker %s has free collateral %s: %w",
				maker, free, perperr.ErrNotLiquidatable)
		}
	}
	if err := e.exec.SettleFunding(maker, marketID); err != nil {
		return err
	}
	n, err := e.exec.RemoveAllRanges(maker, marketID)
	if err != nil {
		return err
	}
	if n > 0 {
		e.emitter.Emit(event.OrdersCancelled{Maker: maker, MarketID: marketID, Count: n})
		e.log.Info().Stringer("maker", maker).Str("market", marketID).
			Int("orders", n).Msg("orders cancelled")
	}
	return nil
}

// Result reports what a position liquidation did.
type Result struct {
	ExchangedBase     decimal.Decimal
	ExchangedNotional decimal.Decimal
	Penalty           decimal.Decimal
	LiquidatorReward  decimal.Decimal
	InsuranceShare    decimal.Decimal
	BadDebt           bool
}

// Liquidate closes (part of) an underwater trader's position in one
// market at market price. maxBase optionally caps the closed size; a
// request beyond what sizing rules allow is clamped, not rejected. The
// penalty on the exchanged notional splits evenly between liquidator and
// insurance fund, except that exposing bad debt sends the whole penalty
// to the liquidator.
func (e *Engine) Liquidate(liquidator, trader uuid.UUID, marketID string, maxBase decimal.Decimal) (Result, error) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return Result{}, fmt.Errorf("liquidate: unknown market %s", marketID)
	}
	if !m.IsOpen() {
		return Result{}, fmt.Errorf("liquidate %s: %w", marketID, perperr.ErrMarketNotOpen)
	}
	if e.book.HasOpenOrder(trader, marketID) {
		return Result{}, fmt.Errorf("liquidate %s: %w", marketID, perperr.ErrOrdersOpen)
	}

	if err := e.exec.SettleFunding(trader, marketID); err != nil {
		return Result{}, err
	}

	liquidatable, err := e.IsLiquidatable(trader)
	if err != nil {
		return Result{}, err
	}
	if !liquidatable {
		return Result{}, fmt.Errorf("liquidate %s: %w", trader, perperr.ErrNotLiquidatable)
	}

	pos := e.positions.Get(trader, marketID)
	if pos == nil || perpmath.IsDust(pos.TakerBase) {
		return Result{}, fmt.Errorf("liquidate %s: %w", marketID, perperr.ErrZeroPosition)
	}
	size := pos.TakerBase

	closeSize := size.Abs()
	one := decimal.NewFromInt(1)
	p := e.params.MustGet(marketID)
	if p.PartialCloseRatio.Sign() > 0 && p.PartialCloseRatio.LessThan(one) {
		closeSize = closeSize.Mul(p.PartialCloseRatio)
	}
	if maxBase.Sign() > 0 && maxBase.LessThan(closeSize) {
		closeSize = maxBase
	}

	var res venue.SwapResult
	if size.Sign() > 0 {
		res, err = e.exec.LiquidationSwap(trader, marketID, true, true, closeSize)
	} else {
		res, err = e.exec.LiquidationSwap(trader, marketID, false, false, closeSize)
	}
	if err != nil {
		return Result{}, err
	}

	exchangedNotional := res.QuoteDelta.Add(res.Fee)
	penalty := exchangedNotional.Abs().Mul(p.LiquidationPenaltyRatio)
	e.positions.AddOwedRealizedPnl(trader, penalty.Neg())

	accountValue, err := e.vault.AccountValue(trader)
	if err != nil {
		return Result{}, err
	}

	out := Result{
		ExchangedBase:     res.BaseDelta,
		ExchangedNotional: exchangedNotional,
		Penalty:           penalty,
		BadDebt:           accountValue.Sign() < 0,
	}
	if out.BadDebt {
		out.LiquidatorReward = penalty
	} else {
		out.LiquidatorReward = penalty.Div(decimal.NewFromInt(2))
		out.InsuranceShare = penalty.Sub(out.LiquidatorReward)
	}
	e.positions.AddOwedRealizedPnl(liquidator, out.LiquidatorReward)
	e.fund.Credit(out.InsuranceShare)

	observability.LiquidationsTotal.WithLabelValues(marketID).Inc()
	e.emitter.Emit(event.PositionLiquidated{
		Trader:            trader,
		Liquidator:        liquidator,
		MarketID:          marketID,
		ExchangedBase:     out.ExchangedBase,
		ExchangedNotional: out.ExchangedNotional,
		Penalty:           out.Penalty,
		LiquidatorReward:  out.LiquidatorReward,
		InsuranceShare:    out.InsuranceShare,
		BadDebt:           out.BadDebt,
	})
	e.log.Warn().Stringer("trader", trader).Stringer("liquidator", liquidator).
		Str("market", marketID).Stringer("penalty", out.Penalty).
		Bool("bad_debt", out.BadDebt).Msg("position liquidated")
	return out, nil
}

// SettleBadDebt moves a fully-unwound trader's residual settlement debt
// into the insurance fund, capacity permitting. The trader must have no
// position in any market and no non-settlement collateral left.
func (e *Engine) SettleBadDebt(trader uuid.UUID) error {
	if markets := e.positions.ActiveMarkets(trader); len(markets) > 0 {
		return fmt.Errorf("settle bad debt: %s still active in %d markets", trader, len(markets))
	}
	if e.vault.HasNonSettlementCollateral(trader) {
		return fmt.Errorf("settle bad debt: %s still holds non-settlement collateral", trader)
	}

	e.vault.SettleOwedRealizedPnl(trader)
	settlement := e.assets.SettlementSymbol()
	balance := e.vault.Balance(trader, settlement)
	if balance.Sign() >= 0 {
		return fmt.Errorf("settle bad debt: %s has no debt (balance %s)", trader, balance)
	}

	debt := balance.Neg()
	if !e.fund.AbsorbBadDebt(debt) {
		return fmt.Errorf("settle bad debt: insurance capacity %s below debt %s",
			e.fund.Capacity(), debt)
	}
	e.vault.AddBalance(trader, settlement, debt)

	observability.BadDebtSettled.Add(debt.InexactFloat64())
	e.emitter.Emit(event.BadDebtSettled{Trader: trader, Debt: debt})
	e.log.Warn().Stringer("trader", trader).Stringer("debt", debt).Msg("bad debt settled")
	return nil
}

// LiquidateCollateral repays part of a trader's settlement debt in
// exchange for a discounted quantity of one non-settlement collateral
// asset. The insurance fund takes its configured cut of the repayment;
// a residual collateral crumb below the dust threshold is seized whole.
func (e *Engine) LiquidateCollateral(liquidator, trader uuid.UUID, symbol string, repay decimal.Decimal) error {
	asset, ok := e.assets.Get(symbol)
	if !ok || asset.Settlement {
		return fmt.Errorf("liquidate collateral: %s is not a non-settlement asset", symbol)
	}
	if repay.Sign() <= 0 {
		return fmt.Errorf("liquidate collateral: repay must be positive, got %s", repay)
	}

	stv, err := e.vault.SettlementTokenValue(trader)
	if err != nil {
		return err
	}
	if stv.Sign() >= 0 {
		return fmt.Errorf("liquidate collateral: settlement value %s: %w", stv, perperr.ErrNotLiquidatable)
	}
	maxRepayable := stv.Neg()
	if repay.GreaterThan(maxRepayable) {
		return fmt.Errorf("liquidate collateral: repay %s exceeds debt %s: %w",
			repay, maxRepayable, perperr.ErrExcessLiquidation)
	}

	price, err := e.oracle.CollateralPrice(symbol)
	if err != nil {
		return err
	}
	one := decimal.NewFromInt(1)
	discounted := price.Mul(one.Sub(asset.LiquidationDiscount))
	if discounted.Sign() <= 0 {
		return fmt.Errorf("liquidate collateral: %s has no liquidation value", symbol)
	}

	balance := e.vault.Balance(trader, symbol)
	if balance.Sign() <= 0 {
		return fmt.Errorf("liquidate collateral: %s holds no %s", trader, symbol)
	}

	seized := repay.Div(discounted)
	if seized.GreaterThan(balance) {
		seized = balance
		repay = seized.Mul(discounted)
	} else if balance.Sub(seized).Mul(price).LessThan(e.assets.CollateralValueDust) {
		// Take the crumb too rather than strand an unliquidatable residue.
		seized = balance
		repay = seized.Mul(discounted)
	}

	settlement := e.assets.SettlementSymbol()
	liquidatorFree, err := e.vault.FreeCollateralByToken(liquidator, settlement)
	if err != nil {
		return err
	}
	if liquidatorFree.LessThan(repay) {
		return fmt.Errorf("liquidate collateral: liquidator free %s below repay %s: %w",
			liquidatorFree, repay, perperr.ErrInsufficientBalance)
	}

	insuranceFee := repay.Mul(e.assets.CollateralLiquidationInsuranceFeeRatio)

	e.vault.AddBalance(liquidator, settlement, repay.Neg())
	e.vault.AddBalance(liquidator, symbol, seized)
	e.vault.AddBalance(trader, symbol, seized.Neg())
	e.vault.AddBalance(trader, settlement, repay.Sub(insuranceFee))
	e.fund.Credit(insuranceFee)

	e.emitter.Emit(event.CollateralLiquidated{
		Trader:       trader,
		Liquidator:   liquidator,
		Asset:        symbol,
		Seized:       seized,
		Repaid:       repay,
		InsuranceFee: insuranceFee,
	})
	e.log.Warn().Stringer("trader", trader).Str("asset", symbol).
		Stringer("seized", seized).Stringer("repaid", repay).Msg("collateral liquidated")
	return nil
}
