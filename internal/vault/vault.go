package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/collateral"
	"PerpCore/internal/config"
	"PerpCore/internal/funding"
	"PerpCore/internal/liquidity"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/perperr"
	"PerpCore/internal/perpmath"
	"PerpCore/internal/position"
	"PerpCore/internal/venue"
)

type balanceKey struct {
	trader uuid.UUID
	symbol string
}

// Vault stores raw collateral balances and derives every margin quantity
// from the other ledgers. Pending funding, pending maker fees and
// unrealized PnL are always computed on demand, never stored, so the
// derived values cannot drift from the components they summarize.
type Vault struct {
	assets    *collateral.Registry
	oracle    oracle.Oracle
	markets   *market.Registry
	params    *config.RiskParamsRegistry
	positions *position.Ledger
	book      *liquidity.Book
	funding   *funding.Engine
	venue     venue.Venue

	// clock feeds the mark TWAP horizon; tests pin it.
	clock func() time.Time

	balances map[balanceKey]decimal.Decimal
}

func New(
	assets *collateral.Registry,
	orc oracle.Oracle,
	markets *market.Registry,
	params *config.RiskParamsRegistry,
	positions *position.Ledger,
	book *liquidity.Book,
	fundingEngine *funding.Engine,
	v venue.Venue,
) *Vault {
	return &Vault{
		assets:    assets,
		oracle:    orc,
		markets:   markets,
		params:    params,
		positions: positions,
		book:      book,
		funding:   fundingEngine,
		venue:     v,
		clock:     time.Now,
		balances:  make(map[balanceKey]decimal.Decimal),
	}
}

// SetClock overrides the time source.
func (v *Vault) SetClock(clock func() time.Time) { v.clock = clock }

// Balance returns the raw deposited amount of one asset.
func (v *Vault) Balance(trader uuid.UUID, symbol string) decimal.Decimal {
	return v.balances[balanceKey{trader, symbol}]
}

// AddBalance credits an asset balance. Negative amounts debit; the
// settlement balance is the only one allowed to go negative (trader debt).
func (v *Vault) AddBalance(trader uuid.UUID, symbol string, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	key := balanceKey{trader, symbol}
	next := v.balances[key].Add(amount)
	if next.IsZero() {
		delete(v.balances, key)
		return
	}
	v.balances[key] = next
}

// BalanceRecord is one (trader, asset) balance for snapshotting.
type BalanceRecord struct {
	Trader uuid.UUID
	Symbol string
	Amount decimal.Decimal
}

// Export copies all balances for snapshotting.
func (v *Vault) Export() []BalanceRecord {
	out := make([]BalanceRecord, 0, len(v.balances))
	for key, amount := range v.balances {
		out = append(out, BalanceRecord{Trader: key.trader, Symbol: key.symbol, Amount: amount})
	}
	return out
}

// Restore replaces all balances from a snapshot.
func (v *Vault) Restore(records []BalanceRecord) {
	v.balances = make(map[balanceKey]decimal.Decimal, len(records))
	for _, r := range records {
		v.balances[balanceKey{r.Trader, r.Symbol}] = r.Amount
	}
}

// Deposit credits a registered collateral asset, enforcing the per-asset
// deposit cap.
func (v *Vault) Deposit(trader uuid.UUID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	asset, ok := v.assets.Get(symbol)
	if !ok {
		return fmt.Errorf("deposit: unknown collateral asset %s", symbol)
	}
	if asset.DepositCap.Sign() > 0 {
		if v.Balance(trader, symbol).Add(amount).GreaterThan(asset.DepositCap) {
			return fmt.Errorf("deposit: %s cap %s exceeded", symbol, asset.DepositCap)
		}
	}
	v.AddBalance(trader, symbol, amount)
	return nil
}

// Withdraw debits an asset after verifying the per-token free collateral
// covers the amount. The caller settles funding and drains owed PnL into
// the settlement balance before invoking this.
func (v *Vault) Withdraw(trader uuid.UUID, symbol string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("withdraw amount must be positive, got %s", amount)
	}
	if _, ok := v.assets.Get(symbol); !ok {
		return fmt.Errorf("withdraw: unknown collateral asset %s", symbol)
	}
	free, err := v.FreeCollateralByToken(trader, symbol)
	if err != nil {
		return err
	}
	if amount.GreaterThan(free) {
		return fmt.Errorf("withdraw %s %s, free %s: %w",
			amount, symbol, free, perperr.ErrInsufficientBalance)
	}
	v.AddBalance(trader, symbol, amount.Neg())
	return nil
}

// SettleOwedRealizedPnl folds the trader's owed realized PnL accumulator
// into their settlement balance.
func (v *Vault) SettleOwedRealizedPnl(trader uuid.UUID) {
	owed := v.positions.DrainOwedRealizedPnl(trader)
	v.AddBalance(trader, v.assets.SettlementSymbol(), owed)
}

// marginPrice is the price positions are valued at for margin purposes:
// the trade-history mark TWAP while the market is open (index fallback
// when no trades exist), the frozen index while paused, and the final
// settlement price once closed. The pool's instantaneous price is never
// used directly.
func (v *Vault) marginPrice(marketID string) (decimal.Decimal, error) {
	m, ok := v.markets.Get(marketID)
	if !ok {
		return decimal.Zero, fmt.Errorf("margin price: unknown market %s", marketID)
	}
	switch m.Status() {
	case market.StatusPaused:
		return m.PausedIndexPrice(), nil
	case market.StatusClosed:
		return m.ClosedPrice(), nil
	default:
		return v.funding.MarkTwap(marketID, v.clock())
	}
}

// MarketExposure is one market's contribution to the account's margin
// picture.
type MarketExposure struct {
	MarketID     string
	Size         decimal.Decimal
	OpenNotional decimal.Decimal
	// Notional is the base for margin requirements: the largest of
	// |openNotional|, |size| * price, and the maker's order debt value,
	// so liquidity committed to ranges carries margin even when the net
	// position is flat.
	Notional      decimal.Decimal
	UnrealizedPnl decimal.Decimal
	PendingFee    decimal.Decimal
	PendingFund   decimal.Decimal
	MarginPrice   decimal.Decimal
}

// Exposure derives one market's exposure from the venue and ledgers.
func (v *Vault) Exposure(trader uuid.UUID, marketID string) (MarketExposure, error) {
	sqrtPrice, err := v.venue.SqrtMarkPrice(marketID)
	if err != nil {
		return MarketExposure{}, err
	}
	baseInRanges, quoteInRanges := v.book.AmountsInRanges(trader, marketID, sqrtPrice)

	size := v.positions.TotalPositionSize(trader, marketID, baseInRanges)
	openNotional := v.positions.TotalOpenNotional(trader, marketID, quoteInRanges)

	price, err := v.marginPrice(marketID)
	if err != nil {
		return MarketExposure{}, err
	}

	pendingFee, err := v.book.PendingFee(trader, marketID, func(lower, upper int32) (decimal.Decimal, error) {
		return v.venue.FeeGrowthInside(marketID, lower, upper)
	})
	if err != nil {
		return MarketExposure{}, err
	}

	orderDebtValue := decimal.Zero
	if pos := v.positions.Get(trader, marketID); pos != nil {
		orderDebtValue = pos.MakerBaseDebt.Mul(price).Add(pos.MakerQuoteDebt)
	}

	return MarketExposure{
		MarketID:      marketID,
		Size:          size,
		OpenNotional:  openNotional,
		Notional:      MarginNotional(size, openNotional, orderDebtValue, price),
		UnrealizedPnl: position.UnrealizedPnl(size, openNotional, price),
		PendingFee:    pendingFee,
		PendingFund:   v.funding.PendingPayment(trader, marketID, size),
		MarginPrice:   price,
	}, nil
}

// MarginNotional is the per-market base for margin requirements.
func MarginNotional(size, openNotional, orderDebtValue, price decimal.Decimal) decimal.Decimal {
	return perpmath.Max(perpmath.Max(openNotional.Abs(), size.Abs().Mul(price)), orderDebtValue)
}

// exposures collects every active market's exposure for the trader.
func (v *Vault) exposures(trader uuid.UUID) ([]MarketExposure, error) {
	marketIDs := v.positions.ActiveMarkets(trader)
	out := make([]MarketExposure, 0, len(marketIDs))
	for _, id := range marketIDs {
		exp, err := v.Exposure(trader, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

// SettlementTokenValue is the settlement-asset side of the account:
// balance plus owed realized PnL plus pending maker fees minus pending
// funding. Non-settlement collateral and unrealized PnL are excluded.
func (v *Vault) SettlementTokenValue(trader uuid.UUID) (decimal.Decimal, error) {
	exps, err := v.exposures(trader)
	if err != nil {
		return decimal.Zero, err
	}
	return v.settlementTokenValue(trader, exps), nil
}

func (v *Vault) settlementTokenValue(trader uuid.UUID, exps []MarketExposure) decimal.Decimal {
	value := v.Balance(trader, v.assets.SettlementSymbol()).
		Add(v.positions.OwedRealizedPnl(trader))
	for _, exp := range exps {
		value = value.Add(exp.PendingFee).Sub(exp.PendingFund)
	}
	return value
}

// nonSettlementValue prices non-settlement collateral through the oracle
// and applies each asset's collateralization ratio.
func (v *Vault) nonSettlementValue(trader uuid.UUID) (decimal.Decimal, error) {
	value := decimal.Zero
	for _, symbol := range v.assets.NonSettlementSymbols() {
		bal := v.Balance(trader, symbol)
		if bal.Sign() <= 0 {
			continue
		}
		asset, _ := v.assets.Get(symbol)
		price, err := v.oracle.CollateralPrice(symbol)
		if err != nil {
			return decimal.Zero, err
		}
		value = value.Add(bal.Mul(price).Mul(asset.CollateralRatio))
	}
	return value, nil
}

// TotalCollateralValue is the discounted value of everything deposited,
// settlement-side value included, before unrealized PnL.
func (v *Vault) TotalCollateralValue(trader uuid.UUID) (decimal.Decimal, error) {
	exps, err := v.exposures(trader)
	if err != nil {
		return decimal.Zero, err
	}
	nonSettlement, err := v.nonSettlementValue(trader)
	if err != nil {
		return decimal.Zero, err
	}
	return v.settlementTokenValue(trader, exps).Add(nonSettlement), nil
}

// AccountValue is total collateral value plus unrealized PnL across all
// markets.
func (v *Vault) AccountValue(trader uuid.UUID) (decimal.Decimal, error) {
	exps, err := v.exposures(trader)
	if err != nil {
		return decimal.Zero, err
	}
	nonSettlement, err := v.nonSettlementValue(trader)
	if err != nil {
		return decimal.Zero, err
	}
	value := v.settlementTokenValue(trader, exps).Add(nonSettlement)
	for _, exp := range exps {
		value = value.Add(exp.UnrealizedPnl)
	}
	return value, nil
}

// marginRequirement sums per-market notionals scaled by ratio.
func (v *Vault) marginRequirement(exps []MarketExposure, ratioOf func(marketID string) decimal.Decimal) decimal.Decimal {
	req := decimal.Zero
	for _, exp := range exps {
		req = req.Add(exp.Notional.Mul(ratioOf(exp.MarketID)))
	}
	return req
}

// FreeCollateral is what the account may withdraw or commit to new risk:
//
//	min(accountValue, totalCollateralValue) - sum(notional * imRatio)
//
// Taking the min keeps positive unrealized PnL from funding withdrawals
// or new positions before it is realized.
func (v *Vault) FreeCollateral(trader uuid.UUID) (decimal.Decimal, error) {
	exps, err := v.exposures(trader)
	if err != nil {
		return decimal.Zero, err
	}
	nonSettlement, err := v.nonSettlementValue(trader)
	if err != nil {
		return decimal.Zero, err
	}
	collateralValue := v.settlementTokenValue(trader, exps).Add(nonSettlement)
	accountValue := collateralValue
	for _, exp := range exps {
		accountValue = accountValue.Add(exp.UnrealizedPnl)
	}
	im := v.marginRequirement(exps, func(id string) decimal.Decimal {
		return v.params.MustGet(id).InitialMarginRatio
	})
	return perpmath.Min(accountValue, collateralValue).Sub(im), nil
}

// FreeCollateralWithExposure recomputes free collateral as if the
// trader's committed exposure in hyp.MarketID were replaced by hyp, with
// settlementAdjust added to the settlement side (realized PnL and fees
// the pending operation would book). Callers use it to reject an
// operation before any mutation.
func (v *Vault) FreeCollateralWithExposure(trader uuid.UUID, hyp MarketExposure, settlementAdjust decimal.Decimal) (decimal.Decimal, error) {
	exps, err := v.exposures(trader)
	if err != nil {
		return decimal.Zero, err
	}
	replaced := false
	for i := range exps {
		if exps[i].MarketID == hyp.MarketID {
			exps[i] = hyp
			replaced = true
			break
		}
	}
	if !replaced {
		exps = append(exps, hyp)
	}

	nonSettlement, err := v.nonSettlementValue(trader)
	if err != nil {
		return decimal.Zero, err
	}
	collateralValue := v.settlementTokenValue(trader, exps).
		Add(nonSettlement).
		Add(settlementAdjust)
	accountValue := collateralValue
	for _, exp := range exps {
		accountValue = accountValue.Add(exp.UnrealizedPnl)
	}
	im := v.marginRequirement(exps, func(id string) decimal.Decimal {
		return v.params.MustGet(id).InitialMarginRatio
	})
	return perpmath.Min(accountValue, collateralValue).Sub(im), nil
}

// FreeCollateralByToken caps withdrawable free collateral per asset, in
// token units, so one asset's headroom cannot be paid out in another
// asset the account barely holds.
func (v *Vault) FreeCollateralByToken(trader uuid.UUID, symbol string) (decimal.Decimal, error) {
	free, err := v.FreeCollateral(trader)
	if err != nil {
		return decimal.Zero, err
	}
	if free.Sign() <= 0 {
		return decimal.Zero, nil
	}

	if v.assets.IsSettlement(symbol) {
		stv, err := v.SettlementTokenValue(trader)
		if err != nil {
			return decimal.Zero, err
		}
		if stv.Sign() <= 0 {
			return decimal.Zero, nil
		}
		return perpmath.Min(free, stv), nil
	}

	asset, ok := v.assets.Get(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown collateral asset %s", symbol)
	}
	price, err := v.oracle.CollateralPrice(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	discounted := price.Mul(asset.CollateralRatio)
	if discounted.Sign() <= 0 {
		return decimal.Zero, nil
	}
	return perpmath.Min(free.Div(discounted), v.Balance(trader, symbol)), nil
}

// MaintenanceMarginRequirement is the liquidation threshold: exposure
// notionals scaled by the maintenance ratio.
func (v *Vault) MaintenanceMarginRequirement(trader uuid.UUID) (decimal.Decimal, error) {
	exps, err := v.exposures(trader)
	if err != nil {
		return decimal.Zero, err
	}
	return v.marginRequirement(exps, func(id string) decimal.Decimal {
		return v.params.MustGet(id).MaintenanceMarginRatio
	}), nil
}

// HasNonSettlementCollateral reports whether any non-settlement balance
// remains, which blocks bad-debt settlement.
func (v *Vault) HasNonSettlementCollateral(trader uuid.UUID) bool {
	for _, symbol := range v.assets.NonSettlementSymbols() {
		if v.Balance(trader, symbol).Sign() > 0 {
			return true
		}
	}
	return false
}
