package clearinghouse_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpCore/internal/clearinghouse"
	"PerpCore/internal/collateral"
	"PerpCore/internal/config"
	"PerpCore/internal/event"
	"PerpCore/internal/funding"
	"PerpCore/internal/insurance"
	"PerpCore/internal/liquidity"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/perperr"
	"PerpCore/internal/position"
	"PerpCore/internal/vault"
	"PerpCore/internal/venue"
)

const (
	mkt        = "ETH-PERP"
	settlement = "USDC"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireEqual(t *testing.T, got, want decimal.Decimal, label string) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %s, want %s", label, got, want)
	}
}

func approxEqual(t *testing.T, got, want decimal.Decimal, tolerance, label string) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(dec(tolerance)) {
		t.Errorf("%s: got %s, want %s", label, got, want)
	}
}

// captureEmitter records emitted event kinds in order.
type captureEmitter struct {
	kinds []string
}

func (c *captureEmitter) Emit(e event.Event) { c.kinds = append(c.kinds, e.Kind()) }

func (c *captureEmitter) has(kind string) bool {
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// env wires a full clearinghouse around one market: pool at price 100
// with a 0.1% venue fee (20% of it to insurance), index 100, WETH
// collateral priced at 100.
type env struct {
	now       time.Time
	ch        *clearinghouse.Clearinghouse
	pool      *venue.SimPool
	positions *position.Ledger
	book      *liquidity.Book
	vault     *vault.Vault
	fund      *insurance.Fund
	oracle    *oracle.Static
	markets   *market.Registry
	assets    *collateral.Registry
	events    *captureEmitter
}

func newEnv(t *testing.T) *env {
	t.Helper()

	assets := collateral.NewRegistry(settlement, dec("0.05"))
	assets.CollateralValueDust = dec("10")
	if err := assets.Add(collateral.Asset{
		Symbol:              "WETH",
		CollateralRatio:     dec("0.8"),
		LiquidationDiscount: dec("0.1"),
	}); err != nil {
		t.Fatalf("add collateral: %v", err)
	}

	markets := market.NewRegistry()
	if err := markets.Add(market.New(mkt, dec("0.001"), dec("0.2"), 60)); err != nil {
		t.Fatalf("add market: %v", err)
	}

	params := config.NewRiskParamsRegistry()
	if err := params.Set(config.DefaultRiskParams(mkt)); err != nil {
		t.Fatalf("set params: %v", err)
	}

	orc := oracle.NewStatic()
	orc.SetIndexPrice(mkt, dec("100"))
	orc.SetCollateralPrice("WETH", dec("100"))

	pool := venue.NewSimPool()
	if err := pool.CreateMarket(mkt, dec("100"), dec("0.001"), dec("0.8")); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	positions := position.NewLedger()
	book := liquidity.NewBook()
	fundingEngine := funding.NewEngine(params, orc)
	v := vault.New(assets, orc, markets, params, positions, book, fundingEngine, pool)
	fund := insurance.NewFund(positions, v, settlement)
	events := &captureEmitter{}

	e := &env{
		now:       t0,
		pool:      pool,
		positions: positions,
		book:      book,
		vault:     v,
		fund:      fund,
		oracle:    orc,
		markets:   markets,
		assets:    assets,
		events:    events,
	}
	e.ch = clearinghouse.New(clearinghouse.Deps{
		Markets:   markets,
		Params:    params,
		Assets:    assets,
		Oracle:    orc,
		Venue:     pool,
		Positions: positions,
		Book:      book,
		Funding:   fundingEngine,
		Vault:     v,
		Fund:      fund,
		Emitter:   events,
		Log:       zerolog.Nop(),
	})
	e.ch.SetClock(func() time.Time { return e.now })
	return e
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

// fundMaker seeds a deep range straddling the starting price.
func fundMaker(t *testing.T, e *env, maker uuid.UUID) {
	t.Helper()
	if err := e.ch.Deposit(maker, settlement, dec("100000")); err != nil {
		t.Fatalf("maker deposit: %v", err)
	}
	// [42000, 50040) spans prices ~66.7 to ~149: roughly 54.5k liquidity.
	if err := e.ch.AddLiquidity(maker, mkt, 42000, 50040, dec("1000"), dec("100000")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
}

// openLong deposits and buys base with 8000 quote at market.
func openLong(t *testing.T, e *env, taker uuid.UUID, deposit string) venue.SwapResult {
	t.Helper()
	if err := e.ch.Deposit(taker, settlement, dec(deposit)); err != nil {
		t.Fatalf("taker deposit: %v", err)
	}
	res, err := e.ch.OpenPosition(taker, mkt, false, true, dec("8000"), decimal.Zero)
	if err != nil {
		t.Fatalf("open long: %v", err)
	}
	return res
}

// dump sells the pool down in four spread-compliant chunks, one minute
// apart, then lets the mark TWAP catch up to the post-dump price.
func dump(t *testing.T, e *env, whale uuid.UUID) {
	t.Helper()
	if err := e.ch.Deposit(whale, settlement, dec("50000")); err != nil {
		t.Fatalf("whale deposit: %v", err)
	}
	for i := 0; i < 4; i++ {
		e.advance(time.Minute)
		if _, err := e.ch.OpenPosition(whale, mkt, true, true, dec("180"), decimal.Zero); err != nil {
			t.Fatalf("whale sell %d: %v", i, err)
		}
	}
	e.advance(30 * time.Minute)
}

// ============================================================================
// Test: deposits and withdrawals
// ============================================================================

func TestDepositWithdraw_Flow(t *testing.T) {
	e := newEnv(t)
	trader := uuid.New()

	if err := e.ch.Deposit(trader, settlement, dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := e.ch.Withdraw(trader, settlement, dec("400")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireEqual(t, e.vault.Balance(trader, settlement), dec("600"), "balance")

	err := e.ch.Withdraw(trader, settlement, dec("601"))
	if !errors.Is(err, perperr.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if !e.events.has("deposited") || !e.events.has("withdrawn") {
		t.Errorf("missing balance events, got %v", e.events.kinds)
	}
}

// ============================================================================
// Test: taker trades
// ============================================================================

func TestOpenPosition_BuysBaseAndChargesFee(t *testing.T) {
	e := newEnv(t)
	maker, taker := uuid.New(), uuid.New()
	fundMaker(t, e, maker)

	res := openLong(t, e, taker, "2000")

	if res.BaseDelta.Sign() <= 0 {
		t.Fatalf("buyer should receive base, got %s", res.BaseDelta)
	}
	requireEqual(t, res.QuoteDelta, dec("-8000"), "quote paid")
	requireEqual(t, res.Fee, dec("8"), "venue fee")

	size, openNotional, err := e.ch.PositionOf(taker, mkt)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	requireEqual(t, size, res.BaseDelta, "position size")
	requireEqual(t, openNotional, dec("-7992"), "open notional net of fee")

	// The fee lands in owed PnL; insurance takes its 20% cut.
	requireEqual(t, e.positions.OwedRealizedPnl(taker), dec("-8"), "fee charged to owed")
	requireEqual(t, e.fund.Capacity(), dec("1.6"), "insurance fee cut")

	if !e.events.has("position_changed") {
		t.Errorf("missing position_changed event, got %v", e.events.kinds)
	}
}

func TestOpenPosition_InsufficientMargin(t *testing.T) {
	e := newEnv(t)
	maker, taker := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	if err := e.ch.Deposit(taker, settlement, dec("10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	priceBefore, _ := e.pool.SqrtMarkPrice(mkt)
	_, err := e.ch.OpenPosition(taker, mkt, false, true, dec("1000"), decimal.Zero)
	if !errors.Is(err, perperr.ErrInsufficientMargin) {
		t.Fatalf("err = %v, want ErrInsufficientMargin", err)
	}

	// A rejected trade leaves no trace.
	if e.positions.Get(taker, mkt) != nil {
		t.Error("rejected trade should not create a position")
	}
	priceAfter, _ := e.pool.SqrtMarkPrice(mkt)
	requireEqual(t, priceAfter, priceBefore, "pool price untouched")
}

func TestOpenPosition_MarketNotOpen(t *testing.T) {
	e := newEnv(t)
	maker, taker := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	if err := e.ch.PauseMarket(mkt); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.ch.Deposit(taker, settlement, dec("2000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	_, err := e.ch.OpenPosition(taker, mkt, false, true, dec("100"), decimal.Zero)
	if !errors.Is(err, perperr.ErrMarketNotOpen) {
		t.Errorf("err = %v, want ErrMarketNotOpen", err)
	}
}

func TestOpenPosition_SpreadLimitBindsLargeOrder(t *testing.T) {
	e := newEnv(t)
	maker, whale := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	if err := e.ch.Deposit(whale, settlement, dec("50000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Selling 2000 base in one shot would move the price far past the 10%
	// spread band.
	_, err := e.ch.OpenPosition(whale, mkt, true, true, dec("2000"), decimal.Zero)
	if !errors.Is(err, perperr.ErrPriceLimit) {
		t.Fatalf("err = %v, want ErrPriceLimit", err)
	}
	sqrtP, _ := e.pool.SqrtMarkPrice(mkt)
	approxEqual(t, sqrtP, dec("10"), "0.000000001", "pool price untouched")
}

func TestClosePosition_RoundTrip(t *testing.T) {
	e := newEnv(t)
	maker, taker := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	openRes := openLong(t, e, taker, "2000")

	closeRes, err := e.ch.ClosePosition(taker, mkt, decimal.Zero)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	requireEqual(t, closeRes.BaseDelta, openRes.BaseDelta.Neg(), "exact unwind")

	// The flat position is deregistered; a second close is rejected.
	if e.positions.Get(taker, mkt) != nil {
		t.Error("flat position should be deregistered")
	}
	if _, err := e.ch.ClosePosition(taker, mkt, decimal.Zero); !errors.Is(err, perperr.ErrZeroPosition) {
		t.Errorf("second close err = %v, want ErrZeroPosition", err)
	}

	// Round trip costs exactly the two venue fees plus the realized swing.
	realized := openRes.QuoteDelta.Add(openRes.Fee).
		Add(closeRes.QuoteDelta).Add(closeRes.Fee)
	wantValue := dec("2000").Sub(openRes.Fee).Sub(closeRes.Fee).Add(realized)
	av, err := e.ch.AccountValue(taker)
	if err != nil {
		t.Fatalf("account value: %v", err)
	}
	requireEqual(t, av, wantValue, "account value after round trip")
	if av.GreaterThanOrEqual(dec("2000")) {
		t.Errorf("round trip should cost fees, value %s", av)
	}
}

func TestClosePosition_UnderwaterReduceAllowed(t *testing.T) {
	e := newEnv(t)
	maker, taker, whale := uuid.New(), uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	openLong(t, e, taker, "1600")
	dump(t, e, whale)

	free, err := e.ch.FreeCollateral(taker)
	if err != nil {
		t.Fatalf("free collateral: %v", err)
	}
	if free.Sign() >= 0 {
		t.Fatalf("taker should be underwater, free %s", free)
	}

	// Risk-reducing trades skip the initial-margin gate.
	if _, err := e.ch.ClosePosition(taker, mkt, decimal.Zero); err != nil {
		t.Fatalf("underwater close rejected: %v", err)
	}
	if e.positions.Get(taker, mkt) != nil {
		t.Error("closed position should be deregistered")
	}
}

// ============================================================================
// Test: value conservation
// ============================================================================

func TestConservation_TradesRedistributeValue(t *testing.T) {
	e := newEnv(t)
	maker, taker, whale := uuid.New(), uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	openLong(t, e, taker, "2000")

	if err := e.ch.Deposit(whale, settlement, dec("50000")); err != nil {
		t.Fatalf("whale deposit: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := e.ch.OpenPosition(whale, mkt, true, true, dec("180"), decimal.Zero); err != nil {
			t.Fatalf("whale sell %d: %v", i, err)
		}
	}

	// Every fee and PnL transfer stays inside the system: account values
	// plus the insurance fund must sum to the deposits.
	total := e.fund.Capacity()
	for _, trader := range []uuid.UUID{maker, taker, whale} {
		av, err := e.ch.AccountValue(trader)
		if err != nil {
			t.Fatalf("account value: %v", err)
		}
		total = total.Add(av)
	}
	approxEqual(t, total, dec("152000"), "0.001", "total value")
}

// ============================================================================
// Test: maker liquidity
// ============================================================================

func TestAddLiquidity_Validation(t *testing.T) {
	e := newEnv(t)
	maker := uuid.New()
	if err := e.ch.Deposit(maker, settlement, dec("100000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := e.ch.AddLiquidity(maker, mkt, 42001, 50040, dec("1"), dec("100")); err == nil {
		t.Error("misaligned ticks should be rejected")
	}
	if err := e.ch.AddLiquidity(maker, mkt, 50040, 42000, dec("1"), dec("100")); err == nil {
		t.Error("inverted range should be rejected")
	}
	if err := e.ch.AddLiquidity(maker, mkt, 42000, 50040, decimal.Zero, decimal.Zero); err == nil {
		t.Error("empty amounts should be rejected")
	}

	poor := uuid.New()
	if err := e.ch.Deposit(poor, settlement, dec("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := e.ch.AddLiquidity(poor, mkt, 42000, 50040, dec("1000"), dec("100000"))
	if !errors.Is(err, perperr.ErrInsufficientMargin) {
		t.Errorf("err = %v, want ErrInsufficientMargin", err)
	}

	if err := e.ch.PauseMarket(mkt); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err = e.ch.AddLiquidity(maker, mkt, 42000, 50040, dec("10"), dec("1000"))
	if !errors.Is(err, perperr.ErrMarketNotOpen) {
		t.Errorf("err = %v, want ErrMarketNotOpen", err)
	}
}

func TestRemoveLiquidity_FullRemoval(t *testing.T) {
	e := newEnv(t)
	maker := uuid.New()
	fundMaker(t, e, maker)

	orders := e.book.RangesOf(maker, mkt)
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if err := e.ch.RemoveLiquidity(maker, mkt, 42000, 50040, orders[0].Liquidity); err != nil {
		t.Fatalf("remove liquidity: %v", err)
	}

	if e.book.HasOpenOrder(maker, mkt) {
		t.Error("order should be closed")
	}
	// With no trades in between, the maker comes out flat and deregistered.
	if e.positions.Get(maker, mkt) != nil {
		t.Error("flat maker should be deregistered")
	}
	if !e.events.has("liquidity_changed") {
		t.Errorf("missing liquidity_changed event, got %v", e.events.kinds)
	}

	if err := e.ch.RemoveLiquidity(maker, mkt, 42000, 50040, dec("1")); err == nil {
		t.Error("removing a missing order should fail")
	}
}

// ============================================================================
// Test: funding settlement through trades
// ============================================================================

func TestFunding_LongPaysWhenMarkAboveIndex(t *testing.T) {
	e := newEnv(t)
	maker, taker := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	res := openLong(t, e, taker, "2000")

	// The taker's own buy printed ~101.5, above the 100 index; the premium
	// clamps to 1% of index. One hour is 1/8 of the funding period.
	e.advance(time.Hour)
	owedBefore := e.positions.OwedRealizedPnl(taker)
	if err := e.ch.SettleFunding(taker, mkt); err != nil {
		t.Fatalf("settle funding: %v", err)
	}

	payment := res.BaseDelta.Mul(dec("0.125"))
	requireEqual(t, e.positions.OwedRealizedPnl(taker), owedBefore.Sub(payment), "long pays funding")

	pending, err := e.ch.PendingFunding(taker, mkt)
	if err != nil {
		t.Fatalf("pending funding: %v", err)
	}
	requireEqual(t, pending, decimal.Zero, "nothing pending after settle")
	if !e.events.has("funding_settled") {
		t.Errorf("missing funding_settled event, got %v", e.events.kinds)
	}
}

// ============================================================================
// Test: market lifecycle and one-shot settlement
// ============================================================================

func TestMarketLifecycle_PauseCloseSettle(t *testing.T) {
	e := newEnv(t)
	maker, taker := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	res := openLong(t, e, taker, "2000")

	// Close straight from Open is rejected; the path is pause then close.
	if err := e.ch.CloseMarket(mkt); err == nil {
		t.Error("close from open should be rejected")
	}
	if err := e.ch.SettleClosedMarketPosition(taker, mkt); !errors.Is(err, perperr.ErrMarketNotOpen) {
		t.Errorf("settle before close err = %v, want ErrMarketNotOpen", err)
	}

	if err := e.ch.PauseMarket(mkt); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.ch.CloseMarket(mkt); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := e.ch.SettleClosedMarketPosition(taker, mkt); err != nil {
		t.Fatalf("settle closed market: %v", err)
	}

	// The entire position settles at the frozen 100 index: balance ends at
	// deposit minus fee plus the realized settlement PnL.
	settled := res.QuoteDelta.Add(res.Fee).Add(res.BaseDelta.Mul(dec("100")))
	want := dec("2000").Sub(res.Fee).Add(settled)
	requireEqual(t, e.vault.Balance(taker, settlement), want, "settled balance")
	if e.positions.Get(taker, mkt) != nil {
		t.Error("settled position should be deregistered")
	}
	if !e.events.has("market_settled") {
		t.Errorf("missing market_settled event, got %v", e.events.kinds)
	}
}

// ============================================================================
// Test: position liquidation
// ============================================================================

func TestLiquidate_PartialCloseSplitsPenalty(t *testing.T) {
	e := newEnv(t)
	maker, taker, whale, liquidator := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	openLong(t, e, taker, "1600")
	dump(t, e, whale)

	sizeBefore, _, err := e.ch.PositionOf(taker, mkt)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	capacityBefore := e.fund.Capacity()

	res, err := e.ch.Liquidate(liquidator, taker, mkt, decimal.Zero)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.BadDebt {
		t.Fatal("healthy partial liquidation flagged as bad debt")
	}

	// A quarter of the position closes at market.
	requireEqual(t, res.ExchangedBase, sizeBefore.Mul(dec("0.25")).Neg(), "partial close size")
	sizeAfter, _, _ := e.ch.PositionOf(taker, mkt)
	requireEqual(t, sizeAfter, sizeBefore.Mul(dec("0.75")), "remaining size")

	// 2.5% penalty on the exchanged notional, split with the fund.
	requireEqual(t, res.Penalty, res.ExchangedNotional.Abs().Mul(dec("0.025")), "penalty")
	requireEqual(t, res.LiquidatorReward, res.Penalty.Div(dec("2")), "liquidator half")
	requireEqual(t, res.InsuranceShare, res.Penalty.Sub(res.LiquidatorReward), "insurance half")
	requireEqual(t, e.positions.OwedRealizedPnl(liquidator), res.LiquidatorReward, "reward booked")
	if !e.fund.Capacity().GreaterThan(capacityBefore) {
		t.Error("insurance fund should grow")
	}
	if !e.events.has("position_liquidated") {
		t.Errorf("missing position_liquidated event, got %v", e.events.kinds)
	}
}

func TestLiquidate_MaxBaseClampsCloseSize(t *testing.T) {
	e := newEnv(t)
	maker, taker, whale, liquidator := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	openLong(t, e, taker, "1600")
	dump(t, e, whale)

	res, err := e.ch.Liquidate(liquidator, taker, mkt, dec("5"))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	requireEqual(t, res.ExchangedBase, dec("-5"), "clamped close size")
}

func TestLiquidate_BadDebtSendsFullPenaltyToLiquidator(t *testing.T) {
	e := newEnv(t)
	maker, taker, whale, liquidator := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	// Thin margin: the dump leaves the account value negative.
	openLong(t, e, taker, "1000")
	dump(t, e, whale)

	av, err := e.ch.AccountValue(taker)
	if err != nil {
		t.Fatalf("account value: %v", err)
	}
	if av.Sign() >= 0 {
		t.Fatalf("account should carry bad debt, value %s", av)
	}

	res, err := e.ch.Liquidate(liquidator, taker, mkt, decimal.Zero)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.BadDebt {
		t.Fatal("negative account value should flag bad debt")
	}
	requireEqual(t, res.LiquidatorReward, res.Penalty, "full penalty to liquidator")
	requireEqual(t, res.InsuranceShare, decimal.Zero, "fund takes nothing on bad debt")
}

func TestLiquidate_HealthyAccountRejected(t *testing.T) {
	e := newEnv(t)
	maker, taker, liquidator := uuid.New(), uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	openLong(t, e, taker, "2000")

	_, err := e.ch.Liquidate(liquidator, taker, mkt, decimal.Zero)
	if !errors.Is(err, perperr.ErrNotLiquidatable) {
		t.Errorf("err = %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidate_OpenOrdersBlock(t *testing.T) {
	e := newEnv(t)
	maker, liquidator := uuid.New(), uuid.New()
	fundMaker(t, e, maker)

	// Range orders must be cancelled before the position can be touched.
	_, err := e.ch.Liquidate(liquidator, maker, mkt, decimal.Zero)
	if !errors.Is(err, perperr.ErrOrdersOpen) {
		t.Errorf("err = %v, want ErrOrdersOpen", err)
	}
}

func TestCancelAllExcessOrders(t *testing.T) {
	e := newEnv(t)
	maker, stranger := uuid.New(), uuid.New()
	fundMaker(t, e, maker)

	// A third party cannot cancel a healthy maker's orders.
	err := e.ch.CancelAllExcessOrders(stranger, maker, mkt)
	if !errors.Is(err, perperr.ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}
	if !e.book.HasOpenOrder(maker, mkt) {
		t.Fatal("orders should survive the rejected cancel")
	}

	// The maker can always cancel their own.
	if err := e.ch.CancelAllExcessOrders(maker, maker, mkt); err != nil {
		t.Fatalf("self cancel: %v", err)
	}
	if e.book.HasOpenOrder(maker, mkt) {
		t.Error("orders should be gone")
	}
	if !e.events.has("orders_cancelled") {
		t.Errorf("missing orders_cancelled event, got %v", e.events.kinds)
	}
}

// ============================================================================
// Test: bad debt settlement
// ============================================================================

func TestSettleBadDebt(t *testing.T) {
	e := newEnv(t)
	trader := uuid.New()
	e.vault.AddBalance(trader, settlement, dec("-100"))
	e.vault.AddBalance(insurance.AccountID, settlement, dec("500"))

	if err := e.ch.SettleBadDebt(trader); err != nil {
		t.Fatalf("settle bad debt: %v", err)
	}
	requireEqual(t, e.vault.Balance(trader, settlement), decimal.Zero, "debt cleared")
	requireEqual(t, e.fund.Capacity(), dec("400"), "fund absorbed the debt")
	if !e.events.has("bad_debt_settled") {
		t.Errorf("missing bad_debt_settled event, got %v", e.events.kinds)
	}
}

func TestSettleBadDebt_Preconditions(t *testing.T) {
	e := newEnv(t)
	e.vault.AddBalance(insurance.AccountID, settlement, dec("500"))

	solvent := uuid.New()
	e.vault.AddBalance(solvent, settlement, dec("10"))
	if err := e.ch.SettleBadDebt(solvent); err == nil {
		t.Error("positive balance should be rejected")
	}

	// Non-settlement collateral must be liquidated first.
	collateralized := uuid.New()
	e.vault.AddBalance(collateralized, settlement, dec("-100"))
	e.vault.AddBalance(collateralized, "WETH", dec("1"))
	if err := e.ch.SettleBadDebt(collateralized); err == nil {
		t.Error("remaining WETH should block settlement")
	}

	// Open positions must be unwound first.
	maker, taker := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	openLong(t, e, taker, "2000")
	if err := e.ch.SettleBadDebt(taker); err == nil {
		t.Error("active market should block settlement")
	}
}

func TestSettleBadDebt_CapacityExhausted(t *testing.T) {
	e := newEnv(t)
	trader := uuid.New()
	e.vault.AddBalance(trader, settlement, dec("-100"))
	e.vault.AddBalance(insurance.AccountID, settlement, dec("50"))

	if err := e.ch.SettleBadDebt(trader); err == nil {
		t.Fatal("insufficient capacity should be rejected")
	}
	requireEqual(t, e.vault.Balance(trader, settlement), dec("-100"), "debt untouched")
}

// ============================================================================
// Test: collateral liquidation
// ============================================================================

func TestLiquidateCollateral_PartialSeize(t *testing.T) {
	e := newEnv(t)
	trader, liquidator := uuid.New(), uuid.New()
	e.vault.AddBalance(trader, settlement, dec("-50"))
	e.vault.AddBalance(trader, "WETH", dec("1"))
	if err := e.ch.Deposit(liquidator, settlement, dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// WETH at 100 with a 10% discount trades at 90. Repaying 40 seizes
	// 40/90 of a WETH; 5% of the repayment goes to the fund.
	if err := e.ch.LiquidateCollateral(liquidator, trader, "WETH", dec("40")); err != nil {
		t.Fatalf("liquidate collateral: %v", err)
	}

	seized := dec("40").Div(dec("90"))
	requireEqual(t, e.vault.Balance(liquidator, "WETH"), seized, "liquidator collateral")
	requireEqual(t, e.vault.Balance(liquidator, settlement), dec("960"), "liquidator paid")
	requireEqual(t, e.vault.Balance(trader, "WETH"), dec("1").Sub(seized), "trader collateral")
	requireEqual(t, e.vault.Balance(trader, settlement), dec("-12"), "debt reduced net of fee")
	requireEqual(t, e.fund.Capacity(), dec("2"), "insurance fee")
	if !e.events.has("collateral_liquidated") {
		t.Errorf("missing collateral_liquidated event, got %v", e.events.kinds)
	}
}

func TestLiquidateCollateral_ExcessRepayRejected(t *testing.T) {
	e := newEnv(t)
	trader, liquidator := uuid.New(), uuid.New()
	e.vault.AddBalance(trader, settlement, dec("-50"))
	e.vault.AddBalance(trader, "WETH", dec("1"))
	if err := e.ch.Deposit(liquidator, settlement, dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := e.ch.LiquidateCollateral(liquidator, trader, "WETH", dec("60"))
	if !errors.Is(err, perperr.ErrExcessLiquidation) {
		t.Errorf("err = %v, want ErrExcessLiquidation", err)
	}
}

func TestLiquidateCollateral_CrumbSeizedWhole(t *testing.T) {
	e := newEnv(t)
	trader, liquidator := uuid.New(), uuid.New()
	e.vault.AddBalance(trader, settlement, dec("-100"))
	e.vault.AddBalance(trader, "WETH", dec("1"))
	if err := e.ch.Deposit(liquidator, settlement, dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Repaying 85 would leave ~0.056 WETH worth 5.56, under the dust
	// threshold of 10, so the whole token goes and the repayment grows to
	// the full discounted value.
	if err := e.ch.LiquidateCollateral(liquidator, trader, "WETH", dec("85")); err != nil {
		t.Fatalf("liquidate collateral: %v", err)
	}
	requireEqual(t, e.vault.Balance(trader, "WETH"), decimal.Zero, "crumb seized")
	requireEqual(t, e.vault.Balance(liquidator, "WETH"), dec("1"), "liquidator holds it all")
	requireEqual(t, e.vault.Balance(liquidator, settlement), dec("910"), "paid full discounted value")
	// 90 repaid, 4.5 to the fund, 85.5 against the debt.
	requireEqual(t, e.vault.Balance(trader, settlement), dec("-14.5"), "residual debt")
	requireEqual(t, e.fund.Capacity(), dec("4.5"), "insurance fee")
}

func TestLiquidateCollateral_SolventTraderRejected(t *testing.T) {
	e := newEnv(t)
	trader, liquidator := uuid.New(), uuid.New()
	e.vault.AddBalance(trader, settlement, dec("50"))
	e.vault.AddBalance(trader, "WETH", dec("1"))
	if err := e.ch.Deposit(liquidator, settlement, dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := e.ch.LiquidateCollateral(liquidator, trader, "WETH", dec("10"))
	if !errors.Is(err, perperr.ErrNotLiquidatable) {
		t.Errorf("err = %v, want ErrNotLiquidatable", err)
	}
	if err := e.ch.LiquidateCollateral(liquidator, trader, settlement, dec("10")); err == nil {
		t.Error("settlement asset is not liquidatable collateral")
	}
}

// ============================================================================
// Test: position-size conservation
// ============================================================================

func totalSize(t *testing.T, e *env, traders ...uuid.UUID) decimal.Decimal {
	t.Helper()
	sum := decimal.Zero
	for _, tr := range traders {
		size, _, err := e.ch.PositionOf(tr, mkt)
		if err != nil {
			t.Fatalf("position of %s: %v", tr, err)
		}
		sum = sum.Add(size)
	}
	return sum
}

// Every unit of base a taker holds is owed by the pool's makers, so
// total position size across all participants stays at zero through
// trades, liquidations, and liquidity changes.
func TestConservation_PositionSizesSumToZero(t *testing.T) {
	e := newEnv(t)
	maker, taker, whale, liquidator := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	all := []uuid.UUID{maker, taker, whale, liquidator}

	fundMaker(t, e, maker)
	approxEqual(t, totalSize(t, e, all...), decimal.Zero, "0.0001", "sum after mint")

	openLong(t, e, taker, "1600")
	approxEqual(t, totalSize(t, e, all...), decimal.Zero, "0.0001", "sum after long")

	dump(t, e, whale)
	approxEqual(t, totalSize(t, e, all...), decimal.Zero, "0.0001", "sum after dump")

	if err := e.ch.Deposit(liquidator, settlement, dec("1000")); err != nil {
		t.Fatalf("liquidator deposit: %v", err)
	}
	if _, err := e.ch.Liquidate(liquidator, taker, mkt, decimal.Zero); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	approxEqual(t, totalSize(t, e, all...), decimal.Zero, "0.0001", "sum after liquidation")

	order := e.book.Get(maker, mkt, 42000, 50040)
	if order == nil {
		t.Fatal("maker order missing")
	}
	half := order.Liquidity.Div(dec("2"))
	if err := e.ch.RemoveLiquidity(maker, mkt, 42000, 50040, half); err != nil {
		t.Fatalf("remove liquidity: %v", err)
	}
	approxEqual(t, totalSize(t, e, all...), decimal.Zero, "0.0001", "sum after burn")
}

// ============================================================================
// Test: concurrent readers against the command loop
// ============================================================================

// The read accessors serve HTTP goroutines while commands mutate state
// on the consumer goroutine. Run both at once so the race detector can
// see any unguarded shared state.
func TestReads_SafeDuringTrading(t *testing.T) {
	e := newEnv(t)
	maker, trader := uuid.New(), uuid.New()
	fundMaker(t, e, maker)
	if err := e.ch.Deposit(trader, settlement, dec("100000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if err := e.ch.Deposit(trader, settlement, dec("1")); err != nil {
				t.Errorf("deposit: %v", err)
				return
			}
			if _, err := e.ch.OpenPosition(trader, mkt, false, true, dec("50"), decimal.Zero); err != nil {
				t.Errorf("open: %v", err)
				return
			}
			if _, err := e.ch.ClosePosition(trader, mkt, decimal.Zero); err != nil {
				t.Errorf("close: %v", err)
				return
			}
		}
	}()

	for alive := true; alive; {
		select {
		case <-done:
			alive = false
		default:
		}
		if _, err := e.ch.AccountValue(trader); err != nil {
			t.Fatalf("account value: %v", err)
		}
		if _, err := e.ch.FreeCollateral(trader); err != nil {
			t.Fatalf("free collateral: %v", err)
		}
		if _, _, err := e.ch.PositionOf(trader, mkt); err != nil {
			t.Fatalf("position: %v", err)
		}
		if _, err := e.ch.PendingFunding(trader, mkt); err != nil {
			t.Fatalf("pending funding: %v", err)
		}
		e.ch.InsuranceCapacity()
		if _, err := e.ch.IsLiquidatable(trader); err != nil {
			t.Fatalf("liquidatable: %v", err)
		}
	}
}
