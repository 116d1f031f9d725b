package venue_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"PerpCore/internal/perperr"
	"PerpCore/internal/perpmath"
	"PerpCore/internal/venue"
)

const market = "ETH-PERP"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func approxEqual(t *testing.T, got, want decimal.Decimal, tolerance, label string) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(dec(tolerance)) {
		t.Errorf("%s: got %s, want %s", label, got, want)
	}
}

// newPool creates a pool at price 100 with a 0.1% fee, 80% of which
// accrues to makers, and one wide range holding 1000 units of liquidity.
func newPool(t *testing.T) *venue.SimPool {
	t.Helper()
	s := venue.NewSimPool()
	if err := s.CreateMarket(market, dec("100"), dec("0.001"), dec("0.8")); err != nil {
		t.Fatalf("create market: %v", err)
	}
	// [0, 92100) spans prices ~1..~10000, comfortably around 100.
	if _, _, err := s.MintRange(market, 0, 92100, dec("1000")); err != nil {
		t.Fatalf("mint range: %v", err)
	}
	return s
}

// ============================================================================
// Test: market lifecycle
// ============================================================================

func TestCreateMarket_Duplicate(t *testing.T) {
	s := venue.NewSimPool()
	s.CreateMarket(market, dec("100"), dec("0.001"), dec("0.8"))
	if err := s.CreateMarket(market, dec("100"), dec("0.001"), dec("0.8")); err == nil {
		t.Error("duplicate market should be rejected")
	}
	if err := s.CreateMarket("X", decimal.Zero, dec("0.001"), dec("0.8")); err == nil {
		t.Error("zero start price should be rejected")
	}
}

func TestSqrtMarkPrice_StartPrice(t *testing.T) {
	s := newPool(t)
	sqrtP, err := s.SqrtMarkPrice(market)
	if err != nil {
		t.Fatalf("sqrt mark price: %v", err)
	}
	approxEqual(t, sqrtP, dec("10"), "0.000000001", "sqrt(100)")
}

// ============================================================================
// Test: mint / burn
// ============================================================================

func TestMintRange_AmountsMatchRangeMath(t *testing.T) {
	s := newPool(t)
	base, quote, err := s.MintRange(market, 42000, 50040, dec("500"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	sqrtP, _ := s.SqrtMarkPrice(market)
	lo := perpmath.TickToSqrtPrice(42000)
	hi := perpmath.TickToSqrtPrice(50040)
	approxEqual(t, base, perpmath.BaseInRange(dec("500"), sqrtP, lo, hi), "0.000000001", "minted base")
	approxEqual(t, quote, perpmath.QuoteInRange(dec("500"), sqrtP, lo, hi), "0.000000001", "minted quote")
}

func TestBurnRange_Overdraw(t *testing.T) {
	s := newPool(t)
	if _, _, err := s.BurnRange(market, 0, 92100, dec("1001")); err == nil {
		t.Error("burning more than minted should fail")
	}
}

func TestBurnRange_ReturnsCurrentAmounts(t *testing.T) {
	s := newPool(t)
	base, quote, err := s.BurnRange(market, 0, 92100, dec("1000"))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	sqrtP := dec("10")
	lo := perpmath.TickToSqrtPrice(0)
	hi := perpmath.TickToSqrtPrice(92100)
	approxEqual(t, base, perpmath.BaseInRange(dec("1000"), sqrtP, lo, hi), "0.000001", "burned base")
	approxEqual(t, quote, perpmath.QuoteInRange(dec("1000"), sqrtP, lo, hi), "0.000001", "burned quote")
}

// ============================================================================
// Test: swap conventions
// ============================================================================

func TestSwap_SellExactInput(t *testing.T) {
	s := newPool(t)
	res, err := s.Swap(market, true, true, dec("1"), decimal.Zero)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !res.BaseDelta.Equal(dec("-1")) {
		t.Errorf("base delta %s, want -1", res.BaseDelta)
	}
	if res.QuoteDelta.Sign() <= 0 {
		t.Errorf("seller should receive quote, got %s", res.QuoteDelta)
	}
	// QuoteDelta is net of fee: fee = gross * feeRatio.
	gross := res.QuoteDelta.Add(res.Fee)
	approxEqual(t, res.Fee, gross.Mul(dec("0.001")), "0.000000001", "fee on gross quote")

	// Price moved down and the result reports it.
	sqrtP, _ := s.SqrtMarkPrice(market)
	if !sqrtP.Equal(res.SqrtPriceAfter) {
		t.Errorf("pool sqrt %s, result sqrt %s", sqrtP, res.SqrtPriceAfter)
	}
	if sqrtP.GreaterThanOrEqual(dec("10")) {
		t.Errorf("selling base should lower the price, sqrt %s", sqrtP)
	}
}

func TestSwap_BuyExactInput(t *testing.T) {
	s := newPool(t)
	res, err := s.Swap(market, false, true, dec("100"), decimal.Zero)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !res.QuoteDelta.Equal(dec("-100")) {
		t.Errorf("quote delta %s, want -100", res.QuoteDelta)
	}
	// Fee is carved off the input up front.
	if !res.Fee.Equal(dec("0.1")) {
		t.Errorf("fee %s, want 0.1", res.Fee)
	}
	if res.BaseDelta.Sign() <= 0 {
		t.Errorf("buyer should receive base, got %s", res.BaseDelta)
	}
	sqrtP, _ := s.SqrtMarkPrice(market)
	if sqrtP.LessThanOrEqual(dec("10")) {
		t.Errorf("buying base should raise the price, sqrt %s", sqrtP)
	}
}

func TestSwap_BuyExactOutput(t *testing.T) {
	s := newPool(t)
	res, err := s.Swap(market, false, false, dec("0.5"), decimal.Zero)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	approxEqual(t, res.BaseDelta, dec("0.5"), "0.0000000001", "exact base out")
	if res.QuoteDelta.Sign() >= 0 {
		t.Errorf("buyer pays quote, got %s", res.QuoteDelta)
	}
	// QuoteDelta = -(gross + fee), fee charged on the gross quote.
	gross := res.QuoteDelta.Neg().Sub(res.Fee)
	approxEqual(t, res.Fee, gross.Mul(dec("0.001")), "0.000000001", "fee on gross quote")
}

func TestSwap_SellExactOutputUnsupported(t *testing.T) {
	s := newPool(t)
	if _, err := s.Swap(market, true, false, dec("1"), decimal.Zero); err == nil {
		t.Error("exact-output quote swaps should be rejected")
	}
}

func TestSwap_NonPositiveAmount(t *testing.T) {
	s := newPool(t)
	if _, err := s.Swap(market, true, true, decimal.Zero, decimal.Zero); err == nil {
		t.Error("zero amount should be rejected")
	}
}

func TestQuoteSwap_DoesNotMutate(t *testing.T) {
	s := newPool(t)
	quoted, err := s.QuoteSwap(market, true, true, dec("1"), decimal.Zero)
	if err != nil {
		t.Fatalf("quote swap: %v", err)
	}
	sqrtP, _ := s.SqrtMarkPrice(market)
	approxEqual(t, sqrtP, dec("10"), "0.000000001", "price unchanged by quote")
	if g, _ := s.FeeGrowthInside(market, 0, 92100); !g.IsZero() {
		t.Errorf("fee growth changed by quote: %s", g)
	}

	// The committed swap reproduces the quote exactly.
	res, err := s.Swap(market, true, true, dec("1"), decimal.Zero)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !res.QuoteDelta.Equal(quoted.QuoteDelta) || !res.Fee.Equal(quoted.Fee) {
		t.Errorf("swap (%s, %s) diverged from quote (%s, %s)",
			res.QuoteDelta, res.Fee, quoted.QuoteDelta, quoted.Fee)
	}
}

// ============================================================================
// Test: price limits and liquidity exhaustion
// ============================================================================

func TestSwap_PriceLimitHit(t *testing.T) {
	s := newPool(t)
	// Selling 100 base would push sqrt from 10 to 1/(0.1+0.1) = 5;
	// a limit at 9.9 leaves most of the order unfilled.
	_, err := s.Swap(market, true, true, dec("100"), dec("9.9"))
	if !errors.Is(err, perperr.ErrPriceLimit) {
		t.Fatalf("err = %v, want ErrPriceLimit", err)
	}
	// Rejected swap leaves no trace.
	sqrtP, _ := s.SqrtMarkPrice(market)
	approxEqual(t, sqrtP, dec("10"), "0.000000001", "price after rejection")
}

func TestSwap_LimitBeyondFillIsHarmless(t *testing.T) {
	s := newPool(t)
	// Selling 1 base lands around sqrt 9.9; a limit at 9 never binds.
	if _, err := s.Swap(market, true, true, dec("1"), dec("9")); err != nil {
		t.Fatalf("swap: %v", err)
	}
}

func TestSwap_NoLiquidity(t *testing.T) {
	s := venue.NewSimPool()
	s.CreateMarket(market, dec("100"), dec("0.001"), dec("0.8"))
	if _, err := s.Swap(market, true, true, dec("1"), decimal.Zero); err == nil {
		t.Error("swap on an empty pool should fail")
	}
}

// ============================================================================
// Test: fee growth accrual
// ============================================================================

func TestSwap_FeeGrowthAccruesMakerShare(t *testing.T) {
	s := newPool(t)
	res, err := s.Swap(market, false, true, dec("100"), decimal.Zero)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	growth, err := s.FeeGrowthInside(market, 0, 92100)
	if err != nil {
		t.Fatalf("fee growth: %v", err)
	}
	// One active range with 1000 liquidity: growth = fee * 0.8 / 1000.
	want := res.Fee.Mul(dec("0.8")).Div(dec("1000"))
	approxEqual(t, growth, want, "0.000000001", "fee growth per liquidity")
}

func TestSwap_FeeGrowthOnlyActiveRanges(t *testing.T) {
	s := newPool(t)
	// A range entirely above the current price takes no part in a sell.
	s.MintRange(market, 50040, 54000, dec("500"))

	if _, err := s.Swap(market, true, true, dec("1"), decimal.Zero); err != nil {
		t.Fatalf("swap: %v", err)
	}
	growth, _ := s.FeeGrowthInside(market, 50040, 54000)
	if !growth.IsZero() {
		t.Errorf("inactive range accrued growth %s", growth)
	}
	active, _ := s.FeeGrowthInside(market, 0, 92100)
	if active.Sign() <= 0 {
		t.Error("active range should accrue growth")
	}
}

// ============================================================================
// Test: crossing a liquidity gap
// ============================================================================

func TestSwap_CrossesGapBetweenRanges(t *testing.T) {
	s := venue.NewSimPool()
	s.CreateMarket(market, dec("100"), dec("0.001"), dec("0.8"))
	// Price 100 sits in [46000, 46200); the next liquidity below is
	// [45000, 45600), leaving a gap in between.
	s.MintRange(market, 46000, 46200, dec("1000"))
	s.MintRange(market, 45000, 45600, dec("1000"))

	// Sell through the upper range into the lower one.
	res, err := s.Swap(market, true, true, dec("1"), decimal.Zero)
	if err != nil {
		t.Fatalf("swap across gap: %v", err)
	}
	gapTop := perpmath.TickToSqrtPrice(45600)
	if res.SqrtPriceAfter.GreaterThanOrEqual(gapTop) {
		t.Errorf("price %s should have teleported below the gap top %s", res.SqrtPriceAfter, gapTop)
	}
	lower, _ := s.FeeGrowthInside(market, 45000, 45600)
	if lower.Sign() <= 0 {
		t.Error("lower range should earn fees once active")
	}
}

// ============================================================================
// Test: fee growth survives an emptied range
// ============================================================================

func TestBurnRange_FeeGrowthSurvivesFullBurn(t *testing.T) {
	s := newPool(t)
	if _, err := s.Swap(market, false, true, dec("500"), decimal.Zero); err != nil {
		t.Fatalf("swap: %v", err)
	}
	growth, err := s.FeeGrowthInside(market, 0, 92100)
	if err != nil {
		t.Fatalf("fee growth: %v", err)
	}
	if growth.Sign() <= 0 {
		t.Fatalf("no fee growth accrued: %s", growth)
	}

	if _, _, err := s.BurnRange(market, 0, 92100, dec("1000")); err != nil {
		t.Fatalf("burn: %v", err)
	}
	after, err := s.FeeGrowthInside(market, 0, 92100)
	if err != nil {
		t.Fatalf("fee growth after burn: %v", err)
	}
	if !after.Equal(growth) {
		t.Errorf("fee growth %s after full burn, want %s", after, growth)
	}

	// Re-minting checkpoints against the surviving growth.
	if _, _, err := s.MintRange(market, 0, 92100, dec("1000")); err != nil {
		t.Fatalf("re-mint: %v", err)
	}
	final, err := s.FeeGrowthInside(market, 0, 92100)
	if err != nil {
		t.Fatalf("fee growth after re-mint: %v", err)
	}
	if !final.Equal(growth) {
		t.Errorf("fee growth %s after re-mint, want %s", final, growth)
	}
}
