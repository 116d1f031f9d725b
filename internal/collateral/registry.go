package collateral

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Asset describes one accepted collateral asset.
type Asset struct {
	Symbol string

	// Settlement marks the single settlement asset (USDC). Realized PnL,
	// funding and fees settle in this asset; it carries no discount.
	Settlement bool

	// CollateralRatio discounts the asset's oracle value when counting it
	// toward free collateral. 1 for the settlement asset.
	CollateralRatio decimal.Decimal

	// LiquidationDiscount is the haircut a collateral liquidator receives
	// when buying this asset against settlement debt.
	LiquidationDiscount decimal.Decimal

	// DepositCap bounds total deposits per account; zero means uncapped.
	DepositCap decimal.Decimal
}

// Registry is the static catalogue of accepted collateral assets.
type Registry struct {
	settlement string
	assets     map[string]Asset

	// CollateralLiquidationInsuranceFeeRatio is the insurance fund's cut
	// of every collateral liquidation, on top of the per-asset discount.
	CollateralLiquidationInsuranceFeeRatio decimal.Decimal

	// CollateralValueDust is the settlement-denominated threshold below
	// which a residual collateral balance is seized whole during
	// liquidation instead of being left as an unliquidatable crumb.
	CollateralValueDust decimal.Decimal
}

// NewRegistry creates a registry with the given settlement asset symbol.
func NewRegistry(settlementSymbol string, clInsuranceFeeRatio decimal.Decimal) *Registry {
	r := &Registry{
		settlement:                             settlementSymbol,
		assets:                                 make(map[string]Asset),
		CollateralLiquidationInsuranceFeeRatio: clInsuranceFeeRatio,
	}
	r.assets[settlementSymbol] = Asset{
		Symbol:          settlementSymbol,
		Settlement:      true,
		CollateralRatio: decimal.NewFromInt(1),
	}
	return r
}

// SettlementSymbol returns the settlement asset symbol.
func (r *Registry) SettlementSymbol() string { return r.settlement }

// Add registers a non-settlement collateral asset.
func (r *Registry) Add(a Asset) error {
	if a.Symbol == r.settlement {
		return fmt.Errorf("collateral: %s is the settlement asset", a.Symbol)
	}
	one := decimal.NewFromInt(1)
	if a.CollateralRatio.Sign() <= 0 || a.CollateralRatio.GreaterThan(one) {
		return fmt.Errorf("collateral %s: ratio out of (0,1]: %s", a.Symbol, a.CollateralRatio)
	}
	if a.LiquidationDiscount.Sign() < 0 || a.LiquidationDiscount.GreaterThanOrEqual(one) {
		return fmt.Errorf("collateral %s: discount out of [0,1): %s", a.Symbol, a.LiquidationDiscount)
	}
	if _, ok := r.assets[a.Symbol]; ok {
		return fmt.Errorf("collateral %s already registered", a.Symbol)
	}
	r.assets[a.Symbol] = a
	return nil
}

// Get returns the asset descriptor for a symbol.
func (r *Registry) Get(symbol string) (Asset, bool) {
	a, ok := r.assets[symbol]
	return a, ok
}

// IsSettlement reports whether symbol is the settlement asset.
func (r *Registry) IsSettlement(symbol string) bool { return symbol == r.settlement }

// NonSettlementSymbols returns all non-settlement asset symbols.
func (r *Registry) NonSettlementSymbols() []string {
	out := make([]string, 0, len(r.assets)-1)
	for sym, a := range r.assets {
		if !a.Settlement {
			out = append(out, sym)
		}
	}
	return out
}
