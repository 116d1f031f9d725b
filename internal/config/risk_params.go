package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RiskParams defines margin and liquidation parameters per market.
type RiskParams struct {
	MarketID string

	// InitialMarginRatio gates new risk (opening/increasing exposure).
	InitialMarginRatio decimal.Decimal
	// MaintenanceMarginRatio gates liquidation; stricter than initial.
	MaintenanceMarginRatio decimal.Decimal

	// LiquidationPenaltyRatio is applied to the exchanged notional of a
	// position liquidation.
	LiquidationPenaltyRatio decimal.Decimal

	// PartialCloseRatio caps the fraction of a position closed per
	// liquidation call. Zero or one means full liquidation.
	PartialCloseRatio decimal.Decimal

	// MaxFundingPremiumRatio bounds |markTwap - indexTwap| relative to the
	// index price when computing the funding premium.
	MaxFundingPremiumRatio decimal.Decimal

	// FundingPeriod normalizes the premium into a per-second rate.
	FundingPeriod time.Duration

	// MarkTwapWindow is the short horizon for the venue-trade mark TWAP.
	MarkTwapWindow time.Duration
	// IndexTwapWindow is the long horizon requested from the oracle.
	IndexTwapWindow time.Duration

	// MaxPriceSpreadRatio bounds how far a single swap may move the pool
	// price away from its pre-swap value.
	MaxPriceSpreadRatio decimal.Decimal
}

// DefaultRiskParams returns production-shaped defaults for a market.
func DefaultRiskParams(marketID string) RiskParams {
	return RiskParams{
		MarketID:                marketID,
		InitialMarginRatio:      decimal.RequireFromString("0.1"),
		MaintenanceMarginRatio:  decimal.RequireFromString("0.0625"),
		LiquidationPenaltyRatio: decimal.RequireFromString("0.025"),
		PartialCloseRatio:       decimal.RequireFromString("0.25"),
		MaxFundingPremiumRatio:  decimal.RequireFromString("0.01"),
		FundingPeriod:           8 * time.Hour,
		MarkTwapWindow:          15 * time.Minute,
		IndexTwapWindow:         15 * time.Minute,
		MaxPriceSpreadRatio:     decimal.RequireFromString("0.1"),
	}
}

// Validate checks parameter sanity: 0 < mm < im < 1, penalty and ratios in
// range, positive periods.
func (p RiskParams) Validate() error {
	one := decimal.NewFromInt(1)
	if p.MaintenanceMarginRatio.Sign() <= 0 {
		return fmt.Errorf("maintenance margin ratio must be > 0, got %s", p.MaintenanceMarginRatio)
	}
	if !p.InitialMarginRatio.GreaterThan(p.MaintenanceMarginRatio) {
		return fmt.Errorf("initial margin ratio (%s) must be > maintenance (%s)",
			p.InitialMarginRatio, p.MaintenanceMarginRatio)
	}
	if !p.InitialMarginRatio.LessThan(one) {
		return fmt.Errorf("initial margin ratio must be < 1, got %s", p.InitialMarginRatio)
	}
	if p.LiquidationPenaltyRatio.Sign() < 0 || p.LiquidationPenaltyRatio.GreaterThanOrEqual(one) {
		return fmt.Errorf("liquidation penalty ratio out of range: %s", p.LiquidationPenaltyRatio)
	}
	if p.PartialCloseRatio.Sign() < 0 || p.PartialCloseRatio.GreaterThan(one) {
		return fmt.Errorf("partial close ratio out of range: %s", p.PartialCloseRatio)
	}
	if p.FundingPeriod <= 0 {
		return fmt.Errorf("funding period must be positive")
	}
	if p.MarkTwapWindow <= 0 || p.IndexTwapWindow <= 0 {
		return fmt.Errorf("twap windows must be positive")
	}
	return nil
}

// RiskParamsRegistry holds per-market risk parameters.
type RiskParamsRegistry struct {
	params map[string]RiskParams
}

func NewRiskParamsRegistry() *RiskParamsRegistry {
	return &RiskParamsRegistry{params: make(map[string]RiskParams)}
}

func (r *RiskParamsRegistry) Get(marketID string) (RiskParams, bool) {
	p, ok := r.params[marketID]
	return p, ok
}

// MustGet returns the params for a market the caller knows is registered.
func (r *RiskParamsRegistry) MustGet(marketID string) RiskParams {
	p, ok := r.params[marketID]
	if !ok {
		panic(fmt.Sprintf("config: no risk params for market %s", marketID))
	}
	return p
}

func (r *RiskParamsRegistry) Set(p RiskParams) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", p.MarketID, err)
	}
	r.params[p.MarketID] = p
	return nil
}
