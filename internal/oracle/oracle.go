package oracle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PerpCore/internal/perperr"
)

// Oracle supplies the external reference prices the ledger trusts for
// margin purposes. The AMM's instantaneous price is never used directly.
//
// Implementations must return perperr.ErrStalePrice (possibly wrapped)
// when the feed or the sequencer is not live; callers reject all mutating
// operations on that signal rather than falling back to a last-good price.
type Oracle interface {
	// IndexPrice returns the time-weighted off-venue reference price for
	// a market over the given window.
	IndexPrice(marketID string, window time.Duration) (decimal.Decimal, error)

	// CollateralPrice returns the settlement-denominated price of a
	// collateral asset.
	CollateralPrice(symbol string) (decimal.Decimal, error)
}

// Static is a fixed-price oracle used in tests and local runs. Prices are
// set explicitly; unset feeds report staleness.
type Static struct {
	index      map[string]decimal.Decimal
	collateral map[string]decimal.Decimal
	down       bool
}

func NewStatic() *Static {
	return &Static{
		index:      make(map[string]decimal.Decimal),
		collateral: make(map[string]decimal.Decimal),
	}
}

func (s *Static) SetIndexPrice(marketID string, p decimal.Decimal) { s.index[marketID] = p }
func (s *Static) SetCollateralPrice(symbol string, p decimal.Decimal) { s.collateral[symbol] = p }

// SetDown simulates a sequencer/feed outage.
func (s *Static) SetDown(down bool) { s.down = down }

func (s *Static) IndexPrice(marketID string, _ time.Duration) (decimal.Decimal, error) {
	if s.down {
		return decimal.Zero, fmt.Errorf("index price %s: %w", marketID, perperr.ErrStalePrice)
	}
	p, ok := s.index[marketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("index price %s: %w", marketID, perperr.ErrStalePrice)
	}
	return p, nil
}

func (s *Static) CollateralPrice(symbol string) (decimal.Decimal, error) {
	if s.down {
		return decimal.Zero, fmt.Errorf("collateral price %s: %w", symbol, perperr.ErrStalePrice)
	}
	p, ok := s.collateral[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("collateral price %s: %w", symbol, perperr.ErrStalePrice)
	}
	return p, nil
}
