package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"PerpCore/internal/perperr"
)

// Status is the market lifecycle state.
type Status int32

const (
	StatusOpen Status = iota
	StatusPaused
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusPaused:
		return "Paused"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Market identifies a tradable perpetual instrument backed by an AMM venue.
type Market struct {
	ID string

	// VenueFeeRatio is charged by the pool on swap input; the maker share
	// accrues through fee growth, the rest is split below.
	VenueFeeRatio decimal.Decimal
	// InsuranceFeeRatio is the insurance fund's cut of the venue fee.
	InsuranceFeeRatio decimal.Decimal

	TickSpacing int32

	status Status

	// pausedIndexPrice is frozen at pause time and used for margin while
	// the market cannot trade.
	pausedIndexPrice decimal.Decimal
	// closedPrice is the one-shot settlement price frozen at close.
	closedPrice decimal.Decimal
}

func New(id string, venueFeeRatio, insuranceFeeRatio decimal.Decimal, tickSpacing int32) *Market {
	return &Market{
		ID:                id,
		VenueFeeRatio:     venueFeeRatio,
		InsuranceFeeRatio: insuranceFeeRatio,
		TickSpacing:       tickSpacing,
		status:            StatusOpen,
	}
}

func (m *Market) Status() Status { return m.status }
func (m *Market) IsOpen() bool   { return m.status == StatusOpen }
func (m *Market) IsPaused() bool { return m.status == StatusPaused }
func (m *Market) IsClosed() bool { return m.status == StatusClosed }

// Pause freezes the market at the given index price. Funding stops
// accruing from this point; only risk-reducing actions remain allowed.
func (m *Market) Pause(indexPrice decimal.Decimal) error {
	if m.status != StatusOpen {
		return fmt.Errorf("pause %s: %w", m.ID, perperr.ErrMarketNotOpen)
	}
	m.status = StatusPaused
	m.pausedIndexPrice = indexPrice
	return nil
}

// Close settles the market at a final price. Only a paused market can be
// closed; the remaining operation afterwards is one-shot settlement.
func (m *Market) Close(settlementPrice decimal.Decimal) error {
	if m.status != StatusPaused {
		return fmt.Errorf("close %s: %w", m.ID, perperr.ErrMarketNotOpen)
	}
	m.status = StatusClosed
	m.closedPrice = settlementPrice
	return nil
}

// PausedIndexPrice returns the index price frozen at pause time.
func (m *Market) PausedIndexPrice() decimal.Decimal { return m.pausedIndexPrice }

// ClosedPrice returns the settlement price frozen at close.
func (m *Market) ClosedPrice() decimal.Decimal { return m.closedPrice }

// Registry is the static catalogue of markets.
type Registry struct {
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

func (r *Registry) Add(m *Market) error {
	if _, ok := r.markets[m.ID]; ok {
		return fmt.Errorf("market %s already registered", m.ID)
	}
	r.markets[m.ID] = m
	return nil
}

func (r *Registry) Get(id string) (*Market, bool) {
	m, ok := r.markets[id]
	return m, ok
}

// All returns every registered market.
func (r *Registry) All() []*Market {
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}
