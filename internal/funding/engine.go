package funding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/config"
	"PerpCore/internal/oracle"
	"PerpCore/internal/perpmath"
)

// priceObs is one venue trade observation feeding the mark TWAP.
type priceObs struct {
	price decimal.Decimal
	at    time.Time
}

// marketFunding is the per-market accumulator state. The cumulative
// premium is a monotonic running sum; per-trader settlement is lazy via
// "current accumulator minus last checkpoint", so no scheduler exists.
type marketFunding struct {
	observations []priceObs

	cumulative   decimal.Decimal // quote owed per unit base since inception
	lastSyncedAt time.Time
	frozen       bool

	checkpoints map[uuid.UUID]decimal.Decimal
}

// Engine computes mark/index TWAPs, the clamped funding premium, and
// per-account funding settlement.
type Engine struct {
	params *config.RiskParamsRegistry
	oracle oracle.Oracle
	states map[string]*marketFunding
}

func NewEngine(params *config.RiskParamsRegistry, orc oracle.Oracle) *Engine {
	return &Engine{
		params: params,
		oracle: orc,
		states: make(map[string]*marketFunding),
	}
}

func (e *Engine) state(marketID string) *marketFunding {
	st := e.states[marketID]
	if st == nil {
		st = &marketFunding{checkpoints: make(map[uuid.UUID]decimal.Decimal)}
		e.states[marketID] = st
	}
	return st
}

// RecordTrade feeds a venue trade price into the mark TWAP history.
func (e *Engine) RecordTrade(marketID string, price decimal.Decimal, now time.Time) {
	st := e.state(marketID)
	st.observations = append(st.observations, priceObs{price: price, at: now})

	window := e.params.MustGet(marketID).MarkTwapWindow
	cutoff := now.Add(-window)
	// Keep one observation before the cutoff so the window start has a price.
	firstKept := 0
	for i, obs := range st.observations {
		if obs.at.After(cutoff) {
			break
		}
		firstKept = i
	}
	st.observations = st.observations[firstKept:]
}

// MarkTwap returns the short-horizon time-weighted venue price. With no
// trade history it falls back to the oracle index.
func (e *Engine) MarkTwap(marketID string, now time.Time) (decimal.Decimal, error) {
	st := e.state(marketID)
	p := e.params.MustGet(marketID)

	if len(st.observations) == 0 {
		return e.oracle.IndexPrice(marketID, p.IndexTwapWindow)
	}

	windowStart := now.Add(-p.MarkTwapWindow)
	weighted := decimal.Zero
	total := decimal.Zero

	for i, obs := range st.observations {
		start := obs.at
		if start.Before(windowStart) {
			start = windowStart
		}
		end := now
		if i+1 < len(st.observations) {
			end = st.observations[i+1].at
		}
		if !end.After(start) {
			continue
		}
		dt := decimal.NewFromFloat(end.Sub(start).Seconds())
		weighted = weighted.Add(obs.price.Mul(dt))
		total = total.Add(dt)
	}

	if total.IsZero() {
		return st.observations[len(st.observations)-1].price, nil
	}
	return weighted.Div(total), nil
}

// IndexTwap returns the oracle reference price over the market's
// configured long window.
func (e *Engine) IndexTwap(marketID string) (decimal.Decimal, error) {
	p := e.params.MustGet(marketID)
	return e.oracle.IndexPrice(marketID, p.IndexTwapWindow)
}

// Sync advances the cumulative premium accumulator to now:
//
//	acc += clamp(markTwap - indexTwap, ±index*maxPremiumRatio) * dt / fundingPeriod
//
// Frozen (paused) markets do not accrue. Sync is idempotent within the
// same instant.
func (e *Engine) Sync(marketID string, now time.Time) error {
	st := e.state(marketID)
	if st.frozen {
		return nil
	}
	if st.lastSyncedAt.IsZero() {
		st.lastSyncedAt = now
		return nil
	}
	dt := now.Sub(st.lastSyncedAt)
	if dt <= 0 {
		return nil
	}

	p := e.params.MustGet(marketID)
	mark, err := e.MarkTwap(marketID, now)
	if err != nil {
		return fmt.Errorf("funding sync %s: %w", marketID, err)
	}
	index, err := e.IndexTwap(marketID)
	if err != nil {
		return fmt.Errorf("funding sync %s: %w", marketID, err)
	}

	premium := perpmath.Clamp(mark.Sub(index), index.Mul(p.MaxFundingPremiumRatio))
	fraction := decimal.NewFromFloat(dt.Seconds() / p.FundingPeriod.Seconds())

	st.cumulative = st.cumulative.Add(premium.Mul(fraction))
	st.lastSyncedAt = now
	return nil
}

// Freeze stops accrual at the pause-time accumulator value.
func (e *Engine) Freeze(marketID string) {
	e.state(marketID).frozen = true
}

// PendingPayment returns what the trader would pay (positive) or receive
// (negative) if settled now, without advancing the checkpoint.
func (e *Engine) PendingPayment(trader uuid.UUID, marketID string, positionSize decimal.Decimal) decimal.Decimal {
	st := e.state(marketID)
	last, ok := st.checkpoints[trader]
	if !ok {
		return decimal.Zero
	}
	return positionSize.Mul(st.cumulative.Sub(last))
}

// Settle computes the trader's accrued funding against their checkpoint,
// advances the checkpoint, and returns the payment (positive = trader
// pays). A first settlement only anchors the checkpoint.
func (e *Engine) Settle(trader uuid.UUID, marketID string, positionSize decimal.Decimal) decimal.Decimal {
	st := e.state(marketID)
	last, ok := st.checkpoints[trader]
	st.checkpoints[trader] = st.cumulative
	if !ok {
		return decimal.Zero
	}
	return positionSize.Mul(st.cumulative.Sub(last))
}

// DropCheckpoint forgets a trader's checkpoint once they fully leave a
// market, so stale entries do not leak.
func (e *Engine) DropCheckpoint(trader uuid.UUID, marketID string) {
	delete(e.state(marketID).checkpoints, trader)
}

// Cumulative exposes the accumulator for snapshotting and tests.
func (e *Engine) Cumulative(marketID string) decimal.Decimal {
	return e.state(marketID).cumulative
}

// MarketState is one market's persistable funding state. Trade
// observations are deliberately excluded: after a restart the mark TWAP
// rebuilds from fresh trades and falls back to the index meanwhile.
type MarketState struct {
	Cumulative   decimal.Decimal
	LastSyncedAt time.Time
	Frozen       bool
	Checkpoints  map[uuid.UUID]decimal.Decimal
}

// Export copies per-market funding state for snapshotting.
func (e *Engine) Export() map[string]MarketState {
	out := make(map[string]MarketState, len(e.states))
	for marketID, st := range e.states {
		checkpoints := make(map[uuid.UUID]decimal.Decimal, len(st.checkpoints))
		for trader, v := range st.checkpoints {
			checkpoints[trader] = v
		}
		out[marketID] = MarketState{
			Cumulative:   st.cumulative,
			LastSyncedAt: st.lastSyncedAt,
			Frozen:       st.frozen,
			Checkpoints:  checkpoints,
		}
	}
	return out
}

// Restore replaces per-market funding state from a snapshot.
func (e *Engine) Restore(states map[string]MarketState) {
	e.states = make(map[string]*marketFunding, len(states))
	for marketID, st := range states {
		checkpoints := make(map[uuid.UUID]decimal.Decimal, len(st.Checkpoints))
		for trader, v := range st.Checkpoints {
			checkpoints[trader] = v
		}
		e.states[marketID] = &marketFunding{
			cumulative:   st.Cumulative,
			lastSyncedAt: st.LastSyncedAt,
			frozen:       st.Frozen,
			checkpoints:  checkpoints,
		}
	}
}
