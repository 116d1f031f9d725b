package position

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/perpmath"
)

// Key addresses a position by trader and market.
type Key struct {
	Trader uuid.UUID
	Market string
}

// Position holds the two components of a trader's exposure in one market.
// TakerBase/TakerQuote come from direct swaps. MakerBaseDebt/MakerQuoteDebt
// record what the trader deposited into liquidity ranges; the amounts
// currently sitting inside those ranges are derived from the venue, never
// stored here. Only the derived total determines liquidatable exposure.
type Position struct {
	TakerBase  decimal.Decimal
	TakerQuote decimal.Decimal

	MakerBaseDebt  decimal.Decimal
	MakerQuoteDebt decimal.Decimal
}

// SwapOutcome names the three transitions a taker delta can cause.
type SwapOutcome int32

const (
	SwapOutcomeIncrease SwapOutcome = iota
	SwapOutcomeReduce
	SwapOutcomeFlip
)

func (o SwapOutcome) String() string {
	switch o {
	case SwapOutcomeIncrease:
		return "Increase"
	case SwapOutcomeReduce:
		return "Reduce"
	case SwapOutcomeFlip:
		return "Flip"
	default:
		return "Unknown"
	}
}

// Ledger is the per-trader, per-market position book. It is a
// deterministic value store: no operation here can fail, and realized
// PnL always moves into the owed accumulator atomically with the
// position mutation that produced it.
type Ledger struct {
	positions     map[Key]*Position
	owedRealized  map[uuid.UUID]decimal.Decimal
	activeMarkets map[uuid.UUID]map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		positions:     make(map[Key]*Position),
		owedRealized:  make(map[uuid.UUID]decimal.Decimal),
		activeMarkets: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Get returns the position or nil.
func (l *Ledger) Get(trader uuid.UUID, marketID string) *Position {
	return l.positions[Key{trader, marketID}]
}

// GetOrCreate returns the position, creating a flat one and registering
// the market as active for the trader.
func (l *Ledger) GetOrCreate(trader uuid.UUID, marketID string) *Position {
	key := Key{trader, marketID}
	pos := l.positions[key]
	if pos == nil {
		pos = &Position{}
		l.positions[key] = pos
		if l.activeMarkets[trader] == nil {
			l.activeMarkets[trader] = make(map[string]struct{})
		}
		l.activeMarkets[trader][marketID] = struct{}{}
	}
	return pos
}

// ActiveMarkets returns the trader's active market IDs in sorted order.
func (l *Ledger) ActiveMarkets(trader uuid.UUID) []string {
	set := l.activeMarkets[trader]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TradersInMarket returns every trader with a registered position in the
// market, sorted for deterministic iteration.
func (l *Ledger) TradersInMarket(marketID string) []uuid.UUID {
	out := make([]uuid.UUID, 0)
	for key := range l.positions {
		if key.Market == marketID {
			out = append(out, key.Trader)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// OwedRealizedPnl returns the trader's settled-but-unwithdrawn PnL.
func (l *Ledger) OwedRealizedPnl(trader uuid.UUID) decimal.Decimal {
	return l.owedRealized[trader]
}

// AddOwedRealizedPnl moves amount into the owed accumulator. Fees and
// funding pass through here with a negative sign.
func (l *Ledger) AddOwedRealizedPnl(trader uuid.UUID, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	l.owedRealized[trader] = l.owedRealized[trader].Add(amount)
}

// DrainOwedRealizedPnl zeroes the accumulator and returns what it held.
// The vault calls this when folding owed PnL into the settlement balance.
func (l *Ledger) DrainOwedRealizedPnl(trader uuid.UUID) decimal.Decimal {
	owed := l.owedRealized[trader]
	delete(l.owedRealized, trader)
	return owed
}

// ApplySwapDelta runs the taker components through the
// increase/reduce/flip machine and returns the realized PnL (already
// moved into owed) together with the outcome taken.
//
// On a reduce, realized = reduceRatio*oldOpenNotional + quoteDelta. On a
// flip the old leg is fully realized against the consumed share of the
// trade's quote, and the excess opens a fresh leg priced at the
// unconsumed remainder.
func (l *Ledger) ApplySwapDelta(trader uuid.UUID, marketID string, baseDelta, quoteDelta decimal.Decimal) (decimal.Decimal, SwapOutcome) {
	pos := l.GetOrCreate(trader, marketID)

	next, realized, outcome := SimulateSwapDelta(*pos, baseDelta, quoteDelta)
	pos.TakerBase = next.TakerBase
	pos.TakerQuote = next.TakerQuote

	l.AddOwedRealizedPnl(trader, realized)
	l.drainTakerDust(trader, pos)
	return realized, outcome
}

// SimulateSwapDelta runs the increase/reduce/flip machine on a copy of
// pos without touching any ledger state. Margin pre-checks use it to
// value the would-be position before the swap commits.
func SimulateSwapDelta(pos Position, baseDelta, quoteDelta decimal.Decimal) (Position, decimal.Decimal, SwapOutcome) {
	oldBase := pos.TakerBase
	oldQuote := pos.TakerQuote

	var realized decimal.Decimal
	var outcome SwapOutcome

	switch {
	case oldBase.IsZero() || oldBase.Sign() == baseDelta.Sign() || baseDelta.IsZero():
		outcome = SwapOutcomeIncrease
		pos.TakerBase = oldBase.Add(baseDelta)
		pos.TakerQuote = oldQuote.Add(quoteDelta)

	case baseDelta.Abs().LessThan(oldBase.Abs()):
		outcome = SwapOutcomeReduce
		reduceRatio := baseDelta.Abs().Div(oldBase.Abs())
		closedNotional := oldQuote.Mul(reduceRatio)
		realized = closedNotional.Add(quoteDelta)
		pos.TakerBase = oldBase.Add(baseDelta)
		pos.TakerQuote = oldQuote.Sub(closedNotional)

	case baseDelta.Abs().Equal(oldBase.Abs()):
		outcome = SwapOutcomeReduce
		realized = oldQuote.Add(quoteDelta)
		pos.TakerBase = decimal.Zero
		pos.TakerQuote = decimal.Zero

	default:
		// Overshoot: realize the whole old leg against the consumed
		// share of the trade, open the excess as a new opposite leg
		// priced at the unconsumed quote remainder.
		outcome = SwapOutcomeFlip
		closedRatio := oldBase.Abs().Div(baseDelta.Abs())
		consumedQuote := quoteDelta.Mul(closedRatio)
		realized = oldQuote.Add(consumedQuote)
		pos.TakerBase = oldBase.Add(baseDelta)
		pos.TakerQuote = quoteDelta.Sub(consumedQuote)
	}

	return pos, realized, outcome
}

// drainTakerDust folds sub-dust taker residue into owed realized PnL so
// a "close everything" sequence lands on exactly zero.
func (l *Ledger) drainTakerDust(trader uuid.UUID, pos *Position) {
	if !perpmath.IsDust(pos.TakerBase) {
		return
	}
	if pos.TakerBase.IsZero() && pos.TakerQuote.IsZero() {
		return
	}
	l.AddOwedRealizedPnl(trader, pos.TakerQuote)
	pos.TakerBase = decimal.Zero
	pos.TakerQuote = decimal.Zero
}

// Export copies the full ledger state for snapshotting.
func (l *Ledger) Export() (map[Key]Position, map[uuid.UUID]decimal.Decimal) {
	positions := make(map[Key]Position, len(l.positions))
	for key, pos := range l.positions {
		positions[key] = *pos
	}
	owed := make(map[uuid.UUID]decimal.Decimal, len(l.owedRealized))
	for trader, amount := range l.owedRealized {
		owed[trader] = amount
	}
	return positions, owed
}

// Restore replaces the ledger state from a snapshot.
func (l *Ledger) Restore(positions map[Key]Position, owed map[uuid.UUID]decimal.Decimal) {
	l.positions = make(map[Key]*Position, len(positions))
	l.activeMarkets = make(map[uuid.UUID]map[string]struct{})
	for key, pos := range positions {
		p := pos
		l.positions[key] = &p
		if l.activeMarkets[key.Trader] == nil {
			l.activeMarkets[key.Trader] = make(map[string]struct{})
		}
		l.activeMarkets[key.Trader][key.Market] = struct{}{}
	}
	l.owedRealized = make(map[uuid.UUID]decimal.Decimal, len(owed))
	for trader, amount := range owed {
		l.owedRealized[trader] = amount
	}
}

// AddMakerDebt records amounts deposited into a liquidity range.
func (l *Ledger) AddMakerDebt(trader uuid.UUID, marketID string, base, quote decimal.Decimal) {
	pos := l.GetOrCreate(trader, marketID)
	pos.MakerBaseDebt = pos.MakerBaseDebt.Add(base)
	pos.MakerQuoteDebt = pos.MakerQuoteDebt.Add(quote)
}

// ReduceMakerDebt removes the debt attributable to burned liquidity.
func (l *Ledger) ReduceMakerDebt(trader uuid.UUID, marketID string, base, quote decimal.Decimal) {
	pos := l.GetOrCreate(trader, marketID)
	pos.MakerBaseDebt = pos.MakerBaseDebt.Sub(base)
	pos.MakerQuoteDebt = pos.MakerQuoteDebt.Sub(quote)
}

// TotalPositionSize is the single fungible exposure in a market:
// taker base plus the maker-impermanent component (venue-reported base
// inside the trader's ranges minus what was deposited).
func (l *Ledger) TotalPositionSize(trader uuid.UUID, marketID string, baseInRanges decimal.Decimal) decimal.Decimal {
	pos := l.Get(trader, marketID)
	if pos == nil {
		return baseInRanges
	}
	return pos.TakerBase.Add(baseInRanges).Sub(pos.MakerBaseDebt)
}

// TotalOpenNotional mirrors TotalPositionSize on the quote side.
func (l *Ledger) TotalOpenNotional(trader uuid.UUID, marketID string, quoteInRanges decimal.Decimal) decimal.Decimal {
	pos := l.Get(trader, marketID)
	if pos == nil {
		return quoteInRanges
	}
	return pos.TakerQuote.Add(quoteInRanges).Sub(pos.MakerQuoteDebt)
}

// UnrealizedPnl values an exposure at markPrice.
func UnrealizedPnl(totalSize, totalOpenNotional, markPrice decimal.Decimal) decimal.Decimal {
	return totalSize.Mul(markPrice).Add(totalOpenNotional)
}

// DeregisterIfFlat drops the (trader, market) entry once the position is
// fully unwound: no maker debt, no taker exposure beyond dust. Residual
// taker quote is drained into owed realized PnL first so no value is
// destroyed. hasOpenOrder guards against dropping a maker who still has
// ranges in the venue. Returns true when the entry was removed.
func (l *Ledger) DeregisterIfFlat(trader uuid.UUID, marketID string, hasOpenOrder bool) bool {
	if hasOpenOrder {
		return false
	}
	key := Key{trader, marketID}
	pos := l.positions[key]
	if pos == nil {
		return false
	}
	if !perpmath.IsDust(pos.TakerBase) {
		return false
	}
	if !pos.MakerBaseDebt.IsZero() || !pos.MakerQuoteDebt.IsZero() {
		return false
	}
	l.AddOwedRealizedPnl(trader, pos.TakerQuote)
	delete(l.positions, key)
	if set := l.activeMarkets[trader]; set != nil {
		delete(set, marketID)
		if len(set) == 0 {
			delete(l.activeMarkets, trader)
		}
	}
	return true
}
