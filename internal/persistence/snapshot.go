package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/funding"
	"PerpCore/internal/liquidity"
	"PerpCore/internal/position"
	"PerpCore/internal/vault"
)

// SnapshotData is the full ledger state at a point in time. Restoring a
// snapshot and replaying events after its sequence reproduces the live
// state exactly; everything derived (pending fees, funding, margin) is
// recomputed, never stored.
type SnapshotData struct {
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`

	Balances  []BalanceSnap          `json:"balances"`
	Positions []PositionSnap         `json:"positions"`
	Owed      map[string]string      `json:"owed_realized_pnl"`
	Orders    []OrderSnap            `json:"orders"`
	Funding   map[string]FundingSnap `json:"funding"`
}

type BalanceSnap struct {
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

type PositionSnap struct {
	Trader         string `json:"trader"`
	Market         string `json:"market"`
	TakerBase      string `json:"taker_base"`
	TakerQuote     string `json:"taker_quote"`
	MakerBaseDebt  string `json:"maker_base_debt"`
	MakerQuoteDebt string `json:"maker_quote_debt"`
}

type OrderSnap struct {
	Trader              string `json:"trader"`
	Market              string `json:"market"`
	Lower               int32  `json:"lower"`
	Upper               int32  `json:"upper"`
	Liquidity           string `json:"liquidity"`
	LastFeeGrowthInside string `json:"last_fee_growth_inside"`
	BaseDebt            string `json:"base_debt"`
	QuoteDebt           string `json:"quote_debt"`
}

type FundingSnap struct {
	Cumulative   string            `json:"cumulative"`
	LastSyncedAt time.Time         `json:"last_synced_at"`
	Frozen       bool              `json:"frozen"`
	Checkpoints  map[string]string `json:"checkpoints"` // trader -> accumulator
}

// BuildSnapshot captures the current state of every ledger.
func BuildSnapshot(
	sequence int64,
	v *vault.Vault,
	positions *position.Ledger,
	book *liquidity.Book,
	fundingEngine *funding.Engine,
) *SnapshotData {
	snap := &SnapshotData{
		Sequence:  sequence,
		CreatedAt: time.Now().UTC(),
		Owed:      make(map[string]string),
		Funding:   make(map[string]FundingSnap),
	}

	for _, b := range v.Export() {
		snap.Balances = append(snap.Balances, BalanceSnap{
			Trader: b.Trader.String(), Symbol: b.Symbol, Amount: b.Amount.String(),
		})
	}

	posState, owed := positions.Export()
	for key, pos := range posState {
		snap.Positions = append(snap.Positions, PositionSnap{
			Trader:         key.Trader.String(),
			Market:         key.Market,
			TakerBase:      pos.TakerBase.String(),
			TakerQuote:     pos.TakerQuote.String(),
			MakerBaseDebt:  pos.MakerBaseDebt.String(),
			MakerQuoteDebt: pos.MakerQuoteDebt.String(),
		})
	}
	for trader, amount := range owed {
		snap.Owed[trader.String()] = amount.String()
	}

	for key, o := range book.Export() {
		snap.Orders = append(snap.Orders, OrderSnap{
			Trader:              key.Trader.String(),
			Market:              key.Market,
			Lower:               key.Lower,
			Upper:               key.Upper,
			Liquidity:           o.Liquidity.String(),
			LastFeeGrowthInside: o.LastFeeGrowthInside.String(),
			BaseDebt:            o.BaseDebt.String(),
			QuoteDebt:           o.QuoteDebt.String(),
		})
	}

	for marketID, st := range fundingEngine.Export() {
		checkpoints := make(map[string]string, len(st.Checkpoints))
		for trader, v := range st.Checkpoints {
			checkpoints[trader.String()] = v.String()
		}
		snap.Funding[marketID] = FundingSnap{
			Cumulative:   st.Cumulative.String(),
			LastSyncedAt: st.LastSyncedAt,
			Frozen:       st.Frozen,
			Checkpoints:  checkpoints,
		}
	}
	return snap
}

// Apply restores ledger state from a snapshot.
func (s *SnapshotData) Apply(
	v *vault.Vault,
	positions *position.Ledger,
	book *liquidity.Book,
	fundingEngine *funding.Engine,
) error {
	balances := make([]vault.BalanceRecord, 0, len(s.Balances))
	for _, b := range s.Balances {
		trader, err := uuid.Parse(b.Trader)
		if err != nil {
			return fmt.Errorf("snapshot balance trader: %w", err)
		}
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return fmt.Errorf("snapshot balance amount: %w", err)
		}
		balances = append(balances, vault.BalanceRecord{Trader: trader, Symbol: b.Symbol, Amount: amount})
	}
	v.Restore(balances)

	posState := make(map[position.Key]position.Position, len(s.Positions))
	for _, p := range s.Positions {
		trader, err := uuid.Parse(p.Trader)
		if err != nil {
			return fmt.Errorf("snapshot position trader: %w", err)
		}
		pos, err := parsePosition(p)
		if err != nil {
			return err
		}
		posState[position.Key{Trader: trader, Market: p.Market}] = pos
	}
	owed := make(map[uuid.UUID]decimal.Decimal, len(s.Owed))
	for traderStr, amountStr := range s.Owed {
		trader, err := uuid.Parse(traderStr)
		if err != nil {
			return fmt.Errorf("snapshot owed trader: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("snapshot owed amount: %w", err)
		}
		owed[trader] = amount
	}
	positions.Restore(posState, owed)

	orders := make(map[liquidity.OrderKey]liquidity.Order, len(s.Orders))
	for _, o := range s.Orders {
		trader, err := uuid.Parse(o.Trader)
		if err != nil {
			return fmt.Errorf("snapshot order trader: %w", err)
		}
		liq, err := decimal.NewFromString(o.Liquidity)
		if err != nil {
			return fmt.Errorf("snapshot order liquidity: %w", err)
		}
		growth, err := decimal.NewFromString(o.LastFeeGrowthInside)
		if err != nil {
			return fmt.Errorf("snapshot order fee growth: %w", err)
		}
		baseDebt, err := decimal.NewFromString(o.BaseDebt)
		if err != nil {
			return fmt.Errorf("snapshot order base debt: %w", err)
		}
		quoteDebt, err := decimal.NewFromString(o.QuoteDebt)
		if err != nil {
			return fmt.Errorf("snapshot order quote debt: %w", err)
		}
		key := liquidity.OrderKey{Trader: trader, Market: o.Market, Lower: o.Lower, Upper: o.Upper}
		orders[key] = liquidity.Order{
			Lower:               o.Lower,
			Upper:               o.Upper,
			Liquidity:           liq,
			LastFeeGrowthInside: growth,
			BaseDebt:            baseDebt,
			QuoteDebt:           quoteDebt,
		}
	}
	book.Restore(orders)

	fundingStates := make(map[string]funding.MarketState, len(s.Funding))
	for marketID, fs := range s.Funding {
		cumulative, err := decimal.NewFromString(fs.Cumulative)
		if err != nil {
			return fmt.Errorf("snapshot funding cumulative: %w", err)
		}
		checkpoints := make(map[uuid.UUID]decimal.Decimal, len(fs.Checkpoints))
		for traderStr, vStr := range fs.Checkpoints {
			trader, err := uuid.Parse(traderStr)
			if err != nil {
				return fmt.Errorf("snapshot funding trader: %w", err)
			}
			cp, err := decimal.NewFromString(vStr)
			if err != nil {
				return fmt.Errorf("snapshot funding checkpoint: %w", err)
			}
			checkpoints[trader] = cp
		}
		fundingStates[marketID] = funding.MarketState{
			Cumulative:   cumulative,
			LastSyncedAt: fs.LastSyncedAt,
			Frozen:       fs.Frozen,
			Checkpoints:  checkpoints,
		}
	}
	fundingEngine.Restore(fundingStates)
	return nil
}

func parsePosition(p PositionSnap) (position.Position, error) {
	takerBase, err := decimal.NewFromString(p.TakerBase)
	if err != nil {
		return position.Position{}, fmt.Errorf("snapshot taker base: %w", err)
	}
	takerQuote, err := decimal.NewFromString(p.TakerQuote)
	if err != nil {
		return position.Position{}, fmt.Errorf("snapshot taker quote: %w", err)
	}
	makerBase, err := decimal.NewFromString(p.MakerBaseDebt)
	if err != nil {
		return position.Position{}, fmt.Errorf("snapshot maker base debt: %w", err)
	}
	makerQuote, err := decimal.NewFromString(p.MakerQuoteDebt)
	if err != nil {
		return position.Position{}, fmt.Errorf("snapshot maker quote debt: %w", err)
	}
	return position.Position{
		TakerBase:      takerBase,
		TakerQuote:     takerQuote,
		MakerBaseDebt:  makerBase,
		MakerQuoteDebt: makerQuote,
	}, nil
}

// SnapshotManager saves and loads snapshots in Postgres.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Save upserts a snapshot keyed by its sequence.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO perp_core.snapshots (sequence, data, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (sequence) DO UPDATE SET data = $2, created_at = $3
	`, snap.Sequence, data, snap.CreatedAt)
	return err
}

// LoadLatest returns the most recent snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM perp_core.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
