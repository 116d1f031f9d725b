package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is one outbound domain event. Kind discriminates the payload and
// doubles as the subject suffix on the wire; Market is empty for events
// without market context.
type Event interface {
	Kind() string
	Market() string
}

// Envelope wraps every published event with the fields consumers need
// for ordering and dedup.
type Envelope struct {
	Sequence  int64     `json:"sequence"`
	Kind      string    `json:"kind"`
	MarketID  string    `json:"market_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

type Deposited struct {
	Trader uuid.UUID       `json:"trader"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

func (Deposited) Kind() string   { return "deposited" }
func (Deposited) Market() string { return "" }

type Withdrawn struct {
	Trader uuid.UUID       `json:"trader"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

func (Withdrawn) Kind() string   { return "withdrawn" }
func (Withdrawn) Market() string { return "" }

// PositionChanged reports a taker swap: exchanged amounts are venue
// deltas from the trader's perspective, fee is the total venue fee paid.
type PositionChanged struct {
	Trader            uuid.UUID       `json:"trader"`
	MarketID          string          `json:"market_id"`
	ExchangedBase     decimal.Decimal `json:"exchanged_base"`
	ExchangedNotional decimal.Decimal `json:"exchanged_notional"`
	Fee               decimal.Decimal `json:"fee"`
	RealizedPnl       decimal.Decimal `json:"realized_pnl"`
	SqrtPriceAfter    decimal.Decimal `json:"sqrt_price_after"`
}

func (PositionChanged) Kind() string     { return "position_changed" }
func (e PositionChanged) Market() string { return e.MarketID }

// LiquidityChanged reports a range mint or burn; deltas are positive on
// add, negative on remove.
type LiquidityChanged struct {
	Maker      uuid.UUID       `json:"maker"`
	MarketID   string          `json:"market_id"`
	LowerTick  int32           `json:"lower_tick"`
	UpperTick  int32           `json:"upper_tick"`
	Base       decimal.Decimal `json:"base"`
	Quote      decimal.Decimal `json:"quote"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	FeeClaimed decimal.Decimal `json:"fee_claimed"`
}

func (LiquidityChanged) Kind() string     { return "liquidity_changed" }
func (e LiquidityChanged) Market() string { return e.MarketID }

type FundingSettled struct {
	Trader   uuid.UUID       `json:"trader"`
	MarketID string          `json:"market_id"`
	Payment  decimal.Decimal `json:"payment"`
}

func (FundingSettled) Kind() string     { return "funding_settled" }
func (e FundingSettled) Market() string { return e.MarketID }

type PositionLiquidated struct {
	Trader            uuid.UUID       `json:"trader"`
	Liquidator        uuid.UUID       `json:"liquidator"`
	MarketID          string          `json:"market_id"`
	ExchangedBase     decimal.Decimal `json:"exchanged_base"`
	ExchangedNotional decimal.Decimal `json:"exchanged_notional"`
	Penalty           decimal.Decimal `json:"penalty"`
	LiquidatorReward  decimal.Decimal `json:"liquidator_reward"`
	InsuranceShare    decimal.Decimal `json:"insurance_share"`
	BadDebt           bool            `json:"bad_debt"`
}

func (PositionLiquidated) Kind() string     { return "position_liquidated" }
func (e PositionLiquidated) Market() string { return e.MarketID }

type OrdersCancelled struct {
	Maker    uuid.UUID `json:"maker"`
	MarketID string    `json:"market_id"`
	Count    int       `json:"count"`
}

func (OrdersCancelled) Kind() string     { return "orders_cancelled" }
func (e OrdersCancelled) Market() string { return e.MarketID }

type CollateralLiquidated struct {
	Trader       uuid.UUID       `json:"trader"`
	Liquidator   uuid.UUID       `json:"liquidator"`
	Asset        string          `json:"asset"`
	Seized       decimal.Decimal `json:"seized"`
	Repaid       decimal.Decimal `json:"repaid"`
	InsuranceFee decimal.Decimal `json:"insurance_fee"`
}

func (CollateralLiquidated) Kind() string   { return "collateral_liquidated" }
func (CollateralLiquidated) Market() string { return "" }

type BadDebtSettled struct {
	Trader uuid.UUID       `json:"trader"`
	Debt   decimal.Decimal `json:"debt"`
}

func (BadDebtSettled) Kind() string   { return "bad_debt_settled" }
func (BadDebtSettled) Market() string { return "" }

// MarketSettled reports one trader's one-shot settlement against a
// closed market's frozen price.
type MarketSettled struct {
	Trader      uuid.UUID       `json:"trader"`
	MarketID    string          `json:"market_id"`
	SettledPnl  decimal.Decimal `json:"settled_pnl"`
	ClosedPrice decimal.Decimal `json:"closed_price"`
}

func (MarketSettled) Kind() string     { return "market_settled" }
func (e MarketSettled) Market() string { return e.MarketID }
