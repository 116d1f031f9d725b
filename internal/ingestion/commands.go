package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Command is one parsed mutating instruction from the command stream.
// Kind selects which payload fields are meaningful.
type Command struct {
	Kind string

	Trader  uuid.UUID
	Market  string
	Symbol  string
	Amount  decimal.Decimal
	Target  uuid.UUID
	MaxBase decimal.Decimal

	BaseToQuote    bool
	ExactInput     bool
	SqrtPriceLimit decimal.Decimal

	LowerTick int32
	UpperTick int32
	Base      decimal.Decimal
	Quote     decimal.Decimal
	Liquidity decimal.Decimal
}

// Command kinds, matching the final token of the NATS subject.
const (
	CmdDeposit             = "deposit"
	CmdWithdraw            = "withdraw"
	CmdOpenPosition        = "open_position"
	CmdClosePosition       = "close_position"
	CmdAddLiquidity        = "add_liquidity"
	CmdRemoveLiquidity     = "remove_liquidity"
	CmdLiquidate           = "liquidate"
	CmdCancelOrders        = "cancel_orders"
	CmdLiquidateCollateral = "liquidate_collateral"
	CmdSettleBadDebt       = "settle_bad_debt"
	CmdSettleFunding       = "settle_funding"
	CmdPauseMarket         = "pause_market"
	CmdCloseMarket         = "close_market"
	CmdSettlePosition      = "settle_position"
)

// Wire formats. Producers publish snake_case JSON with decimal amounts
// as strings; uuid fields as canonical text.

type transferJSON struct {
	Trader string          `json:"trader"`
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

type openPositionJSON struct {
	Trader         string          `json:"trader"`
	Market         string          `json:"market"`
	BaseToQuote    bool            `json:"base_to_quote"`
	ExactInput     bool            `json:"exact_input"`
	Amount         decimal.Decimal `json:"amount"`
	SqrtPriceLimit decimal.Decimal `json:"sqrt_price_limit"`
}

type closePositionJSON struct {
	Trader         string          `json:"trader"`
	Market         string          `json:"market"`
	SqrtPriceLimit decimal.Decimal `json:"sqrt_price_limit"`
}

type addLiquidityJSON struct {
	Trader    string          `json:"trader"`
	Market    string          `json:"market"`
	LowerTick int32           `json:"lower_tick"`
	UpperTick int32           `json:"upper_tick"`
	Base      decimal.Decimal `json:"base"`
	Quote     decimal.Decimal `json:"quote"`
}

type removeLiquidityJSON struct {
	Trader    string          `json:"trader"`
	Market    string          `json:"market"`
	LowerTick int32           `json:"lower_tick"`
	UpperTick int32           `json:"upper_tick"`
	Liquidity decimal.Decimal `json:"liquidity"`
}

type liquidateJSON struct {
	Liquidator string          `json:"liquidator"`
	Trader     string          `json:"trader"`
	Market     string          `json:"market"`
	MaxBase    decimal.Decimal `json:"max_base"`
}

type cancelOrdersJSON struct {
	Caller string `json:"caller"`
	Maker  string `json:"maker"`
	Market string `json:"market"`
}

type liquidateCollateralJSON struct {
	Liquidator string          `json:"liquidator"`
	Trader     string          `json:"trader"`
	Symbol     string          `json:"symbol"`
	Repay      decimal.Decimal `json:"repay"`
}

type traderJSON struct {
	Trader string `json:"trader"`
	Market string `json:"market"`
}

type marketJSON struct {
	Market string `json:"market"`
}

// ParseCommand converts a raw NATS message into a Command. The subject's
// final token selects the wire format.
func ParseCommand(subject string, data []byte) (Command, error) {
	kind := subject[strings.LastIndex(subject, ".")+1:]

	switch kind {
	case CmdDeposit, CmdWithdraw:
		var j transferJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{Kind: kind, Trader: trader, Symbol: j.Symbol, Amount: j.Amount}, nil

	case CmdOpenPosition:
		var j openPositionJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{
			Kind:           kind,
			Trader:         trader,
			Market:         j.Market,
			BaseToQuote:    j.BaseToQuote,
			ExactInput:     j.ExactInput,
			Amount:         j.Amount,
			SqrtPriceLimit: j.SqrtPriceLimit,
		}, nil

	case CmdClosePosition:
		var j closePositionJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{Kind: kind, Trader: trader, Market: j.Market, SqrtPriceLimit: j.SqrtPriceLimit}, nil

	case CmdAddLiquidity:
		var j addLiquidityJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{
			Kind:      kind,
			Trader:    trader,
			Market:    j.Market,
			LowerTick: j.LowerTick,
			UpperTick: j.UpperTick,
			Base:      j.Base,
			Quote:     j.Quote,
		}, nil

	case CmdRemoveLiquidity:
		var j removeLiquidityJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{
			Kind:      kind,
			Trader:    trader,
			Market:    j.Market,
			LowerTick: j.LowerTick,
			UpperTick: j.UpperTick,
			Liquidity: j.Liquidity,
		}, nil

	case CmdLiquidate:
		var j liquidateJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		liquidator, err := uuid.Parse(j.Liquidator)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s liquidator: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{Kind: kind, Trader: liquidator, Target: trader, Market: j.Market, MaxBase: j.MaxBase}, nil

	case CmdCancelOrders:
		var j cancelOrdersJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		caller, err := uuid.Parse(j.Caller)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s caller: %w", kind, err)
		}
		maker, err := uuid.Parse(j.Maker)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s maker: %w", kind, err)
		}
		return Command{Kind: kind, Trader: caller, Target: maker, Market: j.Market}, nil

	case CmdLiquidateCollateral:
		var j liquidateCollateralJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		liquidator, err := uuid.Parse(j.Liquidator)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s liquidator: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{Kind: kind, Trader: liquidator, Target: trader, Symbol: j.Symbol, Amount: j.Repay}, nil

	case CmdSettleBadDebt:
		var j traderJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{Kind: kind, Trader: trader}, nil

	case CmdSettleFunding, CmdSettlePosition:
		var j traderJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		trader, err := uuid.Parse(j.Trader)
		if err != nil {
			return Command{}, fmt.Errorf("parse %s trader: %w", kind, err)
		}
		return Command{Kind: kind, Trader: trader, Market: j.Market}, nil

	case CmdPauseMarket, CmdCloseMarket:
		var j marketJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		return Command{Kind: kind, Market: j.Market}, nil

	default:
		return Command{}, fmt.Errorf("unknown command kind %q", kind)
	}
}
