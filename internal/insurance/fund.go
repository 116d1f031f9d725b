package insurance

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpCore/internal/observability"
	"PerpCore/internal/position"
	"PerpCore/internal/vault"
)

// AccountID is the insurance fund's well-known account. The fund is a
// degenerate trader: it never holds positions, only settlement balance
// and owed realized PnL, so penalties and bad debt flow through the same
// accounting paths as everyone else's PnL.
var AccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Fund is the liquidation backstop.
type Fund struct {
	positions        *position.Ledger
	vault            *vault.Vault
	settlementSymbol string
}

func NewFund(positions *position.Ledger, v *vault.Vault, settlementSymbol string) *Fund {
	return &Fund{positions: positions, vault: v, settlementSymbol: settlementSymbol}
}

// Credit adds amount to the fund's owed realized PnL. Penalty shares and
// the insurance cut of venue fees arrive here.
func (f *Fund) Credit(amount decimal.Decimal) {
	f.positions.AddOwedRealizedPnl(AccountID, amount)
	observability.InsuranceCapacity.Set(f.Capacity().InexactFloat64())
}

// Capacity is what the fund can still absorb: settlement balance plus
// accumulated owed PnL. The fund holds no positions, so this is its
// whole account value.
func (f *Fund) Capacity() decimal.Decimal {
	return f.vault.Balance(AccountID, f.settlementSymbol).
		Add(f.positions.OwedRealizedPnl(AccountID))
}

// AbsorbBadDebt moves a trader's residual settlement debt into the fund.
// debt must be positive (the magnitude of the trader's negative value).
// Returns false without mutating when capacity cannot cover it.
func (f *Fund) AbsorbBadDebt(debt decimal.Decimal) bool {
	if debt.Sign() <= 0 {
		return true
	}
	if f.Capacity().LessThan(debt) {
		return false
	}
	f.positions.AddOwedRealizedPnl(AccountID, debt.Neg())
	observability.InsuranceCapacity.Set(f.Capacity().InexactFloat64())
	return true
}
