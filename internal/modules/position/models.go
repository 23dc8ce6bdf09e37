// Package position maintains per-(wallet, netuid) stake positions in
// treasury.db and the ledger-identity decomposition of their unrealized P&L.
package position

import (
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// Position is the live state of one wallet's stake on one subnet. At most
// one row exists per (wallet, netuid); rows whose balance drops to zero are
// kept with unrealized fields zeroed so realized history stays queryable.
type Position struct {
	ID     int64
	Wallet string
	Netuid int
	// Hotkey is the validator carrying the largest share of this position.
	Hotkey string

	AlphaBalance decimal.Decimal
	// AlphaPurchased is the alpha still held that was acquired by staking,
	// i.e. the sum of the open cost-basis lots. Balance beyond it is
	// emission-origin.
	AlphaPurchased  decimal.Decimal
	TotalYieldAlpha decimal.Decimal

	TaoValueMid      decimal.Decimal
	TaoValueExecHalf *decimal.Decimal
	TaoValueExecFull *decimal.Decimal

	EntryPrice   *decimal.Decimal
	EntryDate    string
	CostBasisTao *decimal.Decimal
	CostBasisUSD *decimal.Decimal

	RealizedPnlTao        decimal.Decimal
	RealizedYieldTao      decimal.Decimal
	UnrealizedPnlTao      decimal.Decimal
	UnrealizedYieldTao    decimal.Decimal
	UnrealizedAlphaPnlTao decimal.Decimal

	RecommendedAction domain.RecommendedAction
	UpdatedAt         int64
}

// IsActive reports whether the position still holds alpha.
func (p *Position) IsActive() bool {
	return p.AlphaBalance.IsPositive()
}

// BalanceUpdate carries one sync pass's fresh balance for a position,
// aggregated across hotkeys.
type BalanceUpdate struct {
	Wallet       string
	Netuid       int
	Hotkey       string
	AlphaBalance decimal.Decimal
	TaoValueMid  decimal.Decimal
}

// AccountingUpdate carries the cost-basis engine's outputs for a position.
type AccountingUpdate struct {
	AlphaPurchased   decimal.Decimal
	EntryPrice       *decimal.Decimal
	EntryDate        string
	CostBasisTao     *decimal.Decimal
	CostBasisUSD     *decimal.Decimal
	RealizedPnlTao   decimal.Decimal
	RealizedYieldTao decimal.Decimal
}
