// Package history owns history.db: append-heavy snapshot tables and the
// daily NAV series. Snapshots are immutable once written; the NAV row for
// the current day is updated in place with OHLC semantics.
package history

import (
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// SubnetSnapshot is one immutable record of a subnet's volatile fields,
// keyed by (netuid, timestamp).
type SubnetSnapshot struct {
	Netuid           int
	Timestamp        int64
	PoolTaoReserve   decimal.Decimal
	PoolAlphaReserve decimal.Decimal
	AlphaPriceTao    *decimal.Decimal
	EmissionShare    float64
	HolderCount      int
	Flow7d           decimal.Decimal
	FlowRegime       domain.FlowRegime
	ViabilityScore   *float64
}

// PositionSnapshot is one immutable record of a position's valuation,
// keyed by (wallet, netuid, timestamp).
type PositionSnapshot struct {
	Wallet             string
	Netuid             int
	Timestamp          int64
	AlphaBalance       decimal.Decimal
	TaoValueMid        decimal.Decimal
	TaoValueExec       *decimal.Decimal
	CostBasisTao       *decimal.Decimal
	UnrealizedPnlTao   decimal.Decimal
	UnrealizedYieldTao decimal.Decimal
}

// PortfolioSnapshot is one immutable per-wallet aggregate: NAV in mid and
// exec terms plus the allocation split across Root, the subnet sleeve and
// the free buffer.
type PortfolioSnapshot struct {
	Wallet                  string
	Timestamp               int64
	NavMidTao               decimal.Decimal
	NavExecTao              decimal.Decimal
	RootValueTao            decimal.Decimal
	SubnetValueTao          decimal.Decimal
	BufferValueTao          decimal.Decimal
	TotalUnrealizedPnlTao   decimal.Decimal
	TotalUnrealizedYieldTao decimal.Decimal
	Turnover30d             *decimal.Decimal
	PortfolioRegime         domain.FlowRegime
	RegimeReason            string
}

// NAVDay is one wallet's daily NAV bar in both mid and exec prices, plus
// the running exec all-time high the drawdown is measured against.
type NAVDay struct {
	Wallet         string
	Date           string // YYYY-MM-DD, UTC day bucket
	OpenMid        decimal.Decimal
	HighMid        decimal.Decimal
	LowMid         decimal.Decimal
	CloseMid       decimal.Decimal
	OpenExec       decimal.Decimal
	HighExec       decimal.Decimal
	LowExec        decimal.Decimal
	CloseExec      decimal.Decimal
	ATHExec        decimal.Decimal
	DailyReturnTao *decimal.Decimal
	DailyReturnPct *float64
	DrawdownPct    float64
	UpdatedAt      int64
}
