// Package subnet maintains current subnet state in market.db: pool reserves,
// emission metadata, multi-horizon flows, trend statistics and the fields the
// regime machine and viability scorer write back.
package subnet

import (
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// Subnet is the current mutable state of one subnet, keyed by netuid.
type Subnet struct {
	Netuid           int
	Name             string
	Symbol           string
	PoolTaoReserve   decimal.Decimal
	PoolAlphaReserve decimal.Decimal
	// AlphaPriceTao is pool_tao_reserve / pool_alpha_reserve. Nil when the
	// alpha reserve is zero: the price is undefined and the subnet is
	// excluded from position valuation.
	AlphaPriceTao *decimal.Decimal
	EmissionShare float64
	OwnerTake     float64
	FeeRate       float64
	IncentiveBurn float64
	HolderCount   int
	MarketCapTao  decimal.Decimal
	Rank          int
	RegisteredAt  int64
	AgeDays       int

	Flow1d  decimal.Decimal
	Flow3d  decimal.Decimal
	Flow7d  decimal.Decimal
	Flow14d decimal.Decimal
	// PriceTrend7d is the 7-day rate of change of the alpha price in
	// percent. Nil until enough pool history has been ingested.
	PriceTrend7d *float64
	// MaxDrawdown30d is the worst peak-to-trough alpha price decline across
	// the last 30 days, as a fraction in [0, 1]. Nil until enough history.
	MaxDrawdown30d *float64

	FlowRegime          domain.FlowRegime
	FlowRegimeSince     int64
	RegimeCandidate     *domain.FlowRegime
	RegimeCandidateDays int

	ViabilityScore *float64
	ViabilityTier  *domain.ViabilityTier

	Active    bool
	UpdatedAt int64
}

// HasPrice reports whether the alpha price is defined for this subnet.
// Root trivially prices 1:1 and never carries a pool.
func (s *Subnet) HasPrice() bool {
	return s.Netuid == domain.RootNetuid || s.AlphaPriceTao != nil
}

// FlowMetrics are the derived flow and trend statistics for one subnet,
// computed from its pool history.
type FlowMetrics struct {
	Flow1d  decimal.Decimal
	Flow3d  decimal.Decimal
	Flow7d  decimal.Decimal
	Flow14d decimal.Decimal
	// DailyFlows holds the most recent day-over-day TAO reserve deltas,
	// oldest first. The regime machine looks at the last four.
	DailyFlows     []decimal.Decimal
	PriceTrend7d   *float64
	MaxDrawdown30d *float64
}
