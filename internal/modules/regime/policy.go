package regime

import (
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// Policy is the treasury posture a regime imposes on its subnet. The
// rebalance engine reads it when filtering candidates and sizing trims.
type Policy struct {
	NewBuysAllowed bool
	AddsAllowed    bool
	// TrimPct is the fraction of the position the engine should propose
	// trimming per plan. Zero means no forced trim.
	TrimPct decimal.Decimal
	// SleeveExpansion allows the subnet sleeve to grow beyond its target
	// share while the regime holds.
	SleeveExpansion bool
}

// PolicyFor returns the posture for a regime. Unknown regimes get the
// quarantine posture: freeze and shrink.
func PolicyFor(r domain.FlowRegime) Policy {
	switch r {
	case domain.RegimeRiskOn:
		return Policy{NewBuysAllowed: true, AddsAllowed: true, SleeveExpansion: true}
	case domain.RegimeNeutral:
		return Policy{NewBuysAllowed: true, AddsAllowed: true}
	case domain.RegimeRiskOff:
		return Policy{TrimPct: decimal.RequireFromString("0.25")}
	case domain.RegimeDead:
		return Policy{TrimPct: decimal.NewFromInt(1)}
	default:
		return Policy{TrimPct: decimal.RequireFromString("0.5")}
	}
}
