// Package domain provides core domain types shared across modules.
package domain

// RootNetuid is the netuid of the Root network. Root has no pool, no alpha
// token and therefore no slippage.
const RootNetuid = 0

// StakeAction represents the kind of a stake transaction.
type StakeAction string

const (
	StakeActionStake      StakeAction = "stake"
	StakeActionUnstake    StakeAction = "unstake"
	StakeActionUnstakeAll StakeAction = "unstake_all"
)

// Valid reports whether the action is one of the known kinds.
func (a StakeAction) Valid() bool {
	switch a {
	case StakeActionStake, StakeActionUnstake, StakeActionUnstakeAll:
		return true
	}
	return false
}

// IsUnstake reports whether the action removes stake.
func (a StakeAction) IsUnstake() bool {
	return a == StakeActionUnstake || a == StakeActionUnstakeAll
}

// FlowRegime classifies a subnet's capital flow dynamics.
type FlowRegime string

const (
	RegimeRiskOn     FlowRegime = "risk_on"
	RegimeNeutral    FlowRegime = "neutral"
	RegimeRiskOff    FlowRegime = "risk_off"
	RegimeQuarantine FlowRegime = "quarantine"
	RegimeDead       FlowRegime = "dead"
)

// Valid reports whether the regime is one of the known states.
func (r FlowRegime) Valid() bool {
	switch r {
	case RegimeRiskOn, RegimeNeutral, RegimeRiskOff, RegimeQuarantine, RegimeDead:
		return true
	}
	return false
}

// ViabilityTier buckets a subnet's viability score.
type ViabilityTier string

const (
	TierOne      ViabilityTier = "tier_1"
	TierTwo      ViabilityTier = "tier_2"
	TierThree    ViabilityTier = "tier_3"
	TierUnviable ViabilityTier = "unviable"
)

// TrustState is the aggregate data-trust gate state.
type TrustState string

const (
	TrustOK       TrustState = "ok"
	TrustDegraded TrustState = "degraded"
	TrustBlocked  TrustState = "blocked"
)

// SyncTier identifies one of the three sync cadences.
type SyncTier string

const (
	TierRefresh SyncTier = "refresh"
	TierFull    SyncTier = "full"
	TierDeep    SyncTier = "deep"
)

// RecommendedAction is the advisory action attached to a position.
type RecommendedAction string

const (
	ActionHold       RecommendedAction = "hold"
	ActionAccumulate RecommendedAction = "accumulate"
	ActionTrim       RecommendedAction = "trim"
	ActionExit       RecommendedAction = "exit"
)
