package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// Recommendation statuses. The service is advisory: recommendations are
// proposed, and a human marks them executed or dismissed out of band.
const (
	StatusProposed  = "proposed"
	StatusExecuted  = "executed"
	StatusDismissed = "dismissed"
)

// Plan triggers.
const (
	TriggerWeekly      = "weekly"
	TriggerRegimeShift = "regime_shift"
	TriggerDrawdown    = "drawdown_breach"
)

// SignalRebalancePlan names the signal row recorded for every plan run.
const SignalRebalancePlan = "rebalance_plan"

// TradeRecommendation is one advisory trade in a rebalance plan. SizeTao
// is always positive; Action carries the direction.
type TradeRecommendation struct {
	ID          string
	CreatedAt   int64
	PlanID      string
	Wallet      string
	Netuid      int
	Action      domain.RecommendedAction
	SizeTao     decimal.Decimal
	Reason      string
	SnapshotRef string
	Status      string
}

// DecisionEntry is an audit row explaining why the planner did (or did
// not) produce recommendations. Inputs and Guardrails are persisted as
// JSON so the review UI can render them without another schema change.
type DecisionEntry struct {
	ID         string
	CreatedAt  int64
	Wallet     string
	Decision   string
	Inputs     map[string]any
	Guardrails []string
}

// SignalRun records one evaluation of a named signal together with the
// trust state it ran under. Confidence is 1.0 under a healthy trust
// gate, 0.5 when degraded, and 0 when blocked.
type SignalRun struct {
	ID                  string
	CreatedAt           int64
	Signal              string
	Wallet              string
	Confidence          float64
	TrustState          domain.TrustState
	Output              map[string]any
	Evidence            []string
	GuardrailsTriggered []string
}

// Plan is the result of one planner run. Recommendations are sorted by
// descending priority and already clipped to the per-plan trade budget.
type Plan struct {
	ID              string
	Wallet          string
	Trigger         string
	CreatedAt       int64
	SnapshotRef     string
	Recommendations []TradeRecommendation
	Guardrails      []string
	TrustState      domain.TrustState
}

// Blocked reports whether the plan was suppressed by the trust gate.
func (p Plan) Blocked() bool {
	return p.TrustState == domain.TrustBlocked
}
