// Package regime classifies each subnet's capital-flow dynamics into one of
// five states and applies anti-whipsaw persistence before committing a
// transition. The committed regime drives the per-subnet policy the rebalance
// engine consumes.
package regime

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/subnet"
)

// Thresholds are the flow cut-offs as fractions of the pool's TAO reserve.
// Both are negative: outflows beyond them mark distress.
type Thresholds struct {
	Quarantine decimal.Decimal // 7d and 14d below this => dead candidate
	RiskOff    decimal.Decimal // 7d and 14d below this => quarantine candidate
}

// DefaultThresholds returns the stock cut-offs: -15% of reserve for the
// quarantine line, -5% for the risk-off line.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Quarantine: decimal.RequireFromString("-0.15"),
		RiskOff:    decimal.RequireFromString("-0.05"),
	}
}

// Persistence holds the number of consecutive passes a candidate must be
// re-proposed before it commits, per target regime. Disabled means every
// candidate commits immediately.
type Persistence struct {
	Enabled  bool
	Required map[domain.FlowRegime]int
}

// DefaultPersistence returns the stock persistence ladder. Neutral commits
// on the first pass; quarantine is the stickiest target so brief outflow
// spikes do not park a subnet there.
func DefaultPersistence() Persistence {
	return Persistence{
		Enabled: true,
		Required: map[domain.FlowRegime]int{
			domain.RegimeDead:       2,
			domain.RegimeQuarantine: 3,
			domain.RegimeRiskOff:    2,
			domain.RegimeRiskOn:     2,
			domain.RegimeNeutral:    1,
		},
	}
}

// RequiredFor returns the pass count a target regime needs to commit.
func (p Persistence) RequiredFor(r domain.FlowRegime) int {
	if n, ok := p.Required[r]; ok && n > 0 {
		return n
	}
	return 1
}

// Classify derives the candidate regime for one subnet from its flow metrics
// and the pool's TAO reserve. A drained pool is dead outright; all other
// rules compare the 7d/14d flows as fractions of the reserve.
func Classify(m subnet.FlowMetrics, reserve decimal.Decimal, th Thresholds) domain.FlowRegime {
	if !reserve.IsPositive() {
		return domain.RegimeDead
	}
	r7 := m.Flow7d.Div(reserve)
	r14 := m.Flow14d.Div(reserve)

	switch {
	case r7.LessThan(th.Quarantine) && r14.LessThan(th.Quarantine):
		return domain.RegimeDead
	case r7.LessThan(th.RiskOff) && r14.LessThan(th.RiskOff):
		return domain.RegimeQuarantine
	case recentNegativeDays(m.DailyFlows) >= 3 && m.Flow7d.IsNegative():
		return domain.RegimeQuarantine
	case r7.LessThan(th.RiskOff) || (m.Flow3d.IsNegative() && m.Flow7d.IsNegative()):
		return domain.RegimeRiskOff
	case r7.GreaterThan(th.RiskOff.Abs()) && m.Flow14d.IsPositive():
		return domain.RegimeRiskOn
	default:
		return domain.RegimeNeutral
	}
}

// recentNegativeDays counts outflow days among the last four daily flows.
func recentNegativeDays(daily []decimal.Decimal) int {
	start := len(daily) - 4
	if start < 0 {
		start = 0
	}
	negatives := 0
	for _, f := range daily[start:] {
		if f.IsNegative() {
			negatives++
		}
	}
	return negatives
}

// State is the persisted regime state of one subnet: the committed regime,
// when it took effect, and the pending candidate with its streak counter.
type State struct {
	Current       domain.FlowRegime
	Since         int64
	Candidate     *domain.FlowRegime
	CandidateDays int
}

// Advance applies one classification pass to the state and reports whether a
// transition committed. A candidate matching the committed regime clears any
// pending streak; a candidate matching the stored one extends the streak and
// commits once it reaches the required pass count; anything else restarts
// the streak at one (which itself commits for single-pass targets).
func Advance(st State, candidate domain.FlowRegime, p Persistence, now time.Time) (State, bool) {
	if !p.Enabled {
		if candidate == st.Current {
			st.Candidate = nil
			st.CandidateDays = 0
			return st, false
		}
		return State{Current: candidate, Since: now.Unix()}, true
	}

	if candidate == st.Current {
		st.Candidate = nil
		st.CandidateDays = 0
		return st, false
	}

	if st.Candidate != nil && *st.Candidate == candidate {
		st.CandidateDays++
	} else {
		c := candidate
		st.Candidate = &c
		st.CandidateDays = 1
	}

	if st.CandidateDays >= p.RequiredFor(candidate) {
		return State{Current: candidate, Since: now.Unix()}, true
	}
	return st, false
}
