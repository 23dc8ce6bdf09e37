package regime

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// Weight is one position's contribution to the portfolio rollup: its
// subnet's committed regime weighted by the position's TAO value.
type Weight struct {
	Netuid   int
	Regime   domain.FlowRegime
	ValueTao decimal.Decimal
}

// Rollup is the portfolio-level regime label together with the shares and
// reasons that produced it.
type Rollup struct {
	Regime       domain.FlowRegime
	RiskOffShare decimal.Decimal
	RiskOnShare  decimal.Decimal
	Reasons      []string
}

// rollupShareThreshold is the value-weighted share at which risk_off or
// risk_on capture the portfolio label.
var rollupShareThreshold = decimal.RequireFromString("0.5")

// RollUp aggregates per-subnet regimes into a portfolio label. Any value in
// a dead or quarantined subnet forces risk_off with a reason naming the
// subnet; otherwise the value-weighted shares of risk_off and risk_on decide.
func RollUp(weights []Weight) Rollup {
	roll := Rollup{
		Regime:       domain.RegimeNeutral,
		RiskOffShare: decimal.Zero,
		RiskOnShare:  decimal.Zero,
	}

	total := decimal.Zero
	riskOff := decimal.Zero
	riskOn := decimal.Zero
	for _, w := range weights {
		if !w.ValueTao.IsPositive() {
			continue
		}
		total = total.Add(w.ValueTao)
		switch w.Regime {
		case domain.RegimeDead, domain.RegimeQuarantine:
			roll.Reasons = append(roll.Reasons,
				fmt.Sprintf("subnet %d holds value while %s", w.Netuid, w.Regime))
		case domain.RegimeRiskOff:
			riskOff = riskOff.Add(w.ValueTao)
		case domain.RegimeRiskOn:
			riskOn = riskOn.Add(w.ValueTao)
		}
	}
	if !total.IsPositive() {
		return roll
	}

	roll.RiskOffShare = riskOff.Div(total).Round(6)
	roll.RiskOnShare = riskOn.Div(total).Round(6)

	switch {
	case len(roll.Reasons) > 0:
		roll.Regime = domain.RegimeRiskOff
	case roll.RiskOffShare.GreaterThanOrEqual(rollupShareThreshold):
		roll.Regime = domain.RegimeRiskOff
		roll.Reasons = append(roll.Reasons,
			fmt.Sprintf("%s of portfolio value is in risk_off subnets", roll.RiskOffShare))
	case roll.RiskOnShare.GreaterThanOrEqual(rollupShareThreshold):
		roll.Regime = domain.RegimeRiskOn
	}
	return roll
}
