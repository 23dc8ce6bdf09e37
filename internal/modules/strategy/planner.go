// Package strategy builds advisory rebalance plans from the treasury's
// observed state. Plans are never executed: each run writes proposed
// trade recommendations, a decision-log row carrying the inputs it saw,
// and a signal run recording the trust state it was produced under.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/regime"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/slippage"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/trust"
)

// Planner assembles rebalance plans for one wallet at a time. It reads
// the stores populated by sync and only reaches upstream through the
// slippage service's cached surfaces.
type Planner struct {
	repo      *Repository
	positions *position.Repository
	subnets   *subnet.Repository
	slippage  *slippage.Service
	gate      *trust.Gate
	settings  *settings.Repository
	log       zerolog.Logger
}

func NewPlanner(repo *Repository, positions *position.Repository, subnets *subnet.Repository,
	slip *slippage.Service, gate *trust.Gate, settingsRepo *settings.Repository, log zerolog.Logger) *Planner {
	return &Planner{
		repo:      repo,
		positions: positions,
		subnets:   subnets,
		slippage:  slip,
		gate:      gate,
		settings:  settingsRepo,
		log:       log.With().Str("service", "strategy").Logger(),
	}
}

// candidate is one possible trade before guardrails run. Priority
// orders candidates when the plan is clipped: dead-regime exits rank
// highest, new buys lowest.
type candidate struct {
	netuid   int
	action   domain.RecommendedAction
	size     decimal.Decimal
	reason   string
	priority float64
}

// WeeklyPlan builds the scheduled rebalance plan.
func (p *Planner) WeeklyPlan(ctx context.Context, wallet, snapshotRef string, now time.Time) (*Plan, error) {
	return p.buildPlan(ctx, wallet, TriggerWeekly, snapshotRef, now)
}

// EventPlan builds an off-cycle plan for a named trigger, such as a
// regime shift or a drawdown breach.
func (p *Planner) EventPlan(ctx context.Context, wallet, trigger, snapshotRef string, now time.Time) (*Plan, error) {
	return p.buildPlan(ctx, wallet, trigger, snapshotRef, now)
}

func (p *Planner) buildPlan(ctx context.Context, wallet, trigger, snapshotRef string, now time.Time) (*Plan, error) {
	eval, err := p.gate.Evaluate(now)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate trust gate: %w", err)
	}

	plan := &Plan{
		ID:          uuid.NewString(),
		Wallet:      wallet,
		Trigger:     trigger,
		CreatedAt:   now.Unix(),
		SnapshotRef: snapshotRef,
		TrustState:  eval.State,
	}
	inputs := map[string]any{
		"trigger":      trigger,
		"trust_state":  string(eval.State),
		"snapshot_ref": snapshotRef,
	}

	if eval.Blocked() {
		p.log.Warn().Str("wallet", wallet).Str("trigger", trigger).
			Str("reason", eval.Reason()).Msg("plan suppressed by trust gate")
		plan.Guardrails = []string{"trust gate blocked: " + eval.Reason()}
		if err := p.record(plan, "plan_blocked", inputs, eval); err != nil {
			return nil, err
		}
		return plan, nil
	}

	held, err := p.positions.GetActiveByWallet(wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions for plan: %w", err)
	}

	nav := decimal.Zero
	rootValue := decimal.Zero
	for _, pos := range held {
		nav = nav.Add(pos.TaoValueMid)
		if pos.Netuid == domain.RootNetuid {
			rootValue = rootValue.Add(pos.TaoValueMid)
		}
	}
	inputs["nav_tao"] = domain.RoundTao(nav).String()

	if !nav.IsPositive() {
		if err := p.record(plan, "plan_empty_book", inputs, eval); err != nil {
			return nil, err
		}
		return plan, nil
	}

	rootShare := rootValue.Div(nav)
	inputs["root_share"] = domain.RoundRatio(rootShare).String()
	inputs["root_target"] = p.floatSetting("strategy_root_target_pct", 0.30)
	inputs["max_position_share"] = p.floatSetting("strategy_max_position_pct", 0.20)

	cands, notes := p.collectCandidates(ctx, held, nav, rootShare)
	plan.Guardrails = notes
	cands = p.applyGuardrails(plan, cands)

	for _, c := range cands {
		rec := TradeRecommendation{
			CreatedAt:   plan.CreatedAt,
			PlanID:      plan.ID,
			Wallet:      wallet,
			Netuid:      c.netuid,
			Action:      c.action,
			SizeTao:     domain.RoundTao(c.size),
			Reason:      c.reason,
			SnapshotRef: snapshotRef,
			Status:      StatusProposed,
		}
		if err := p.repo.InsertRecommendation(&rec); err != nil {
			return nil, err
		}
		plan.Recommendations = append(plan.Recommendations, rec)
	}

	if err := p.markPositions(wallet, held, plan.Recommendations); err != nil {
		return nil, err
	}

	decision := "plan_created"
	if len(plan.Recommendations) == 0 {
		decision = "plan_no_action"
	}
	if err := p.record(plan, decision, inputs, eval); err != nil {
		return nil, err
	}

	p.log.Info().Str("wallet", wallet).Str("trigger", trigger).Str("plan_id", plan.ID).
		Int("recommendations", len(plan.Recommendations)).
		Str("trust_state", string(eval.State)).Msg("rebalance plan built")
	return plan, nil
}

func (p *Planner) collectCandidates(ctx context.Context, held []position.Position, nav, rootShare decimal.Decimal) ([]candidate, []string) {
	var cands []candidate
	var notes []string

	maxShare := p.ratioSetting("strategy_max_position_pct", 0.20)
	rootTarget := p.ratioSetting("strategy_root_target_pct", 0.30)
	drift := p.ratioSetting("strategy_rebalance_drift_pct", 0.05)

	trimmed := make(map[int]bool)

	// Forced trims from the regime policy come first. Dead subnets are
	// full exits, quarantine and risk-off shrink by the policy fraction.
	for i := range held {
		pos := &held[i]
		if pos.Netuid == domain.RootNetuid {
			continue
		}
		sn, err := p.subnets.Get(pos.Netuid)
		if err != nil {
			notes = append(notes, fmt.Sprintf("subnet %d: %v", pos.Netuid, err))
			continue
		}
		if sn == nil {
			notes = append(notes, fmt.Sprintf("subnet %d has no market data yet, skipped", pos.Netuid))
			continue
		}

		policy := regime.PolicyFor(sn.FlowRegime)
		if !policy.TrimPct.IsPositive() {
			continue
		}

		size := pos.TaoValueMid.Mul(policy.TrimPct)
		action := domain.ActionTrim
		reason := fmt.Sprintf("subnet %d is %s; policy trims %s%% of the position",
			pos.Netuid, sn.FlowRegime, policy.TrimPct.Mul(decimal.NewFromInt(100)).String())
		if policy.TrimPct.Equal(decimal.NewFromInt(1)) {
			action = domain.ActionExit
			reason = fmt.Sprintf("subnet %d is %s; full exit", pos.Netuid, sn.FlowRegime)
		}
		if est := p.slippage.ExitSlippage(ctx, pos.Netuid, size); est.SlippagePct.IsPositive() {
			reason += fmt.Sprintf(" (estimated exit slippage %s%%)",
				est.SlippagePct.Mul(decimal.NewFromInt(100)).StringFixed(2))
		}

		cands = append(cands, candidate{
			netuid:   pos.Netuid,
			action:   action,
			size:     size,
			reason:   reason,
			priority: trimPriority(sn.FlowRegime),
		})
		trimmed[pos.Netuid] = true
	}

	// Concentration trims for positions over the single-subnet cap.
	// Root is the reserve sleeve and carries its own, larger target.
	for i := range held {
		pos := &held[i]
		if pos.Netuid == domain.RootNetuid || trimmed[pos.Netuid] {
			continue
		}
		share := pos.TaoValueMid.Div(nav)
		if share.LessThanOrEqual(maxShare) {
			continue
		}
		cands = append(cands, candidate{
			netuid: pos.Netuid,
			action: domain.ActionTrim,
			size:   share.Sub(maxShare).Mul(nav),
			reason: fmt.Sprintf("position is %.1f%% of NAV, above the %.1f%% cap",
				sharePct(share), sharePct(maxShare)),
			priority: 0.7,
		})
		trimmed[pos.Netuid] = true
	}

	// Root drift: overweight root funds new subnet entries, underweight
	// root pulls capital back from the weakest holdings.
	gap := rootShare.Sub(rootTarget)
	switch {
	case gap.GreaterThan(drift):
		buys, buyNotes := p.buyCandidates(held, nav, maxShare, gap.Mul(nav))
		cands = append(cands, buys...)
		notes = append(notes, buyNotes...)
	case gap.Neg().GreaterThan(drift):
		cands = append(cands, p.restoreCandidates(held, trimmed, gap.Neg().Mul(nav))...)
	}

	return cands, notes
}

// buyCandidates spends the root overweight on the strongest viable
// subnets. Tier assignments come from the viability scorer; the flow
// regime still decides whether a subnet may receive new capital.
func (p *Planner) buyCandidates(held []position.Position, nav, maxShare, available decimal.Decimal) ([]candidate, []string) {
	all, err := p.subnets.GetActive()
	if err != nil {
		return nil, []string{fmt.Sprintf("failed to load subnets for buy candidates: %v", err)}
	}

	heldValue := make(map[int]decimal.Decimal, len(held))
	for _, pos := range held {
		heldValue[pos.Netuid] = pos.TaoValueMid
	}

	var pool []subnet.Subnet
	for _, sn := range all {
		if sn.Netuid == domain.RootNetuid || !sn.HasPrice() ||
			sn.ViabilityTier == nil || sn.ViabilityScore == nil {
			continue
		}
		switch *sn.ViabilityTier {
		case domain.TierOne, domain.TierTwo:
			pool = append(pool, sn)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return *pool[i].ViabilityScore > *pool[j].ViabilityScore
	})

	var cands []candidate
	var notes []string
	for i := range pool {
		sn := &pool[i]
		if !available.IsPositive() {
			break
		}
		policy := regime.PolicyFor(sn.FlowRegime)
		existing := heldValue[sn.Netuid]
		if existing.IsPositive() && !policy.AddsAllowed {
			continue
		}
		if !existing.IsPositive() && !policy.NewBuysAllowed {
			continue
		}
		headroom := maxShare.Mul(nav).Sub(existing)
		if !headroom.IsPositive() {
			notes = append(notes, fmt.Sprintf("subnet %d already at the position cap", sn.Netuid))
			continue
		}

		size := decimal.Min(available, headroom)
		cands = append(cands, candidate{
			netuid: sn.Netuid,
			action: domain.ActionAccumulate,
			size:   size,
			reason: fmt.Sprintf("%s subnet, viability score %.0f, %s regime; root sleeve above target",
				*sn.ViabilityTier, *sn.ViabilityScore, sn.FlowRegime),
			priority: 0.3 + (*sn.ViabilityScore/100)*0.3,
		})
		available = available.Sub(size)
	}
	return cands, notes
}

// restoreCandidates trims the weakest subnet holdings to refill an
// underweight root sleeve. Positions already being trimmed are passed
// over so the plan does not double-sell.
func (p *Planner) restoreCandidates(held []position.Position, trimmed map[int]bool, deficit decimal.Decimal) []candidate {
	type scored struct {
		pos   *position.Position
		score float64
	}
	var order []scored
	for i := range held {
		pos := &held[i]
		if pos.Netuid == domain.RootNetuid || trimmed[pos.Netuid] {
			continue
		}
		score := 0.0
		if sn, err := p.subnets.Get(pos.Netuid); err == nil && sn != nil && sn.ViabilityScore != nil {
			score = *sn.ViabilityScore
		}
		order = append(order, scored{pos: pos, score: score})
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].score < order[j].score })

	var cands []candidate
	for _, s := range order {
		if !deficit.IsPositive() {
			break
		}
		size := decimal.Min(deficit, s.pos.TaoValueMid)
		cands = append(cands, candidate{
			netuid: s.pos.Netuid,
			action: domain.ActionTrim,
			size:   size,
			reason: fmt.Sprintf("root sleeve below target; trimming the weakest holding (viability score %.0f)",
				s.score),
			priority: 0.65,
		})
		deficit = deficit.Sub(size)
	}
	return cands
}

// applyGuardrails drops trades below the minimum size, then clips the
// plan to its trade budget, keeping the highest-priority candidates.
func (p *Planner) applyGuardrails(plan *Plan, cands []candidate) []candidate {
	minTrade := decimal.NewFromFloat(p.floatSetting("strategy_min_trade_tao", 0.5))
	maxTrades := int(p.floatSetting("strategy_max_trades_per_plan", 4))

	kept := cands[:0:0]
	for _, c := range cands {
		if c.size.LessThan(minTrade) {
			plan.Guardrails = append(plan.Guardrails,
				fmt.Sprintf("dropped %s of %s TAO on subnet %d, below the %s TAO minimum",
					c.action, domain.RoundTao(c.size).String(), c.netuid, minTrade.String()))
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].priority > kept[j].priority })
	if maxTrades > 0 && len(kept) > maxTrades {
		plan.Guardrails = append(plan.Guardrails,
			fmt.Sprintf("clipped plan from %d to %d trades", len(kept), maxTrades))
		kept = kept[:maxTrades]
	}
	return kept
}

// markPositions writes each held position's recommended action.
// Positions the plan does not name are reset to hold.
func (p *Planner) markPositions(wallet string, held []position.Position, recs []TradeRecommendation) error {
	planned := make(map[int]domain.RecommendedAction, len(recs))
	for _, rec := range recs {
		planned[rec.Netuid] = rec.Action
	}
	for i := range held {
		pos := &held[i]
		action, ok := planned[pos.Netuid]
		if !ok {
			action = domain.ActionHold
		}
		if action == pos.RecommendedAction {
			continue
		}
		if err := p.positions.UpdateRecommendedAction(wallet, pos.Netuid, action); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) record(plan *Plan, decision string, inputs map[string]any, eval trust.Evaluation) error {
	inputs["recommendations"] = len(plan.Recommendations)

	entry := DecisionEntry{
		CreatedAt:  plan.CreatedAt,
		Wallet:     plan.Wallet,
		Decision:   decision,
		Inputs:     inputs,
		Guardrails: plan.Guardrails,
	}
	if err := p.repo.InsertDecision(&entry); err != nil {
		return err
	}

	evidence := make([]string, 0, len(plan.Recommendations))
	for _, rec := range plan.Recommendations {
		evidence = append(evidence, fmt.Sprintf("%s %s TAO on subnet %d: %s",
			rec.Action, rec.SizeTao.String(), rec.Netuid, rec.Reason))
	}
	run := SignalRun{
		CreatedAt:  plan.CreatedAt,
		Signal:     SignalRebalancePlan,
		Wallet:     plan.Wallet,
		Confidence: confidenceFor(eval.State),
		TrustState: eval.State,
		Output: map[string]any{
			"plan_id":         plan.ID,
			"trigger":         plan.Trigger,
			"decision":        decision,
			"recommendations": len(plan.Recommendations),
		},
		Evidence:            evidence,
		GuardrailsTriggered: plan.Guardrails,
	}
	return p.repo.InsertSignalRun(&run)
}

func confidenceFor(state domain.TrustState) float64 {
	switch state {
	case domain.TrustOK:
		return 1.0
	case domain.TrustDegraded:
		return 0.5
	default:
		return 0
	}
}

func trimPriority(r domain.FlowRegime) float64 {
	switch r {
	case domain.RegimeDead:
		return 1.0
	case domain.RegimeQuarantine:
		return 0.9
	default:
		return 0.8
	}
}

func (p *Planner) floatSetting(key string, def float64) float64 {
	v, err := p.settings.GetFloat(key, def)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (p *Planner) ratioSetting(key string, def float64) decimal.Decimal {
	return decimal.NewFromFloat(p.floatSetting(key, def))
}

func sharePct(d decimal.Decimal) float64 {
	f, _ := d.Mul(decimal.NewFromInt(100)).Float64()
	return f
}
