// Package trust aggregates sync freshness, per-dataset health and
// reconciliation outcomes into a single gate state. Advisory signals consult
// the gate before publishing; a blocked gate collapses their confidence.
package trust

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/reconciliation"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/syncstatus"
)

// Evaluation is the gate's verdict with the evidence that produced it.
type Evaluation struct {
	State     domain.TrustState
	Reasons   []string
	CheckedAt time.Time
}

// Blocked reports whether advisory outputs must be collapsed.
func (e Evaluation) Blocked() bool {
	return e.State == domain.TrustBlocked
}

// Reason renders the evidence as one human-readable line.
func (e Evaluation) Reason() string {
	if len(e.Reasons) == 0 {
		return "all trust inputs healthy"
	}
	msg := e.Reasons[0]
	for _, r := range e.Reasons[1:] {
		msg += "; " + r
	}
	return msg
}

// Gate evaluates the three trust inputs on demand. It holds no state of its
// own; every call reads the current rows.
type Gate struct {
	syncs    *syncstatus.Repository
	runs     *reconciliation.Repository
	settings *settings.Repository
	log      zerolog.Logger
}

// NewGate creates a new trust gate.
func NewGate(syncs *syncstatus.Repository, runs *reconciliation.Repository, settingsRepo *settings.Repository, log zerolog.Logger) *Gate {
	return &Gate{
		syncs:    syncs,
		runs:     runs,
		settings: settingsRepo,
		log:      log.With().Str("service", "trust_gate").Logger(),
	}
}

// Evaluate aggregates the inputs. Any blocked input blocks the gate; any
// degraded input without a blocked one degrades it.
func (g *Gate) Evaluate(now time.Time) (Evaluation, error) {
	eval := Evaluation{State: domain.TrustOK, CheckedAt: now}
	blocked := false
	degrade := func(reason string) {
		eval.Reasons = append(eval.Reasons, reason)
	}
	block := func(reason string) {
		blocked = true
		eval.Reasons = append(eval.Reasons, reason)
	}

	statuses, err := g.syncs.GetAll()
	if err != nil {
		return eval, err
	}

	var newest int64
	for _, st := range statuses {
		if st.LastSuccess > newest {
			newest = st.LastSuccess
		}
	}
	staleness := g.stalenessWindow()
	switch {
	case newest == 0:
		block("no dataset has ever synced successfully")
	case now.Sub(time.Unix(newest, 0)) > staleness:
		degrade(fmt.Sprintf("last sync success %s ago exceeds %s",
			now.Sub(time.Unix(newest, 0)).Round(time.Minute), staleness))
	}

	maxFailures := g.maxConsecutiveFailures()
	for _, st := range statuses {
		if st.LastSuccess == 0 {
			block(fmt.Sprintf("dataset %s has never synced successfully", st.Dataset))
			continue
		}
		if st.ConsecutiveFailures > maxFailures {
			degrade(fmt.Sprintf("dataset %s failing %d times in a row", st.Dataset, st.ConsecutiveFailures))
		}
	}

	run, err := g.runs.GetLatestAny()
	if err != nil {
		return eval, err
	}
	switch {
	case run == nil:
		degrade("no reconciliation run recorded yet")
	case run.DriftDetected:
		degrade(fmt.Sprintf("last reconciliation (%s) detected drift in %d of %d checks",
			run.RunID, run.Failed, run.TotalChecks))
	case now.Sub(run.StartedAt) > g.reconMaxAge():
		degrade(fmt.Sprintf("last reconciliation %s ago exceeds %s",
			now.Sub(run.StartedAt).Round(time.Hour), g.reconMaxAge()))
	}

	switch {
	case blocked:
		eval.State = domain.TrustBlocked
	case len(eval.Reasons) > 0:
		eval.State = domain.TrustDegraded
	}
	if eval.State != domain.TrustOK {
		g.log.Warn().Str("state", string(eval.State)).Str("reason", eval.Reason()).Msg("trust gate not ok")
	}
	return eval, nil
}

func (g *Gate) stalenessWindow() time.Duration {
	minutes, err := g.settings.GetFloat("trust_staleness_minutes", 15)
	if err != nil || minutes <= 0 {
		minutes = 15
	}
	return time.Duration(minutes * float64(time.Minute))
}

func (g *Gate) reconMaxAge() time.Duration {
	hours, err := g.settings.GetFloat("trust_recon_max_age_hours", 24)
	if err != nil || hours <= 0 {
		hours = 24
	}
	return time.Duration(hours * float64(time.Hour))
}

func (g *Gate) maxConsecutiveFailures() int {
	n, err := g.settings.GetInt("trust_max_consecutive_failures", 3)
	if err != nil || n <= 0 {
		n = 3
	}
	return n
}
