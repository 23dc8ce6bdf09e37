package alerts

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/history"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/trust"
)

// Service runs the risk-indicator pass of the full sync tier: it inspects
// positions, regimes, viability tiers, drawdown and the trust gate, and
// raises an Alert for every finding. A finding already alerted inside the
// dedup window is skipped so a persistent condition produces one row, not
// one per run.
type Service struct {
	alerts    *Repository
	positions *position.Repository
	subnets   *subnet.Repository
	navs      *history.Store
	gate      *trust.Gate
	settings  *settings.Repository
	log       zerolog.Logger
}

// NewService creates a new alert service.
func NewService(alerts *Repository, positions *position.Repository, subnets *subnet.Repository,
	navs *history.Store, gate *trust.Gate, settingsRepo *settings.Repository, log zerolog.Logger) *Service {
	return &Service{
		alerts:    alerts,
		positions: positions,
		subnets:   subnets,
		navs:      navs,
		gate:      gate,
		settings:  settingsRepo,
		log:       log.With().Str("service", "alerts").Logger(),
	}
}

// Run evaluates every indicator for the given wallets. Per-indicator
// failures accumulate; one broken input never silences the others. Returns
// the alerts actually raised (deduplicated ones are not included).
func (s *Service) Run(now time.Time, wallets []string, snapshotRef string) ([]Alert, []error) {
	var raised []Alert
	var errs []error

	dedupFrom := now.Add(-s.dedupWindow()).Unix()
	raise := func(a Alert) {
		exists, err := s.alerts.ExistsSince(a.Category, a.Wallet, a.Netuid, dedupFrom)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if exists {
			s.log.Debug().Str("category", string(a.Category)).Str("wallet", a.Wallet).
				Msg("indicator already alerted inside dedup window")
			return
		}
		a.CreatedAt = now.Unix()
		a.SnapshotRef = snapshotRef
		if err := s.alerts.Insert(&a); err != nil {
			errs = append(errs, err)
			return
		}
		s.log.Warn().Str("severity", string(a.Severity)).Str("category", string(a.Category)).
			Str("wallet", a.Wallet).Msg(a.Message)
		raised = append(raised, a)
	}

	if alert, err := s.checkTrust(now); err != nil {
		errs = append(errs, err)
	} else if alert != nil {
		raise(*alert)
	}

	for _, wallet := range wallets {
		walletAlerts, walletErrs := s.checkWallet(wallet)
		errs = append(errs, walletErrs...)
		for _, a := range walletAlerts {
			raise(a)
		}
	}

	return raised, errs
}

// checkTrust turns a degraded or blocked gate into an alert. An ok gate
// yields nothing.
func (s *Service) checkTrust(now time.Time) (*Alert, error) {
	eval, err := s.gate.Evaluate(now)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate trust gate: %w", err)
	}
	switch eval.State {
	case domain.TrustBlocked:
		return &Alert{
			Severity: SeverityCritical,
			Category: CategoryTrust,
			Message:  fmt.Sprintf("trust gate blocked: %s", eval.Reason()),
		}, nil
	case domain.TrustDegraded:
		return &Alert{
			Severity: SeverityWarning,
			Category: CategoryTrust,
			Message:  fmt.Sprintf("trust gate degraded: %s", eval.Reason()),
		}, nil
	}
	return nil, nil
}

// checkWallet evaluates the position-level and wallet-level indicators.
func (s *Service) checkWallet(wallet string) ([]Alert, []error) {
	var alerts []Alert
	var errs []error

	positions, err := s.positions.GetActiveByWallet(wallet)
	if err != nil {
		return nil, []error{err}
	}

	navMid := decimal.Zero
	for _, p := range positions {
		navMid = navMid.Add(p.TaoValueMid)
	}
	maxShare := s.maxPositionShare()

	for i := range positions {
		p := &positions[i]
		if p.Netuid == domain.RootNetuid {
			continue
		}

		sub, err := s.subnets.Get(p.Netuid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sub != nil {
			if a := regimeAlert(p, sub); a != nil {
				alerts = append(alerts, *a)
			}
			if a := viabilityAlert(p, sub); a != nil {
				alerts = append(alerts, *a)
			}
		}

		if navMid.IsPositive() && maxShare > 0 {
			share, _ := p.TaoValueMid.Div(navMid).Float64()
			if share > maxShare {
				netuid := p.Netuid
				alerts = append(alerts, Alert{
					Severity: SeverityWarning,
					Category: CategoryConcentration,
					Wallet:   wallet,
					Netuid:   &netuid,
					Message: fmt.Sprintf("subnet %d holds %.1f%% of NAV, above the %.1f%% cap",
						p.Netuid, share*100, maxShare*100),
				})
			}
		}
	}

	if a, err := s.drawdownAlert(wallet); err != nil {
		errs = append(errs, err)
	} else if a != nil {
		alerts = append(alerts, *a)
	}

	return alerts, errs
}

func regimeAlert(p *position.Position, sub *subnet.Subnet) *Alert {
	var severity Severity
	switch sub.FlowRegime {
	case domain.RegimeDead:
		severity = SeverityCritical
	case domain.RegimeQuarantine:
		severity = SeverityWarning
	default:
		return nil
	}
	netuid := p.Netuid
	return &Alert{
		Severity: severity,
		Category: CategoryRegime,
		Wallet:   p.Wallet,
		Netuid:   &netuid,
		Message: fmt.Sprintf("subnet %d is in %s regime; position holds %s TAO",
			p.Netuid, sub.FlowRegime, domain.RoundTao(p.TaoValueMid)),
	}
}

func viabilityAlert(p *position.Position, sub *subnet.Subnet) *Alert {
	if sub.ViabilityTier == nil || *sub.ViabilityTier != domain.TierUnviable {
		return nil
	}
	netuid := p.Netuid
	return &Alert{
		Severity: SeverityWarning,
		Category: CategoryViability,
		Wallet:   p.Wallet,
		Netuid:   &netuid,
		Message: fmt.Sprintf("subnet %d scored unviable; position holds %s TAO",
			p.Netuid, domain.RoundTao(p.TaoValueMid)),
	}
}

// drawdownAlert compares the latest NAV bar's drawdown to the configured
// ceiling. Wallets without NAV history yield nothing.
func (s *Service) drawdownAlert(wallet string) (*Alert, error) {
	day, err := s.navs.LatestNAV(wallet)
	if err != nil {
		return nil, err
	}
	if day == nil {
		return nil, nil
	}
	limit := s.drawdownLimit()
	if limit <= 0 || day.DrawdownPct < limit {
		return nil, nil
	}
	return &Alert{
		Severity: SeverityCritical,
		Category: CategoryDrawdown,
		Wallet:   wallet,
		Message: fmt.Sprintf("portfolio drawdown %.1f%% from ATH exceeds the %.1f%% limit",
			day.DrawdownPct*100, limit*100),
	}, nil
}

func (s *Service) dedupWindow() time.Duration {
	hours, err := s.settings.GetFloat("alert_dedup_hours", 24)
	if err != nil || hours <= 0 {
		hours = 24
	}
	return time.Duration(hours * float64(time.Hour))
}

func (s *Service) drawdownLimit() float64 {
	limit, err := s.settings.GetFloat("alert_drawdown_pct", 0.15)
	if err != nil || limit <= 0 {
		limit = 0.15
	}
	return limit
}

func (s *Service) maxPositionShare() float64 {
	share, err := s.settings.GetFloat("strategy_max_position_pct", 0.20)
	if err != nil || share <= 0 {
		share = 0.20
	}
	return share
}
