package regime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/subnet"
)

// Service runs regime passes: it classifies each subnet from its fresh flow
// metrics, advances the persistence state and writes the result back to the
// subnet row.
type Service struct {
	subnets  *subnet.Repository
	settings *settings.Repository
	log      zerolog.Logger
}

// NewService creates a new regime service.
func NewService(subnets *subnet.Repository, settingsRepo *settings.Repository, log zerolog.Logger) *Service {
	return &Service{
		subnets:  subnets,
		settings: settingsRepo,
		log:      log.With().Str("service", "regime").Logger(),
	}
}

// Evaluate runs one pass over every subnet with freshly computed flow
// metrics and returns the committed regime per netuid. Per-subnet failures
// are accumulated; one bad row never stalls the rest of the pass.
func (s *Service) Evaluate(ctx context.Context, metrics map[int]subnet.FlowMetrics) (map[int]domain.FlowRegime, []error) {
	thresholds := s.loadThresholds()
	persistence := s.loadPersistence()
	now := time.Now().UTC()

	committed := make(map[int]domain.FlowRegime, len(metrics))
	var errs []error
	for netuid, m := range metrics {
		if err := ctx.Err(); err != nil {
			return committed, append(errs, err)
		}
		current, err := s.subnets.Get(netuid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if current == nil {
			errs = append(errs, fmt.Errorf("subnet %d has flow metrics but no row", netuid))
			continue
		}

		candidate := Classify(m, current.PoolTaoReserve, thresholds)
		state := State{
			Current:       current.FlowRegime,
			Since:         current.FlowRegimeSince,
			Candidate:     current.RegimeCandidate,
			CandidateDays: current.RegimeCandidateDays,
		}
		next, transitioned := Advance(state, candidate, persistence, now)
		if err := s.subnets.UpdateRegime(netuid, next.Current, next.Since, next.Candidate, next.CandidateDays); err != nil {
			errs = append(errs, err)
			continue
		}
		committed[netuid] = next.Current

		if transitioned {
			s.log.Info().
				Int("netuid", netuid).
				Str("from", string(state.Current)).
				Str("to", string(next.Current)).
				Msg("regime transition committed")
		}
	}
	return committed, errs
}

func (s *Service) loadThresholds() Thresholds {
	th := DefaultThresholds()
	if q, err := s.settings.GetFloat("regime_quarantine_threshold", -0.15); err == nil {
		th.Quarantine = decimal.NewFromFloat(q)
	}
	if r, err := s.settings.GetFloat("regime_risk_off_threshold", -0.05); err == nil {
		th.RiskOff = decimal.NewFromFloat(r)
	}
	return th
}

func (s *Service) loadPersistence() Persistence {
	p := DefaultPersistence()
	if enabled, err := s.settings.GetBool("regime_persistence_enabled", true); err == nil {
		p.Enabled = enabled
	}
	keys := map[domain.FlowRegime]string{
		domain.RegimeDead:       "regime_persistence_dead",
		domain.RegimeQuarantine: "regime_persistence_quarantine",
		domain.RegimeRiskOff:    "regime_persistence_risk_off",
		domain.RegimeRiskOn:     "regime_persistence_risk_on",
		domain.RegimeNeutral:    "regime_persistence_neutral",
	}
	for regime, key := range keys {
		if n, err := s.settings.GetInt(key, p.Required[regime]); err == nil && n > 0 {
			p.Required[regime] = n
		}
	}
	return p
}
