package viability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/modules/subnet"
)

// Service owns the in-memory scorer and writes scoring outcomes back to the
// subnet rows. The scorer is built lazily from the active config and dropped
// whenever an admin update lands.
type Service struct {
	configs *ConfigRepository
	subnets *subnet.Repository
	log     zerolog.Logger

	mu     sync.Mutex
	scorer *Scorer
}

// NewService creates a new viability service.
func NewService(configs *ConfigRepository, subnets *subnet.Repository, log zerolog.Logger) *Service {
	return &Service{
		configs: configs,
		subnets: subnets,
		log:     log.With().Str("service", "viability").Logger(),
	}
}

// ScoreActive scores every active subnet and persists score and tier.
// Returns the outcomes so the caller can feed eligibility downstream.
func (s *Service) ScoreActive(ctx context.Context) ([]Outcome, error) {
	scorer, err := s.currentScorer()
	if err != nil {
		return nil, err
	}
	subnets, err := s.subnets.GetActive()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcomes := scorer.ScoreAll(subnets)
	hardFails := 0
	for _, o := range outcomes {
		if err := s.subnets.UpdateViability(o.Netuid, o.Score, o.Tier); err != nil {
			return outcomes, err
		}
		if o.HardFail != "" {
			hardFails++
			s.log.Debug().Int("netuid", o.Netuid).Str("gate", o.HardFail).Msg("subnet failed viability gate")
		}
	}
	s.log.Debug().Int("scored", len(outcomes)-hardFails).Int("hard_fails", hardFails).Msg("viability pass complete")
	return outcomes, nil
}

// UpdateConfig validates and activates a new configuration, then drops the
// cached scorer so the next pass picks it up.
func (s *Service) UpdateConfig(cfg Config) (*Config, error) {
	activated, err := s.configs.Activate(cfg)
	if err != nil {
		return nil, err
	}
	s.Invalidate()
	return activated, nil
}

// ActiveConfig returns the configuration the next pass will score with.
func (s *Service) ActiveConfig() (Config, error) {
	scorer, err := s.currentScorer()
	if err != nil {
		return Config{}, err
	}
	return scorer.Config(), nil
}

// Invalidate drops the cached scorer.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.scorer = nil
	s.mu.Unlock()
}

// currentScorer returns the cached scorer, building it from the active
// config row or the static defaults when none is stored.
func (s *Service) currentScorer() (*Scorer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scorer != nil {
		return s.scorer, nil
	}
	cfg, err := s.configs.GetActive()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	s.scorer = NewScorer(*cfg)
	return s.scorer, nil
}
