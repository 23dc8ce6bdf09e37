package wallet

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Service provides wallet business logic.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a new wallet service.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "wallet").Logger(),
	}
}

// EnsureTracked registers the configured wallet addresses, creating any
// that are new and reactivating any that were deactivated. Called at
// startup so configuration and database agree on the tracked set.
func (s *Service) EnsureTracked(addresses []string) error {
	for _, address := range addresses {
		if err := ValidateAddress(address); err != nil {
			return fmt.Errorf("invalid wallet address %q: %w", address, err)
		}

		existing, err := s.repo.GetByAddress(address)
		if err != nil {
			return err
		}

		if existing == nil {
			if _, err := s.repo.Create(address, ""); err != nil {
				return err
			}
			s.log.Info().Str("address", address).Msg("Registered wallet")
			continue
		}

		if !existing.Active {
			if err := s.repo.SetActive(address, true); err != nil {
				return err
			}
			s.log.Info().Str("address", address).Msg("Reactivated wallet")
		}
	}
	return nil
}

// Deactivate soft-removes a wallet from sync runs. Its positions,
// transactions and snapshots survive.
func (s *Service) Deactivate(address string) error {
	if err := s.repo.SetActive(address, false); err != nil {
		return err
	}
	s.log.Info().Str("address", address).Msg("Deactivated wallet")
	return nil
}

// Active returns the wallets that participate in sync runs.
func (s *Service) Active() ([]Wallet, error) {
	return s.repo.GetActive()
}

// All returns every known wallet.
func (s *Service) All() ([]Wallet, error) {
	return s.repo.GetAll()
}
