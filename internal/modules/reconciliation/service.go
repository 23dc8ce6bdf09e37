package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/metrics"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/settings"
)

// Service runs reconciliation passes: live balances from upstream against
// the stored position book. Runs are read-only on positions and may execute
// concurrently with sync tiers.
type Service struct {
	runs      *Repository
	positions *position.Repository
	client    *taostats.Client
	settings  *settings.Repository
	log       zerolog.Logger
}

// NewService creates a new reconciliation service.
func NewService(runs *Repository, positions *position.Repository, client *taostats.Client, settingsRepo *settings.Repository, log zerolog.Logger) *Service {
	return &Service{
		runs:      runs,
		positions: positions,
		client:    client,
		settings:  settingsRepo,
		log:       log.With().Str("service", "reconciliation").Logger(),
	}
}

// Reconcile checks one wallet's stored positions against live upstream
// balances and persists the run. A fetch failure still persists the run with
// its error message so the trust gate sees the attempt.
func (s *Service) Reconcile(ctx context.Context, wallet string) (*Run, error) {
	run := &Run{
		RunID:      uuid.NewString(),
		Wallet:     wallet,
		StartedAt:  time.Now().UTC(),
		Tolerances: s.tolerances(),
	}

	balances, err := s.client.GetStakeBalances(ctx, wallet)
	if err != nil {
		msg := err.Error()
		run.Error = &msg
		s.finish(run)
		return run, fmt.Errorf("failed to fetch live balances for %s: %w", wallet, err)
	}

	positions, err := s.positions.GetByWallet(wallet)
	if err != nil {
		msg := err.Error()
		run.Error = &msg
		s.finish(run)
		return run, err
	}

	live := make(map[int]decimal.Decimal)
	for _, b := range balances {
		live[b.Netuid] = live[b.Netuid].Add(b.BalanceAsTao.Shift(-9))
	}
	stored := make(map[int]decimal.Decimal, len(positions))
	for i := range positions {
		stored[positions[i].Netuid] = positions[i].TaoValueMid
	}

	run.Checks = CompareBooks(stored, live, run.Tolerances)
	run.TotalChecks = len(run.Checks)
	for _, c := range run.Checks {
		if c.Passed {
			run.Passed++
		} else {
			run.Failed++
		}
	}
	run.DriftDetected = run.Failed > 0
	s.finish(run)

	s.log.Info().
		Str("wallet", wallet).
		Str("run_id", run.RunID).
		Int("checks", run.TotalChecks).
		Int("failed", run.Failed).
		Bool("drift", run.DriftDetected).
		Msg("reconciliation run complete")
	return run, nil
}

// ReconcileAll runs every given wallet, accumulating failures.
func (s *Service) ReconcileAll(ctx context.Context, wallets []string) ([]Run, []error) {
	var runs []Run
	var errs []error
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return runs, append(errs, err)
		}
		run, err := s.Reconcile(ctx, w)
		if err != nil {
			errs = append(errs, err)
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}
	return runs, errs
}

// LatestRun exposes the most recent run across wallets for the trust gate.
func (s *Service) LatestRun() (*Run, error) {
	return s.runs.GetLatestAny()
}

func (s *Service) finish(run *Run) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := s.runs.Insert(run); err != nil {
		s.log.Error().Err(err).Str("run_id", run.RunID).Msg("failed to persist reconciliation run")
	}
	result := "ok"
	if run.Error != nil {
		result = "error"
	}
	metrics.ReconciliationRun(result, run.DriftDetected)
}

// tolerances resolves the run tolerances from settings, falling back to the
// shipped defaults on any parse problem.
func (s *Service) tolerances() Tolerances {
	tol := Tolerances{
		AbsoluteTao: decimal.RequireFromString("0.0005"),
		Relative:    decimal.RequireFromString("0.001"),
	}
	if raw, err := s.settings.Get("reconcile_abs_tolerance_tao"); err == nil && raw != nil {
		if d, err := decimal.NewFromString(*raw); err == nil && !d.IsNegative() {
			tol.AbsoluteTao = d
		}
	}
	if raw, err := s.settings.Get("reconcile_rel_tolerance"); err == nil && raw != nil {
		if d, err := decimal.NewFromString(*raw); err == nil && !d.IsNegative() {
			tol.Relative = d
		}
	}
	return tol
}
