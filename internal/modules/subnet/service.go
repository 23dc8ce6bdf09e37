package subnet

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
)

// Service keeps subnet state in sync with the upstream API and derives the
// flow statistics the regime machine consumes.
type Service struct {
	repo       *Repository
	client     *taostats.Client
	minRecords int
	log        zerolog.Logger
}

// NewService creates a new subnet service. minRecords is the smallest
// upstream row count accepted as a valid whole-dataset sync.
func NewService(repo *Repository, client *taostats.Client, minRecords int, log zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		client:     client,
		minRecords: minRecords,
		log:        log.With().Str("service", "subnet").Logger(),
	}
}

// SyncPools overwrites pool state for every subnet from /pool/latest.
func (s *Service) SyncPools(ctx context.Context) (int, error) {
	pools, err := s.client.GetPoolLatest(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pools: %w", err)
	}
	if len(pools) < s.minRecords {
		return 0, &domain.TooFewRecordsError{Dataset: "pools", Got: len(pools), Min: s.minRecords}
	}

	for _, p := range pools {
		if err := s.repo.UpsertPool(p); err != nil {
			return 0, err
		}
	}
	s.log.Debug().Int("subnets", len(pools)).Msg("pool state synced")
	return len(pools), nil
}

// SyncMetadata overwrites registration and emission metadata from
// /subnet/latest.
func (s *Service) SyncMetadata(ctx context.Context) (int, error) {
	infos, err := s.client.GetSubnets(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch subnet metadata: %w", err)
	}
	if len(infos) < s.minRecords {
		return 0, &domain.TooFewRecordsError{Dataset: "subnets", Got: len(infos), Min: s.minRecords}
	}

	for _, info := range infos {
		if err := s.repo.UpsertMetadata(info); err != nil {
			return 0, err
		}
	}
	s.log.Debug().Int("subnets", len(infos)).Msg("subnet metadata synced")
	return len(infos), nil
}

// SyncFlowMetrics recomputes flows, the 7d price trend and the 30d drawdown
// for the given subnets from pool history, persists them, and returns the
// computed metrics keyed by netuid so the caller can feed them straight into
// the regime machine. Per-subnet failures are accumulated so one bad subnet
// does not starve the rest; Root is skipped because it has no pool.
func (s *Service) SyncFlowMetrics(ctx context.Context, netuids []int) (map[int]FlowMetrics, []error) {
	var errs []error
	computed := make(map[int]FlowMetrics, len(netuids))
	now := time.Now().UTC()
	startDate := now.AddDate(0, 0, -(drawdownWindowDays + 1)).Format("2006-01-02")
	endDate := now.Format("2006-01-02")

	for _, netuid := range netuids {
		if netuid == domain.RootNetuid {
			continue
		}
		if err := ctx.Err(); err != nil {
			return computed, append(errs, err)
		}

		history, err := s.client.GetPoolHistory(ctx, netuid, startDate, endDate)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fetch pool history for subnet %d: %w", netuid, err))
			continue
		}
		metrics := ComputeFlowMetrics(history, now)
		if err := s.repo.UpdateFlowMetrics(netuid, metrics); err != nil {
			errs = append(errs, err)
			continue
		}
		computed[netuid] = metrics
	}
	return computed, errs
}
