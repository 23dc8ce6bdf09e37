package slippage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/settings"
)

// Service maintains the per-subnet slippage surface and answers interpolated
// estimates for arbitrary trade sizes. Root has no pool, so its slippage is
// always zero.
type Service struct {
	repo     *Repository
	client   *taostats.Client
	settings *settings.Repository
	log      zerolog.Logger
}

// NewService creates a new slippage service.
func NewService(repo *Repository, client *taostats.Client, settingsRepo *settings.Repository, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		client:   client,
		settings: settingsRepo,
		log:      log.With().Str("service", "slippage").Logger(),
	}
}

// RefreshSubnet re-quotes the full surface for one subnet: every sampled
// size in both directions. Per-point failures are accumulated so a single
// bad quote does not lose the rest of the surface.
func (s *Service) RefreshSubnet(ctx context.Context, netuid int) []error {
	if netuid == domain.RootNetuid {
		return nil
	}
	ttl := s.surfaceTTL()
	var errs []error
	for _, action := range []string{ActionStake, ActionUnstake} {
		for _, size := range SurfaceSizes {
			if err := ctx.Err(); err != nil {
				return append(errs, err)
			}
			quote, err := s.client.GetSlippage(ctx, netuid, size, action)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to quote slippage %d/%s/%s: %w",
					netuid, action, size.String(), err))
				continue
			}
			if err := s.repo.Upsert(surfaceFromQuote(quote, size, ttl)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// RefreshAll re-quotes surfaces for every given subnet.
func (s *Service) RefreshAll(ctx context.Context, netuids []int) []error {
	var errs []error
	for _, netuid := range netuids {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		errs = append(errs, s.RefreshSubnet(ctx, netuid)...)
	}
	return errs
}

// Estimate returns the slippage for moving sizeTao through a subnet pool.
// Resolution order: fresh cached surface, stale surface (only when the
// caller opted in), a live single-point quote, and finally the conservative
// default, flagged so downstream consumers can tell it apart from real data.
func (s *Service) Estimate(ctx context.Context, netuid int, action string, sizeTao decimal.Decimal, allowStale bool) Estimate {
	est := Estimate{Netuid: netuid, Action: action, SizeTao: sizeTao}
	if netuid == domain.RootNetuid {
		est.SlippagePct = decimal.Zero
		return est
	}

	surface, err := s.repo.GetSurface(netuid, action)
	if err != nil {
		s.log.Warn().Err(err).Int("netuid", netuid).Msg("failed to read slippage surface")
	}

	now := time.Now().UTC()
	fresh := surface[:0:0]
	for _, p := range surface {
		if !p.Expired(now) {
			fresh = append(fresh, p)
		}
	}

	switch {
	case len(fresh) > 0:
		est.SlippagePct = interpolateSurface(fresh, sizeTao)
		return est
	case len(surface) > 0 && allowStale:
		est.SlippagePct = interpolateSurface(surface, sizeTao)
		est.Stale = true
		return est
	}

	if quote, err := s.client.GetSlippage(ctx, netuid, sizeTao, action); err == nil {
		point := surfaceFromQuote(quote, sizeTao, s.surfaceTTL())
		if err := s.repo.Upsert(point); err != nil {
			s.log.Warn().Err(err).Int("netuid", netuid).Msg("failed to cache live slippage quote")
		}
		est.SlippagePct = point.SlippagePct
		return est
	}

	defaultPct, err := s.settings.GetFloat("slippage_default_pct", 0.02)
	if err != nil {
		defaultPct = 0.02
	}
	est.SlippagePct = decimal.NewFromFloat(defaultPct)
	est.Fallback = true
	s.log.Debug().Int("netuid", netuid).Str("action", action).
		Str("size_tao", sizeTao.String()).Msg("no slippage surface cached, using default")
	return est
}

// ExitSlippage estimates the cost of unstaking sizeTao. Used for executable
// NAV, where stale surfaces are better than the blanket default.
func (s *Service) ExitSlippage(ctx context.Context, netuid int, sizeTao decimal.Decimal) Estimate {
	return s.Estimate(ctx, netuid, ActionUnstake, sizeTao, true)
}

func (s *Service) surfaceTTL() time.Duration {
	minutes, err := s.settings.GetFloat("slippage_surface_ttl_minutes", 5)
	if err != nil || minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes * float64(time.Minute))
}

func surfaceFromQuote(q *taostats.SlippageQuote, sizeTao decimal.Decimal, ttl time.Duration) Surface {
	now := time.Now().UTC()
	return Surface{
		Netuid:           q.Netuid,
		Action:           q.Action,
		SizeTao:          sizeTao,
		SlippagePct:      q.SlippagePct,
		ExpectedOutput:   q.ExpectedOutput,
		PoolTaoReserve:   q.TaoReserve,
		PoolAlphaReserve: q.AlphaReserve,
		ComputedAt:       now,
		ExpiresAt:        now.Add(ttl),
	}
}

// interpolateSurface linearly interpolates between the two nearest cached
// sizes. Sizes outside the cached envelope clamp to the nearest endpoint, so
// the result always lies within the cached slippage range.
func interpolateSurface(points []Surface, size decimal.Decimal) decimal.Decimal {
	first := points[0]
	if size.LessThanOrEqual(first.SizeTao) {
		return first.SlippagePct
	}
	last := points[len(points)-1]
	if size.GreaterThanOrEqual(last.SizeTao) {
		return last.SlippagePct
	}
	for i := 1; i < len(points); i++ {
		hi := points[i]
		if size.GreaterThan(hi.SizeTao) {
			continue
		}
		lo := points[i-1]
		span := hi.SizeTao.Sub(lo.SizeTao)
		if span.IsZero() {
			return lo.SlippagePct
		}
		frac := size.Sub(lo.SizeTao).Div(span)
		return lo.SlippagePct.Add(hi.SlippagePct.Sub(lo.SlippagePct).Mul(frac))
	}
	return last.SlippagePct
}
