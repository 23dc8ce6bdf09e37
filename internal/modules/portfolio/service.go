// Package portfolio aggregates a wallet's positions into point-in-time
// snapshots: NAV in mid and executable terms, the Root / subnet-sleeve /
// buffer allocation split, 30-day turnover and the portfolio-level regime
// rollup. Snapshots are append-only history; the earnings identity and the
// NAV series both anchor on them.
package portfolio

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/metrics"
	"github.com/taovault/taovault/internal/modules/history"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/regime"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/transaction"
)

// Service builds and persists portfolio snapshots.
type Service struct {
	positions    *position.Repository
	subnets      *subnet.Repository
	transactions *transaction.Repository
	store        *history.Store
	log          zerolog.Logger
}

// NewService creates a new portfolio service.
func NewService(positions *position.Repository, subnets *subnet.Repository,
	transactions *transaction.Repository, store *history.Store, log zerolog.Logger) *Service {
	return &Service{
		positions:    positions,
		subnets:      subnets,
		transactions: transactions,
		store:        store,
		log:          log.With().Str("service", "portfolio").Logger(),
	}
}

// Snapshot aggregates the wallet's open positions into one portfolio
// snapshot, records a position snapshot per open position, persists the
// aggregate and updates the NAV gauges.
//
// The free-balance buffer is carried as zero: the upstream surface exposes
// stake data only, so everything the service can see is either Root or
// sleeve. The bucket stays in the snapshot for when coldkey balances become
// observable.
func (s *Service) Snapshot(wallet string, now time.Time) (*history.PortfolioSnapshot, error) {
	positions, err := s.positions.GetActiveByWallet(wallet)
	if err != nil {
		return nil, err
	}

	snap := &history.PortfolioSnapshot{
		Wallet:                  wallet,
		Timestamp:               now.Unix(),
		NavMidTao:               decimal.Zero,
		NavExecTao:              decimal.Zero,
		RootValueTao:            decimal.Zero,
		SubnetValueTao:          decimal.Zero,
		BufferValueTao:          decimal.Zero,
		TotalUnrealizedPnlTao:   decimal.Zero,
		TotalUnrealizedYieldTao: decimal.Zero,
	}

	var weights []regime.Weight
	for i := range positions {
		p := &positions[i]

		if p.Netuid == domain.RootNetuid {
			snap.RootValueTao = snap.RootValueTao.Add(p.TaoValueMid)
		} else {
			snap.SubnetValueTao = snap.SubnetValueTao.Add(p.TaoValueMid)
			w, err := s.regimeWeight(p)
			if err != nil {
				return nil, err
			}
			weights = append(weights, w)
		}

		snap.NavMidTao = snap.NavMidTao.Add(p.TaoValueMid)
		snap.NavExecTao = snap.NavExecTao.Add(execValue(p))
		snap.TotalUnrealizedPnlTao = snap.TotalUnrealizedPnlTao.Add(p.UnrealizedPnlTao)
		snap.TotalUnrealizedYieldTao = snap.TotalUnrealizedYieldTao.Add(p.UnrealizedYieldTao)

		if err := s.store.RecordPositionSnapshot(history.PositionSnapshot{
			Wallet:             p.Wallet,
			Netuid:             p.Netuid,
			Timestamp:          now.Unix(),
			AlphaBalance:       p.AlphaBalance,
			TaoValueMid:        p.TaoValueMid,
			TaoValueExec:       p.TaoValueExecFull,
			CostBasisTao:       p.CostBasisTao,
			UnrealizedPnlTao:   p.UnrealizedPnlTao,
			UnrealizedYieldTao: p.UnrealizedYieldTao,
		}); err != nil {
			return nil, err
		}
	}

	snap.NavMidTao = domain.RoundTao(snap.NavMidTao)
	snap.NavExecTao = domain.RoundTao(snap.NavExecTao)
	snap.RootValueTao = domain.RoundTao(snap.RootValueTao)
	snap.SubnetValueTao = domain.RoundTao(snap.SubnetValueTao)

	roll := regime.RollUp(weights)
	snap.PortfolioRegime = roll.Regime
	snap.RegimeReason = strings.Join(roll.Reasons, "; ")

	turnover, err := s.turnover30d(wallet, snap.NavMidTao, now)
	if err != nil {
		return nil, err
	}
	snap.Turnover30d = turnover

	if err := s.store.RecordPortfolioSnapshot(*snap); err != nil {
		return nil, err
	}

	navMid, _ := snap.NavMidTao.Float64()
	navExec, _ := snap.NavExecTao.Float64()
	metrics.SetNAV(wallet, "mid", navMid)
	metrics.SetNAV(wallet, "exec", navExec)
	metrics.SetOpenPositions(wallet, len(positions))

	s.log.Debug().Str("wallet", wallet).
		Str("nav_mid", snap.NavMidTao.String()).
		Str("nav_exec", snap.NavExecTao.String()).
		Str("regime", string(snap.PortfolioRegime)).
		Int("positions", len(positions)).
		Msg("portfolio snapshot recorded")
	return snap, nil
}

// regimeWeight pairs a position's value with its subnet's committed regime.
// Subnets the market sync has not seen yet count as neutral.
func (s *Service) regimeWeight(p *position.Position) (regime.Weight, error) {
	w := regime.Weight{Netuid: p.Netuid, Regime: domain.RegimeNeutral, ValueTao: p.TaoValueMid}
	sub, err := s.subnets.Get(p.Netuid)
	if err != nil {
		return w, err
	}
	if sub != nil && sub.FlowRegime.Valid() {
		w.Regime = sub.FlowRegime
	}
	return w, nil
}

// turnover30d is the gross staked-plus-unstaked TAO volume of the trailing
// 30 days as a fraction of NAV. Nil when the wallet has no NAV or the
// window saw no transactions.
func (s *Service) turnover30d(wallet string, navMid decimal.Decimal, now time.Time) (*decimal.Decimal, error) {
	if !navMid.IsPositive() {
		return nil, nil
	}
	txs, err := s.transactions.GetByWalletBetween(wallet, now.Add(-30*24*time.Hour).Unix(), now.Unix())
	if err != nil {
		return nil, err
	}

	volume := decimal.Zero
	for i := range txs {
		volume = volume.Add(txs[i].AmountTao.Abs())
	}
	if volume.IsZero() {
		return nil, nil
	}
	t := domain.RoundRatio(volume.Div(navMid))
	return &t, nil
}

// execValue prices a position for the executable NAV: the full-exit exec
// value when the slippage pass has supplied one, the mid value otherwise.
// Root stake always prices at mid; unstaking from Root pays no slippage.
func execValue(p *position.Position) decimal.Decimal {
	if p.Netuid != domain.RootNetuid && p.TaoValueExecFull != nil {
		return *p.TaoValueExecFull
	}
	return p.TaoValueMid
}
