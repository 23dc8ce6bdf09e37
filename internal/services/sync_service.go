// Package services hosts the orchestration layer: multi-module workflows
// that the schedulers and the HTTP surface trigger but that no single
// module owns.
package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/metrics"
	"github.com/taovault/taovault/internal/modules/accounting"
	"github.com/taovault/taovault/internal/modules/alerts"
	"github.com/taovault/taovault/internal/modules/history"
	"github.com/taovault/taovault/internal/modules/portfolio"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/regime"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/slippage"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/syncstatus"
	"github.com/taovault/taovault/internal/modules/transaction"
	"github.com/taovault/taovault/internal/modules/validator"
	"github.com/taovault/taovault/internal/modules/viability"
	"github.com/taovault/taovault/internal/modules/wallet"
)

// stakeHistoryDays is how far back the deep tier backfills daily position
// values from the upstream balance history.
const stakeHistoryDays = 30

// SyncRun is the outcome of one tier execution.
type SyncRun struct {
	ID        string
	Tier      domain.SyncTier
	StartedAt time.Time
	Duration  time.Duration
	// Errors collects every non-fatal failure. A run keeps going past
	// them so one bad dataset cannot starve the rest.
	Errors []error
	// Aborted marks runs that could not complete their passes: the
	// wallet list was unavailable or the context expired mid-run.
	Aborted bool
}

// Result classifies the run for metrics: ok, partial or failed.
func (r *SyncRun) Result() string {
	switch {
	case r.Aborted:
		return "failed"
	case len(r.Errors) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// RateLimited reports whether any collected error carries an upstream 429.
func (r *SyncRun) RateLimited() bool {
	return taostats.ErrorsContainRateLimit(r.Errors)
}

// SyncDeps wires the sync service to every module it orchestrates.
type SyncDeps struct {
	Client       *taostats.Client
	Wallets      *wallet.Repository
	Positions    *position.Repository
	Transactions *transaction.Repository
	Delegations  *transaction.DelegationRepository
	Validators   *validator.Repository
	Subnets      *subnet.Repository
	SubnetSync   *subnet.Service
	Regimes      *regime.Service
	Viability    *viability.Service
	CostBases    *accounting.CostBasisRepository
	Yields       *accounting.YieldRepository
	Slippage     *slippage.Service
	Portfolio    *portfolio.Service
	Alerts       *alerts.Service
	History      *history.Store
	Syncs        *syncstatus.Repository
	Settings     *settings.Repository
}

// SyncService runs the three sync tiers against the upstream analytics API
// and the local books. Each tier is a superset of the one below it: refresh
// keeps balances and valuations current, full adds the ledger, accounting
// and market-risk passes, deep adds slippage surfaces, executable NAV and
// the daily NAV bar.
type SyncService struct {
	deps SyncDeps
	log  zerolog.Logger
}

// NewSyncService creates a new sync service.
func NewSyncService(deps SyncDeps, log zerolog.Logger) *SyncService {
	return &SyncService{
		deps: deps,
		log:  log.With().Str("service", "sync").Logger(),
	}
}

// Run executes one sync tier. Failures are collected per dataset rather
// than short-circuiting; the returned run carries everything the scheduler
// needs to decide on backoff.
func (s *SyncService) Run(ctx context.Context, tier domain.SyncTier) *SyncRun {
	now := time.Now().UTC()
	run := &SyncRun{ID: uuid.NewString(), Tier: tier, StartedAt: now}
	s.log.Info().Str("run_id", run.ID).Str("tier", string(tier)).Msg("sync tier starting")

	defer func() {
		run.Duration = time.Since(run.StartedAt)
		result := run.Result()
		metrics.SyncRun(string(tier), result, run.Duration.Seconds())
		if n := len(run.Errors); n > 0 {
			metrics.SyncErrors(string(tier), n)
		}
		if !run.Aborted {
			metrics.SyncSucceeded(string(tier), time.Now().Unix())
		}
		evt := s.log.Info()
		if result == "failed" {
			evt = s.log.Error()
		}
		evt.Str("run_id", run.ID).Str("tier", string(tier)).Str("result", result).
			Int("errors", len(run.Errors)).Dur("took", run.Duration).
			Msg("sync tier finished")
	}()

	wallets, err := s.deps.Wallets.GetActive()
	if err != nil {
		run.Aborted = true
		run.Errors = append(run.Errors, fmt.Errorf("failed to list active wallets: %w", err))
		return run
	}
	if len(wallets) == 0 {
		s.log.Warn().Msg("no active wallets to sync")
		return run
	}

	s.syncBalances(ctx, run, wallets)
	s.syncValidators(ctx, run, wallets)

	if tier != domain.TierRefresh {
		// Market first: the yield feed is keyed by subnet token symbols.
		s.syncMarket(ctx, run)
		touched := s.syncLedger(ctx, run, wallets)
		priceUSD := s.syncYield(ctx, run, wallets, now)
		s.rebuildCostBases(run, wallets, touched, priceUSD)
	}
	if tier == domain.TierDeep {
		s.syncStakeHistory(ctx, run, wallets, now)
		s.syncSlippage(ctx, run, wallets)
		s.refreshExecValues(ctx, run, wallets)
	}

	s.refreshDecomposition(run, wallets)
	snaps := s.snapshotAll(run, wallets, now)

	if tier != domain.TierRefresh {
		s.raiseAlerts(run, wallets, now)
	}
	if tier == domain.TierDeep {
		s.recordNAV(run, snaps, now)
	}

	if ctx.Err() != nil {
		run.Aborted = true
	}
	return run
}

// syncBalances pulls each wallet's live stake balances, aggregates them per
// subnet and upserts the position rows. Positions absent from a healthy
// feed have been fully unstaked and are zeroed.
func (s *SyncService) syncBalances(ctx context.Context, run *SyncRun, wallets []wallet.Wallet) {
	minRecords := s.intSetting("sync_min_records", 1)
	var records int
	var errs []error
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("stake balances interrupted: %w", err))
			break
		}
		n, err := s.syncWalletBalances(ctx, w.Address, minRecords)
		if err != nil {
			errs = append(errs, fmt.Errorf("stake balances for %s: %w", w.Address, err))
			continue
		}
		records += n
	}
	s.finishDataset(run, syncstatus.DatasetStakeBalances, records, errs)
}

func (s *SyncService) syncWalletBalances(ctx context.Context, address string, minRecords int) (int, error) {
	balances, err := s.deps.Client.GetStakeBalances(ctx, address)
	if err != nil {
		return 0, err
	}
	if len(balances) < minRecords {
		return 0, &domain.TooFewRecordsError{
			Dataset: syncstatus.DatasetStakeBalances, Got: len(balances), Min: minRecords,
		}
	}

	type sleeve struct {
		alpha       decimal.Decimal
		tao         decimal.Decimal
		hotkey      string
		hotkeyAlpha decimal.Decimal
	}
	byNetuid := make(map[int]*sleeve)
	for _, b := range balances {
		alpha := b.BalanceRao.Shift(-9)
		if !alpha.IsPositive() {
			continue
		}
		sl := byNetuid[b.Netuid]
		if sl == nil {
			sl = &sleeve{}
			byNetuid[b.Netuid] = sl
		}
		sl.alpha = sl.alpha.Add(alpha)
		sl.tao = sl.tao.Add(b.BalanceAsTao.Shift(-9))
		if alpha.GreaterThan(sl.hotkeyAlpha) {
			sl.hotkeyAlpha = alpha
			sl.hotkey = b.Hotkey.SS58
		}
	}

	for netuid, sl := range byNetuid {
		err := s.deps.Positions.UpsertBalance(position.BalanceUpdate{
			Wallet:       address,
			Netuid:       netuid,
			Hotkey:       sl.hotkey,
			AlphaBalance: domain.RoundTao(sl.alpha),
			TaoValueMid:  domain.RoundTao(sl.tao),
		})
		if err != nil {
			return 0, err
		}
	}

	open, err := s.deps.Positions.GetActiveByWallet(address)
	if err != nil {
		return 0, err
	}
	for _, p := range open {
		if _, held := byNetuid[p.Netuid]; held {
			continue
		}
		if err := s.deps.Positions.ZeroBalance(address, p.Netuid); err != nil {
			return 0, err
		}
		s.log.Info().Str("wallet", address).Int("netuid", p.Netuid).
			Msg("position left the balance feed, zeroed")
	}
	return len(balances), nil
}

// syncValidators refreshes APY and take for every validator currently
// backing a position. Only hotkeys the wallets actually delegate to are
// stored; the rest of each subnet's validator set is noise here.
func (s *SyncService) syncValidators(ctx context.Context, run *SyncRun, wallets []wallet.Wallet) {
	wanted := make(map[int]map[string]bool)
	var errs []error
	for _, w := range wallets {
		pairs, err := s.deps.Positions.DistinctHotkeyNetuids(w.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("validator pairs for %s: %w", w.Address, err))
			continue
		}
		for _, pair := range pairs {
			if wanted[pair.Netuid] == nil {
				wanted[pair.Netuid] = make(map[string]bool)
			}
			wanted[pair.Netuid][pair.Hotkey] = true
		}
	}

	var records int
	for _, netuid := range sortedKeys(wanted) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("validator refresh interrupted: %w", err))
			break
		}
		infos, err := s.deps.Client.GetValidators(ctx, netuid)
		if err != nil {
			errs = append(errs, fmt.Errorf("validators for netuid %d: %w", netuid, err))
			continue
		}
		for _, v := range infos {
			if !wanted[netuid][v.Hotkey.SS58] {
				continue
			}
			if err := s.deps.Validators.Upsert(v); err != nil {
				errs = append(errs, err)
				continue
			}
			records++
		}
	}
	s.finishDataset(run, syncstatus.DatasetValidators, records, errs)
}

// syncLedger ingests new extrinsics and the delegation feed, then resolves
// previously unknown netuids and amounts from the feed. The returned map
// lists the (wallet, netuid) books touched by new rows.
func (s *SyncService) syncLedger(ctx context.Context, run *SyncRun, wallets []wallet.Wallet) map[string]map[int]bool {
	touched := make(map[string]map[int]bool)
	mark := func(address string, netuid int) {
		if touched[address] == nil {
			touched[address] = make(map[int]bool)
		}
		touched[address][netuid] = true
	}

	var exRecords, evRecords int
	var exErrs, evErrs []error
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			exErrs = append(exErrs, fmt.Errorf("ledger sync interrupted: %w", err))
			break
		}

		from, err := s.deps.Transactions.HighestBlock(w.Address)
		if err != nil {
			exErrs = append(exErrs, err)
		} else if exs, err := s.deps.Client.GetExtrinsics(ctx, w.Address, from); err != nil {
			exErrs = append(exErrs, fmt.Errorf("extrinsics for %s: %w", w.Address, err))
		} else {
			for _, ex := range exs {
				tx, ok, err := transaction.ClassifyExtrinsic(ex, w.Address)
				if err != nil {
					exErrs = append(exErrs, err)
					continue
				}
				if !ok {
					continue
				}
				inserted, err := s.deps.Transactions.InsertIgnore(tx)
				if err != nil {
					exErrs = append(exErrs, err)
					continue
				}
				if inserted {
					exRecords++
					mark(w.Address, tx.Netuid)
				}
			}
		}

		events, err := s.deps.Client.GetDelegationEvents(ctx, w.Address)
		if err != nil {
			evErrs = append(evErrs, fmt.Errorf("delegation events for %s: %w", w.Address, err))
			continue
		}
		for _, ev := range events {
			row := transaction.EventFromUpstream(ev, w.Address)
			inserted, err := s.deps.Delegations.InsertIgnore(&row)
			if err != nil {
				evErrs = append(evErrs, err)
				continue
			}
			if inserted {
				evRecords++
				mark(w.Address, row.Netuid)
			}
		}

		if err := s.resolveFromFeed(w.Address, mark); err != nil {
			evErrs = append(evErrs, err)
		}
	}

	s.finishDataset(run, syncstatus.DatasetExtrinsics, exRecords, exErrs)
	s.finishDataset(run, syncstatus.DatasetDelegationEvents, evRecords, evErrs)
	return touched
}

// resolveFromFeed backfills netuid, proceeds and alpha amounts onto
// transactions whose extrinsic args did not carry them, using the exact
// figures the delegation feed reports for the same extrinsic.
func (s *SyncService) resolveFromFeed(address string, mark func(string, int)) error {
	unresolved, err := s.deps.Transactions.GetUnresolved(address)
	if err != nil {
		return err
	}
	for _, tx := range unresolved {
		events, err := s.deps.Delegations.GetByExtrinsicID(tx.ExtrinsicID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			continue
		}
		ev := events[0]
		netuid := ev.Netuid
		if err := s.deps.Transactions.Resolve(tx.ExtrinsicID, &netuid, &ev.TaoAmount, &ev.AlphaAmount); err != nil {
			return err
		}
		mark(address, netuid)
	}
	return nil
}

// syncYield refreshes the daily yield books from the upstream accounting
// feed and returns a TAO/USD price curve assembled from the fetched rows,
// for the cost-basis replay that follows.
func (s *SyncService) syncYield(ctx context.Context, run *SyncRun, wallets []wallet.Wallet, now time.Time) accounting.PriceUSDFunc {
	var all []taostats.TaxAccountingRow
	var records int
	var errs []error
	for _, w := range wallets {
		open, err := s.deps.Positions.GetActiveByWallet(w.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list positions for %s: %w", w.Address, err))
			continue
		}
		for _, p := range open {
			if err := ctx.Err(); err != nil {
				errs = append(errs, fmt.Errorf("yield sync interrupted: %w", err))
				s.finishDataset(run, syncstatus.DatasetTaxAccounting, records, errs)
				return accounting.TaoPriceUSD(all)
			}
			rows, err := s.fetchYieldRows(ctx, w.Address, p, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("tax accounting for %s/%d: %w", w.Address, p.Netuid, err))
				continue
			}
			if len(rows) == 0 {
				continue
			}
			all = append(all, rows...)
			if err := s.applyYield(w.Address, p.Netuid, rows); err != nil {
				errs = append(errs, err)
				continue
			}
			records += len(rows)
		}
	}
	s.finishDataset(run, syncstatus.DatasetTaxAccounting, records, errs)
	return accounting.TaoPriceUSD(all)
}

func (s *SyncService) fetchYieldRows(ctx context.Context, address string, p position.Position, now time.Time) ([]taostats.TaxAccountingRow, error) {
	token, err := s.yieldToken(p.Netuid)
	if err != nil {
		return nil, err
	}
	if token == "" {
		// No symbol until subnet metadata lands; next full pass picks it up.
		return nil, nil
	}

	start := now.AddDate(-1, 0, 0)
	if p.EntryDate != "" {
		if d, err := time.Parse("2006-01-02", p.EntryDate); err == nil {
			start = d
		}
	}

	var rows []taostats.TaxAccountingRow
	for _, win := range accounting.ChunkDateWindows(start, now) {
		part, err := s.deps.Client.GetTaxAccounting(ctx, address, token, win[0], win[1])
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

func (s *SyncService) applyYield(address string, netuid int, rows []taostats.TaxAccountingRow) error {
	daily := accounting.BuildDailyYields(address, netuid, rows)
	if err := s.deps.Yields.UpsertDaily(daily); err != nil {
		return err
	}
	total, err := s.deps.Yields.TotalYieldAlpha(address, netuid)
	if err != nil {
		return err
	}
	return s.deps.Positions.UpdateYield(address, netuid, total)
}

func (s *SyncService) yieldToken(netuid int) (string, error) {
	sub, err := s.deps.Subnets.Get(netuid)
	if err != nil {
		return "", err
	}
	if sub != nil && sub.Symbol != "" {
		return sub.Symbol, nil
	}
	if netuid == domain.RootNetuid {
		return "TAO", nil
	}
	return "", nil
}

// rebuildCostBases replays the ledger for every book touched by new rows,
// plus any open position that has never been replayed at all.
func (s *SyncService) rebuildCostBases(run *SyncRun, wallets []wallet.Wallet, touched map[string]map[int]bool, priceUSD accounting.PriceUSDFunc) {
	for _, w := range wallets {
		set := touched[w.Address]

		open, err := s.deps.Positions.GetActiveByWallet(w.Address)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Errorf("failed to list positions for %s: %w", w.Address, err))
			continue
		}
		for _, p := range open {
			if set[p.Netuid] {
				continue
			}
			cb, err := s.deps.CostBases.Get(w.Address, p.Netuid)
			if err != nil {
				run.Errors = append(run.Errors, err)
				continue
			}
			if cb == nil {
				if set == nil {
					set = make(map[int]bool)
				}
				set[p.Netuid] = true
			}
		}

		for _, netuid := range sortedKeys(set) {
			if netuid == transaction.NetuidUnknown {
				continue
			}
			if err := s.rebuildBook(w.Address, netuid, priceUSD); err != nil {
				run.Errors = append(run.Errors, fmt.Errorf("failed to rebuild cost basis for %s/%d: %w", w.Address, netuid, err))
			}
		}
	}
}

func (s *SyncService) rebuildBook(address string, netuid int, priceUSD accounting.PriceUSDFunc) error {
	txs, err := s.deps.Transactions.GetByWalletNetuid(address, netuid)
	if err != nil {
		return err
	}
	events, err := s.deps.Delegations.GetByWalletNetuid(address, netuid)
	if err != nil {
		return err
	}
	res := accounting.Replay(txs, events, priceUSD)

	pos, err := s.deps.Positions.Get(address, netuid)
	if err != nil {
		return err
	}
	if pos != nil {
		res.ResolveDeferred(pos.AlphaBalance)
	}

	if err := s.deps.CostBases.Upsert(address, netuid, res); err != nil {
		return err
	}
	if pos == nil {
		// Ledger history without a position row: nothing to annotate.
		return nil
	}

	costTao := res.CostBasis()
	costUSD := res.CostBasisUSD()
	return s.deps.Positions.UpdateAccounting(address, netuid, position.AccountingUpdate{
		AlphaPurchased:   res.AlphaPurchased,
		EntryPrice:       res.WeightedAvgEntryPrice,
		EntryDate:        res.EntryDate,
		CostBasisTao:     &costTao,
		CostBasisUSD:     &costUSD,
		RealizedPnlTao:   res.RealizedPnlTao,
		RealizedYieldTao: res.RealizedYieldTao,
	})
}

// syncMarket refreshes the subnet universe: metadata, pool reserves, flow
// metrics, then the regime machine and the viability scorer on top.
func (s *SyncService) syncMarket(ctx context.Context, run *SyncRun) {
	n, err := s.deps.SubnetSync.SyncMetadata(ctx)
	s.finishDataset(run, syncstatus.DatasetSubnets, n, wrapErr(err))

	n, err = s.deps.SubnetSync.SyncPools(ctx)
	s.finishDataset(run, syncstatus.DatasetPools, n, wrapErr(err))

	subs, err := s.deps.Subnets.GetActive()
	if err != nil {
		run.Errors = append(run.Errors, fmt.Errorf("failed to list active subnets: %w", err))
		return
	}
	var netuids []int
	for _, sub := range subs {
		if sub.Netuid != domain.RootNetuid {
			netuids = append(netuids, sub.Netuid)
		}
	}

	flows, flowErrs := s.deps.SubnetSync.SyncFlowMetrics(ctx, netuids)
	s.finishDataset(run, syncstatus.DatasetPoolHistory, len(flows), flowErrs)

	if len(flows) > 0 {
		if _, errs := s.deps.Regimes.Evaluate(ctx, flows); len(errs) > 0 {
			run.Errors = append(run.Errors, errs...)
		}
	}
	if _, err := s.deps.Viability.ScoreActive(ctx); err != nil {
		run.Errors = append(run.Errors, fmt.Errorf("viability scoring: %w", err))
	}
}

// syncStakeHistory backfills daily position values from the upstream
// balance history, so value-at-time lookups have data older than the
// service's own snapshot cadence.
func (s *SyncService) syncStakeHistory(ctx context.Context, run *SyncRun, wallets []wallet.Wallet, now time.Time) {
	start := now.AddDate(0, 0, -stakeHistoryDays).Format("2006-01-02")
	end := now.Format("2006-01-02")

	var records int
	var errs []error
	for _, w := range wallets {
		pairs, err := s.deps.Positions.DistinctHotkeyNetuids(w.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("validator pairs for %s: %w", w.Address, err))
			continue
		}
		for _, pair := range pairs {
			if err := ctx.Err(); err != nil {
				errs = append(errs, fmt.Errorf("stake history interrupted: %w", err))
				s.finishDataset(run, syncstatus.DatasetStakeHistory, records, errs)
				return
			}
			rows, err := s.deps.Client.GetStakeBalanceHistory(ctx, w.Address, pair.Hotkey, pair.Netuid, start, end)
			if err != nil {
				errs = append(errs, fmt.Errorf("stake history for %s/%d: %w", w.Address, pair.Netuid, err))
				continue
			}
			for _, row := range rows {
				err := s.deps.History.RecordPositionSnapshot(history.PositionSnapshot{
					Wallet:       w.Address,
					Netuid:       row.Netuid,
					Timestamp:    row.Timestamp.Unix(),
					AlphaBalance: domain.RoundTao(row.BalanceRao.Shift(-9)),
					TaoValueMid:  domain.RoundTao(row.BalanceAsTao.Shift(-9)),
				})
				if err != nil {
					errs = append(errs, err)
					continue
				}
				records++
			}
		}
	}
	s.finishDataset(run, syncstatus.DatasetStakeHistory, records, errs)
}

// syncSlippage re-quotes the slippage surfaces for every held subnet.
func (s *SyncService) syncSlippage(ctx context.Context, run *SyncRun, wallets []wallet.Wallet) {
	held := make(map[int]bool)
	var errs []error
	for _, w := range wallets {
		open, err := s.deps.Positions.GetActiveByWallet(w.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list positions for %s: %w", w.Address, err))
			continue
		}
		for _, p := range open {
			if p.Netuid != domain.RootNetuid {
				held[p.Netuid] = true
			}
		}
	}

	netuids := sortedKeys(held)
	errs = append(errs, s.deps.Slippage.RefreshAll(ctx, netuids)...)
	records := len(netuids)*2*len(slippage.SurfaceSizes) - len(errs)
	if records < 0 {
		records = 0
	}
	s.finishDataset(run, syncstatus.DatasetSlippage, records, errs)
}

// refreshExecValues re-marks every position at executable prices: mid
// discounted by the exit slippage at half and full size. Root carries no
// slippage, so its estimate is zero and exec equals mid.
func (s *SyncService) refreshExecValues(ctx context.Context, run *SyncRun, wallets []wallet.Wallet) {
	one := decimal.NewFromInt(1)
	two := decimal.NewFromInt(2)
	for _, w := range wallets {
		open, err := s.deps.Positions.GetActiveByWallet(w.Address)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Errorf("failed to list positions for %s: %w", w.Address, err))
			continue
		}
		for _, p := range open {
			halfEst := s.deps.Slippage.ExitSlippage(ctx, p.Netuid, p.TaoValueMid.Div(two))
			fullEst := s.deps.Slippage.ExitSlippage(ctx, p.Netuid, p.TaoValueMid)
			execHalf := domain.RoundTao(p.TaoValueMid.Mul(one.Sub(halfEst.SlippagePct)))
			execFull := domain.RoundTao(p.TaoValueMid.Mul(one.Sub(fullEst.SlippagePct)))
			if err := s.deps.Positions.UpdateExecValues(w.Address, p.Netuid, execHalf, execFull); err != nil {
				run.Errors = append(run.Errors, err)
			}
		}
	}
}

// refreshDecomposition recomputes the unrealized P&L identity for every
// open position from its freshest balance, yield and cost-basis fields.
func (s *SyncService) refreshDecomposition(run *SyncRun, wallets []wallet.Wallet) {
	for _, w := range wallets {
		open, err := s.deps.Positions.GetActiveByWallet(w.Address)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Errorf("failed to list positions for %s: %w", w.Address, err))
			continue
		}
		for i := range open {
			p := &open[i]
			d := position.Decompose(p.AlphaBalance, p.TaoValueMid, p.TotalYieldAlpha, p.CostBasisTao)
			if err := s.deps.Positions.UpdateUnrealized(w.Address, p.Netuid, d); err != nil {
				run.Errors = append(run.Errors, err)
			}
		}
	}
}

func (s *SyncService) snapshotAll(run *SyncRun, wallets []wallet.Wallet, now time.Time) map[string]*history.PortfolioSnapshot {
	snaps := make(map[string]*history.PortfolioSnapshot, len(wallets))
	for _, w := range wallets {
		snap, err := s.deps.Portfolio.Snapshot(w.Address, now)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Errorf("portfolio snapshot for %s: %w", w.Address, err))
			continue
		}
		snaps[w.Address] = snap
	}
	return snaps
}

func (s *SyncService) raiseAlerts(run *SyncRun, wallets []wallet.Wallet, now time.Time) {
	addresses := make([]string, len(wallets))
	for i, w := range wallets {
		addresses[i] = w.Address
	}
	raised, errs := s.deps.Alerts.Run(now, addresses, run.ID)
	run.Errors = append(run.Errors, errs...)
	if len(raised) > 0 {
		s.log.Info().Int("alerts", len(raised)).Msg("risk pass raised alerts")
	}
}

// recordNAV folds each wallet's fresh snapshot into its daily NAV bar.
func (s *SyncService) recordNAV(run *SyncRun, snaps map[string]*history.PortfolioSnapshot, now time.Time) {
	for _, address := range sortedKeys(snaps) {
		snap := snaps[address]
		if _, err := s.deps.History.UpsertNAV(address, snap.NavMidTao, snap.NavExecTao, now); err != nil {
			run.Errors = append(run.Errors, fmt.Errorf("nav history for %s: %w", address, err))
		}
	}
}

// finishDataset folds one dataset pass into the run and its health row. A
// pass with any error marks the dataset failed so the trust gate degrades;
// partially ingested rows are still in place.
func (s *SyncService) finishDataset(run *SyncRun, dataset string, records int, errs []error) {
	if len(errs) > 0 {
		run.Errors = append(run.Errors, errs...)
		if err := s.deps.Syncs.RecordFailure(dataset, errs[0]); err != nil {
			run.Errors = append(run.Errors, err)
		}
		s.log.Warn().Str("dataset", dataset).Int("records", records).
			Int("errors", len(errs)).Err(errs[0]).Msg("dataset sync failed")
		return
	}
	if err := s.deps.Syncs.RecordSuccess(dataset, records); err != nil {
		run.Errors = append(run.Errors, err)
		return
	}
	s.log.Debug().Str("dataset", dataset).Int("records", records).Msg("dataset synced")
}

func (s *SyncService) intSetting(key string, def int) int {
	v, err := s.deps.Settings.GetInt(key, def)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func wrapErr(err error) []error {
	if err == nil {
		return nil
	}
	return []error{err}
}

func sortedKeys[K ~int | ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
