package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/modules/reconciliation"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/strategy"
	"github.com/taovault/taovault/internal/modules/wallet"
)

// BackupRunner performs the local database backups.
type BackupRunner interface {
	RunDailyBackup() error
}

// CloudBackupRunner uploads and rotates off-site backup archives.
type CloudBackupRunner interface {
	Enabled() bool
	UploadBackup(ctx context.Context) error
	RotateBackups(ctx context.Context) error
}

// CachePurger drops expired cache rows.
type CachePurger interface {
	DeleteExpired() (int64, error)
}

// SnapshotPruner deletes history snapshots older than a cutoff.
type SnapshotPruner interface {
	Prune(before time.Time) (int64, error)
}

// WalletSource lists the wallets under management.
type WalletSource interface {
	GetActive() ([]wallet.Wallet, error)
}

// Reconciler checks stored positions against live chain state.
type Reconciler interface {
	ReconcileAll(ctx context.Context, wallets []string) ([]reconciliation.Run, []error)
}

// WeeklyPlanner produces the advisory rebalance plan for one wallet.
type WeeklyPlanner interface {
	WeeklyPlan(ctx context.Context, wallet, snapshotRef string, now time.Time) (*strategy.Plan, error)
}

// MaintenanceDeps carries everything the calendar jobs touch. Nil
// fields disable the corresponding step.
type MaintenanceDeps struct {
	Backups    BackupRunner
	Cloud      CloudBackupRunner
	Cache      CachePurger
	History    SnapshotPruner
	Wallets    WalletSource
	Reconciler Reconciler
	Planner    WeeklyPlanner

	// Databases holds every connection that gets a WAL checkpoint
	// during the nightly sweep, keyed by a short name for logging.
	Databases map[string]*sql.DB

	Settings *settings.Repository
}

// MaintenanceScheduler runs the calendar jobs: the nightly sweep
// (backups, WAL checkpoints, cache purge, snapshot pruning), the daily
// reconciliation of every wallet, and the weekly advisory plan.
type MaintenanceScheduler struct {
	cron    *cron.Cron
	deps    MaintenanceDeps
	started bool
	log     zerolog.Logger
}

// NewMaintenanceScheduler creates the maintenance scheduler. Schedules
// are read from settings when Start runs; hours are local time.
func NewMaintenanceScheduler(deps MaintenanceDeps, log zerolog.Logger) *MaintenanceScheduler {
	l := log.With().Str("component", "maintenance_scheduler").Logger()
	return &MaintenanceScheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(
			cron.Recover(cronLogger{l}),
			cron.SkipIfStillRunning(cronLogger{l}),
		)),
		deps: deps,
		log:  l,
	}
}

// Start registers the cron entries and starts the table.
func (m *MaintenanceScheduler) Start() error {
	if m.started {
		m.log.Warn().Msg("maintenance scheduler already started, ignoring")
		return nil
	}

	maintHour := m.hourSetting("job_maintenance_hour", 3)
	reconHour := m.hourSetting("job_reconcile_hour", 6)
	// The weekly plan runs after the reconciliation sweep so the trust
	// gate sees a fresh run.
	planHour := (reconHour + 1) % 24

	if _, err := m.cron.AddFunc(dailySpec(maintHour), func() { m.withTimeout(time.Hour, m.RunNightly) }); err != nil {
		return fmt.Errorf("failed to schedule nightly maintenance: %w", err)
	}
	if _, err := m.cron.AddFunc(dailySpec(reconHour), func() { m.withTimeout(30*time.Minute, m.RunReconcileSweep) }); err != nil {
		return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
	}
	if _, err := m.cron.AddFunc(weeklySpec(planHour, time.Monday), func() { m.withTimeout(30*time.Minute, m.RunWeeklyPlans) }); err != nil {
		return fmt.Errorf("failed to schedule weekly plans: %w", err)
	}

	m.cron.Start()
	m.started = true
	m.log.Info().
		Int("maintenance_hour", maintHour).
		Int("reconcile_hour", reconHour).
		Int("plan_hour", planHour).
		Msg("maintenance scheduler started")
	return nil
}

// Stop halts the cron table and waits for any running job to return.
func (m *MaintenanceScheduler) Stop() {
	if !m.started {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.started = false
	m.log.Info().Msg("maintenance scheduler stopped")
}

// RunNightly performs the nightly sweep: local backups first, then the
// cloud upload and rotation, WAL checkpoints, cache purge, and snapshot
// pruning. Steps are independent; one failing does not stop the rest.
func (m *MaintenanceScheduler) RunNightly(ctx context.Context) {
	started := time.Now()

	if m.deps.Backups != nil {
		if err := m.deps.Backups.RunDailyBackup(); err != nil {
			m.log.Error().Err(err).Msg("nightly backup failed")
		}
	}

	if m.deps.Cloud != nil && m.deps.Cloud.Enabled() {
		if err := m.deps.Cloud.UploadBackup(ctx); err != nil {
			m.log.Error().Err(err).Msg("cloud backup upload failed")
		} else if err := m.deps.Cloud.RotateBackups(ctx); err != nil {
			m.log.Error().Err(err).Msg("cloud backup rotation failed")
		}
	}

	m.checkpointAll()

	if m.deps.Cache != nil {
		if n, err := m.deps.Cache.DeleteExpired(); err != nil {
			m.log.Warn().Err(err).Msg("cache purge failed")
		} else if n > 0 {
			m.log.Debug().Int64("rows", n).Msg("purged expired cache entries")
		}
	}

	if m.deps.History != nil {
		days := m.intSetting("history_retention_days", 365)
		if days > 0 {
			if _, err := m.deps.History.Prune(time.Now().AddDate(0, 0, -days)); err != nil {
				m.log.Warn().Err(err).Msg("snapshot pruning failed")
			}
		}
	}

	m.log.Info().Dur("duration", time.Since(started)).Msg("nightly maintenance finished")
}

// RunReconcileSweep reconciles every active wallet against live chain
// state. Per-wallet failures are logged and do not stop the sweep.
func (m *MaintenanceScheduler) RunReconcileSweep(ctx context.Context) {
	if m.deps.Reconciler == nil {
		return
	}
	addresses, err := m.activeAddresses()
	if err != nil {
		m.log.Error().Err(err).Msg("reconciliation sweep could not list wallets")
		return
	}
	if len(addresses) == 0 {
		return
	}

	runs, errs := m.deps.Reconciler.ReconcileAll(ctx, addresses)
	for _, err := range errs {
		m.log.Error().Err(err).Msg("reconciliation failed")
	}
	m.log.Info().
		Int("wallets", len(addresses)).
		Int("runs", len(runs)).
		Int("errors", len(errs)).
		Msg("reconciliation sweep finished")
}

// RunWeeklyPlans produces the advisory rebalance plan for each wallet.
func (m *MaintenanceScheduler) RunWeeklyPlans(ctx context.Context) {
	if m.deps.Planner == nil {
		return
	}
	addresses, err := m.activeAddresses()
	if err != nil {
		m.log.Error().Err(err).Msg("weekly planning could not list wallets")
		return
	}

	now := time.Now().UTC()
	snapshotRef := now.Format("2006-01-02")
	for _, addr := range addresses {
		plan, err := m.deps.Planner.WeeklyPlan(ctx, addr, snapshotRef, now)
		if err != nil {
			m.log.Error().Err(err).Str("wallet", addr).Msg("weekly plan failed")
			continue
		}
		m.log.Info().
			Str("wallet", addr).
			Str("plan_id", plan.ID).
			Int("recommendations", len(plan.Recommendations)).
			Msg("weekly plan recorded")
	}
}

// checkpointAll runs a TRUNCATE checkpoint on every database so the
// WAL files shrink back after the day's write load.
func (m *MaintenanceScheduler) checkpointAll() {
	names := make([]string, 0, len(m.deps.Databases))
	for name := range m.deps.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		conn := m.deps.Databases[name]
		if conn == nil {
			continue
		}
		// PRAGMA wal_checkpoint returns: busy, log, checkpointed
		var busy, frames, checkpointed int
		err := conn.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &frames, &checkpointed)
		if err != nil {
			m.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
			continue
		}
		if busy != 0 {
			m.log.Warn().
				Str("database", name).
				Int("wal_frames", frames).
				Msg("WAL checkpoint blocked by active readers")
			continue
		}
		m.log.Debug().
			Str("database", name).
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL checkpoint complete")
	}
}

func (m *MaintenanceScheduler) activeAddresses() ([]string, error) {
	if m.deps.Wallets == nil {
		return nil, nil
	}
	wallets, err := m.deps.Wallets.GetActive()
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(wallets))
	for _, w := range wallets {
		addresses = append(addresses, w.Address)
	}
	return addresses, nil
}

func (m *MaintenanceScheduler) withTimeout(d time.Duration, job func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	job(ctx)
}

func (m *MaintenanceScheduler) hourSetting(key string, def int) int {
	h := m.intSetting(key, def)
	return ((h % 24) + 24) % 24
}

func (m *MaintenanceScheduler) intSetting(key string, def int) int {
	if m.deps.Settings == nil {
		return def
	}
	v, err := m.deps.Settings.GetInt(key, def)
	if err != nil {
		return def
	}
	return v
}

// dailySpec builds a six-field cron spec firing daily at the hour.
func dailySpec(hour int) string {
	return fmt.Sprintf("0 0 %d * * *", hour)
}

// weeklySpec builds a six-field cron spec firing weekly at the hour on
// the given weekday.
func weeklySpec(hour int, day time.Weekday) string {
	return fmt.Sprintf("0 0 %d * * %d", hour, int(day))
}

// cronLogger adapts zerolog to the cron logging contract. Routine
// scheduling chatter goes to debug; recovered panics and schedule
// errors surface at error level.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
