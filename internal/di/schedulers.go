// Package di provides dependency injection for the schedulers and the
// HTTP server.
package di

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/config"
	"github.com/taovault/taovault/internal/database"
	"github.com/taovault/taovault/internal/scheduler"
	"github.com/taovault/taovault/internal/server"
)

// InitializeSchedulers creates the tier scheduler, the maintenance
// scheduler and the HTTP server. Services must already be wired. Nothing
// is started here; main controls startup order.
func InitializeSchedulers(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.Tiers = scheduler.NewTierScheduler(
		container.SyncService,
		container.Client,
		container.SettingsRepo,
		scheduler.TierIntervals{
			Refresh: cfg.RefreshInterval,
			Full:    cfg.FullInterval,
			Deep:    cfg.DeepInterval,
		},
		log,
	)

	container.Maintenance = scheduler.NewMaintenanceScheduler(scheduler.MaintenanceDeps{
		Backups:    container.BackupService,
		Cloud:      container.R2BackupService,
		Cache:      container.Cache,
		History:    container.History,
		Wallets:    container.WalletRepo,
		Reconciler: container.ReconService,
		Planner:    container.Planner,
		Databases: map[string]*sql.DB{
			"treasury": container.TreasuryDB.Conn(),
			"market":   container.MarketDB.Conn(),
			"config":   container.ConfigDB.Conn(),
			"cache":    container.CacheDB.Conn(),
			"history":  container.History.Conn(),
		},
		Settings: container.SettingsRepo,
	}, log)

	container.Server = server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		System: server.SystemDeps{
			DataDir: cfg.DataDir,
			Databases: map[string]*database.DB{
				"treasury": container.TreasuryDB,
				"market":   container.MarketDB,
				"config":   container.ConfigDB,
				"cache":    container.CacheDB,
			},
			Cache:      container.Cache,
			Upstream:   container.Client,
			Syncs:      container.SyncStatusRepo,
			Settings:   container.SettingsRepo,
			Trust:      container.TrustGate,
			Tiers:      container.Tiers,
			Reconciler: container.ReconService,
			Wallets:    container.WalletRepo,
			Backups:    container.BackupService,
			Cloud:      container.R2BackupService,
		},
	})

	log.Debug().Msg("Schedulers and server initialized")

	return nil
}
