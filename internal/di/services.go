// Package di provides dependency injection for service implementations.
package di

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/cache"
	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/config"
	"github.com/taovault/taovault/internal/modules/accounting"
	"github.com/taovault/taovault/internal/modules/alerts"
	"github.com/taovault/taovault/internal/modules/portfolio"
	"github.com/taovault/taovault/internal/modules/reconciliation"
	"github.com/taovault/taovault/internal/modules/regime"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/slippage"
	"github.com/taovault/taovault/internal/modules/strategy"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/trust"
	"github.com/taovault/taovault/internal/modules/viability"
	"github.com/taovault/taovault/internal/modules/wallet"
	"github.com/taovault/taovault/internal/reliability"
	"github.com/taovault/taovault/internal/services"
)

// InitializeServices creates the upstream client and all services, and
// stores them in the container. Repositories must already be wired.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Response cache over the cache database. The upstream client uses
	// it to absorb duplicate GETs inside a sync pass.
	container.Cache = cache.New(container.CacheDB.Conn(), log)

	// Upstream client. Tuning knobs come from settings so they can be
	// changed without a restart taking a new env var.
	maxRetries, _ := container.SettingsRepo.GetInt("api_max_retries", 3)
	timeoutSecs, _ := container.SettingsRepo.GetFloat("api_timeout_seconds", 30)
	maxPages, _ := container.SettingsRepo.GetInt("api_max_pages", 50)
	backoffBase, _ := container.SettingsRepo.GetFloat("sync_backoff_base_minutes", 5)
	backoffCap, _ := container.SettingsRepo.GetFloat("sync_backoff_cap_minutes", 60)

	container.Client = taostats.NewClient(taostats.Config{
		BaseURL:       cfg.TaostatsBaseURL,
		APIKey:        cfg.TaostatsAPIKey,
		RatePerMinute: cfg.RatePerMinute,
		MaxRetries:    maxRetries,
		Timeout:       time.Duration(timeoutSecs * float64(time.Second)),
		MaxPages:      maxPages,
		BackoffBase:   time.Duration(backoffBase * float64(time.Minute)),
		BackoffCap:    time.Duration(backoffCap * float64(time.Minute)),
	}, container.Cache, log)

	// Plain CRUD services.
	container.WalletService = wallet.NewService(container.WalletRepo, log)
	container.SettingsService = settings.NewService(container.SettingsRepo, log)

	// Market-state services.
	minRecords, _ := container.SettingsRepo.GetInt("sync_min_records", 1)
	container.SubnetService = subnet.NewService(container.SubnetRepo, container.Client, minRecords, log)
	container.SlippageService = slippage.NewService(container.SlippageRepo, container.Client, container.SettingsRepo, log)
	container.ViabilityService = viability.NewService(container.ViabilityRepo, container.SubnetRepo, log)
	container.RegimeService = regime.NewService(container.SubnetRepo, container.SettingsRepo, log)

	// The trust gate reads sync status and reconciliation history; it
	// must exist before the services that consult it.
	container.TrustGate = trust.NewGate(container.SyncStatusRepo, container.ReconRepo, container.SettingsRepo, log)

	// Portfolio, risk and accounting.
	container.PortfolioService = portfolio.NewService(
		container.PositionRepo, container.SubnetRepo, container.TransactionRepo, container.History, log)
	container.AlertsService = alerts.NewService(
		container.AlertsRepo, container.PositionRepo, container.SubnetRepo,
		container.History, container.TrustGate, container.SettingsRepo, log)
	container.ReconService = reconciliation.NewService(
		container.ReconRepo, container.PositionRepo, container.Client, container.SettingsRepo, log)
	container.Earnings = accounting.NewEarningsCalculator(container.History, container.TransactionRepo, log)

	// Advisory planner.
	container.Planner = strategy.NewPlanner(
		container.StrategyRepo, container.PositionRepo, container.SubnetRepo,
		container.SlippageService, container.TrustGate, container.SettingsRepo, log)

	// Sync orchestrator over everything above.
	container.SyncService = services.NewSyncService(services.SyncDeps{
		Client:       container.Client,
		Wallets:      container.WalletRepo,
		Positions:    container.PositionRepo,
		Transactions: container.TransactionRepo,
		Delegations:  container.DelegationRepo,
		Validators:   container.ValidatorRepo,
		Subnets:      container.SubnetRepo,
		SubnetSync:   container.SubnetService,
		Regimes:      container.RegimeService,
		Viability:    container.ViabilityService,
		CostBases:    container.CostBasisRepo,
		Yields:       container.YieldRepo,
		Slippage:     container.SlippageService,
		Portfolio:    container.PortfolioService,
		Alerts:       container.AlertsService,
		History:      container.History,
		Syncs:        container.SyncStatusRepo,
		Settings:     container.SettingsRepo,
	}, log)

	// Backups cover every database including the history store's own
	// connection. The cache is excluded inside the service.
	container.BackupService = reliability.NewBackupService(map[string]*sql.DB{
		"treasury": container.TreasuryDB.Conn(),
		"market":   container.MarketDB.Conn(),
		"config":   container.ConfigDB.Conn(),
		"cache":    container.CacheDB.Conn(),
		"history":  container.History.Conn(),
	}, cfg.DataDir+"/backups", log)
	container.R2BackupService = reliability.NewR2BackupService(
		container.BackupService, container.SettingsRepo, cfg.DataDir, log)

	log.Debug().Msg("All services initialized")

	return nil
}
