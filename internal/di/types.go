// Package di provides dependency injection type definitions.
//
// The Container holds every long-lived instance in the process and is
// the single source of truth for wiring. It is created by Wire() and
// torn down by Close() in reverse construction order.
package di

import (
	"time"

	"github.com/taovault/taovault/internal/cache"
	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/database"
	"github.com/taovault/taovault/internal/modules/accounting"
	"github.com/taovault/taovault/internal/modules/alerts"
	"github.com/taovault/taovault/internal/modules/history"
	"github.com/taovault/taovault/internal/modules/portfolio"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/reconciliation"
	"github.com/taovault/taovault/internal/modules/regime"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/slippage"
	"github.com/taovault/taovault/internal/modules/strategy"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/syncstatus"
	"github.com/taovault/taovault/internal/modules/transaction"
	"github.com/taovault/taovault/internal/modules/trust"
	"github.com/taovault/taovault/internal/modules/validator"
	"github.com/taovault/taovault/internal/modules/viability"
	"github.com/taovault/taovault/internal/modules/wallet"
	"github.com/taovault/taovault/internal/reliability"
	"github.com/taovault/taovault/internal/scheduler"
	"github.com/taovault/taovault/internal/server"
	"github.com/taovault/taovault/internal/services"
)

// Container holds all dependencies for the application.
//
// Architecture:
//   - Databases: treasury (positions, ledger, accounting), market
//     (subnets, validators, slippage), config (settings, viability
//     weights), history (snapshots, NAV bars) and cache (upstream
//     response cache)
//   - Client: the taostats API client with rate limiting and caching
//   - Repositories: typed data access over the database connections
//   - Services: sync orchestration, accounting, risk and advisory logic
//   - Schedulers: the three sync-tier loops and the calendar jobs
//   - Server: the operational HTTP surface
type Container struct {
	// Databases. Each is SQLite in WAL mode with profile-specific
	// PRAGMAs. The history store owns its own connection because its
	// write path and retention differ from the treasury books.
	TreasuryDB *database.DB   // Positions, ledger, cost basis, reconciliation, alerts, plans
	MarketDB   *database.DB   // Subnet state, validators, slippage surfaces
	ConfigDB   *database.DB   // Settings and viability weight profiles
	CacheDB    *database.DB   // Upstream response cache (rebuildable)
	History    *history.Store // Snapshot time series and daily NAV bars

	// Infrastructure
	Cache  *cache.Cache     // Response cache over CacheDB
	Client *taostats.Client // Upstream analytics API client

	// Repositories
	WalletRepo      *wallet.Repository
	PositionRepo    *position.Repository
	TransactionRepo *transaction.Repository
	DelegationRepo  *transaction.DelegationRepository
	ValidatorRepo   *validator.Repository
	SubnetRepo      *subnet.Repository
	SlippageRepo    *slippage.Repository
	SettingsRepo    *settings.Repository
	ViabilityRepo   *viability.ConfigRepository
	CostBasisRepo   *accounting.CostBasisRepository
	YieldRepo       *accounting.YieldRepository
	ReconRepo       *reconciliation.Repository
	AlertsRepo      *alerts.Repository
	StrategyRepo    *strategy.Repository
	SyncStatusRepo  *syncstatus.Repository

	// Services
	WalletService    *wallet.Service
	SettingsService  *settings.Service
	SubnetService    *subnet.Service
	SlippageService  *slippage.Service
	ViabilityService *viability.Service
	RegimeService    *regime.Service
	PortfolioService *portfolio.Service
	AlertsService    *alerts.Service
	ReconService     *reconciliation.Service
	TrustGate        *trust.Gate
	Earnings         *accounting.EarningsCalculator
	Planner          *strategy.Planner
	SyncService      *services.SyncService

	// Reliability
	BackupService   *reliability.BackupService
	R2BackupService *reliability.R2BackupService

	// Schedulers
	Tiers       *scheduler.TierScheduler
	Maintenance *scheduler.MaintenanceScheduler

	// HTTP
	Server *server.Server
}

// tierStopGrace bounds how long Close waits for an in-flight sync pass.
const tierStopGrace = 30 * time.Second

// Close tears the container down in reverse construction order. The
// schedulers stop first so no job touches a closing connection, then
// the client's worker goroutine, then the databases.
func (c *Container) Close() {
	if c.Maintenance != nil {
		c.Maintenance.Stop()
	}
	if c.Tiers != nil {
		c.Tiers.Stop(tierStopGrace)
	}
	if c.Client != nil {
		c.Client.Close()
	}
	if c.History != nil {
		c.History.Close()
	}
	for _, db := range []*database.DB{c.CacheDB, c.ConfigDB, c.MarketDB, c.TreasuryDB} {
		if db != nil {
			db.Close()
		}
	}
}
