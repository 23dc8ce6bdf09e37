// Package di provides dependency injection for repository implementations.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/modules/accounting"
	"github.com/taovault/taovault/internal/modules/alerts"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/reconciliation"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/slippage"
	"github.com/taovault/taovault/internal/modules/strategy"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/syncstatus"
	"github.com/taovault/taovault/internal/modules/transaction"
	"github.com/taovault/taovault/internal/modules/validator"
	"github.com/taovault/taovault/internal/modules/viability"
	"github.com/taovault/taovault/internal/modules/wallet"
)

// InitializeRepositories creates all repositories and stores them in the
// container.
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Treasury database: the books.
	container.WalletRepo = wallet.NewRepository(container.TreasuryDB.Conn(), log)
	container.PositionRepo = position.NewRepository(container.TreasuryDB.Conn(), log)
	container.TransactionRepo = transaction.NewRepository(container.TreasuryDB.Conn(), log)
	container.DelegationRepo = transaction.NewDelegationRepository(container.TreasuryDB.Conn(), log)
	container.CostBasisRepo = accounting.NewCostBasisRepository(container.TreasuryDB.Conn(), log)
	container.YieldRepo = accounting.NewYieldRepository(container.TreasuryDB.Conn(), log)
	container.ReconRepo = reconciliation.NewRepository(container.TreasuryDB.Conn(), log)
	container.AlertsRepo = alerts.NewRepository(container.TreasuryDB.Conn(), log)
	container.StrategyRepo = strategy.NewRepository(container.TreasuryDB.Conn(), log)
	container.SyncStatusRepo = syncstatus.NewRepository(container.TreasuryDB.Conn(), log)

	// Market database: upstream-derived state.
	container.SubnetRepo = subnet.NewRepository(container.MarketDB.Conn(), log)
	container.ValidatorRepo = validator.NewRepository(container.MarketDB.Conn(), log)
	container.SlippageRepo = slippage.NewRepository(container.MarketDB.Conn(), log)

	// Config database: runtime-tunable knobs.
	container.SettingsRepo = settings.NewRepository(container.ConfigDB.Conn(), log)
	container.ViabilityRepo = viability.NewConfigRepository(container.ConfigDB.Conn(), log)

	log.Debug().Msg("All repositories initialized")

	return nil
}
