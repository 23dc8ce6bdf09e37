// Package di provides dependency injection for the SQLite databases.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/config"
	"github.com/taovault/taovault/internal/database"
	"github.com/taovault/taovault/internal/modules/history"
)

// InitializeDatabases opens all databases, applies schemas and returns a
// container holding them.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. treasury.db - positions, stake ledger, cost basis, reconciliation
	treasuryDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/treasury.db",
		Profile: database.ProfileLedger, // Maximum safety for the audit trail
		Name:    "treasury",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize treasury database: %w", err)
	}
	container.TreasuryDB = treasuryDB

	// 2. market.db - subnet state, validators, slippage surfaces
	marketDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/market.db",
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	if err != nil {
		treasuryDB.Close()
		return nil, fmt.Errorf("failed to initialize market database: %w", err)
	}
	container.MarketDB = marketDB

	// 3. config.db - settings and viability weight profiles
	configDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/config.db",
		Profile: database.ProfileStandard,
		Name:    "config",
	})
	if err != nil {
		treasuryDB.Close()
		marketDB.Close()
		return nil, fmt.Errorf("failed to initialize config database: %w", err)
	}
	container.ConfigDB = configDB

	// 4. cache.db - upstream response cache (rebuildable)
	cacheDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/cache.db",
		Profile: database.ProfileCache, // no fsync, contents are rebuildable
		Name:    "cache",
	})
	if err != nil {
		treasuryDB.Close()
		marketDB.Close()
		configDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	// Apply schemas (single source of truth)
	for _, db := range []*database.DB{treasuryDB, marketDB, configDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			treasuryDB.Close()
			marketDB.Close()
			configDB.Close()
			cacheDB.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	// 5. history.db - snapshot time series. The store opens and owns its
	// connection; its schema is applied inside Open.
	store, err := history.Open(cfg.DataDir+"/history.db", log)
	if err != nil {
		treasuryDB.Close()
		marketDB.Close()
		configDB.Close()
		cacheDB.Close()
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}
	container.History = store

	log.Info().Msg("All databases initialized and schemas applied")

	return container, nil
}
