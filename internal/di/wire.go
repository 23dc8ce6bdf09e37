// Package di provides dependency injection wiring and initialization.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/config"
)

// Wire initializes all dependencies and returns a fully configured
// container. This is the main entry point for dependency injection.
// Order of operations:
//  1. Open databases and apply schemas
//  2. Initialize repositories
//  3. Initialize the upstream client and services
//  4. Initialize schedulers and the HTTP server
//
// Nothing is started; the caller owns startup and shutdown order.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	// Step 1: Databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	// Step 2: Repositories
	if err := InitializeRepositories(container, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	// Step 3: Client and services
	if err := InitializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 4: Schedulers and server
	if err := InitializeSchedulers(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize schedulers: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, nil
}
