// Package main is the entry point for the taovault staking-treasury service.
// The service keeps a local, queryable copy of the treasury's on-chain
// staking state, maintains cost-basis and yield accounting over it, scores
// subnet health, and produces advisory rebalance plans. It never holds keys
// and never submits transactions.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env supported)
//  2. Initialize structured logging
//  3. Wire all dependencies via the DI container (databases, repositories,
//     services, schedulers, HTTP server)
//  4. Apply settings-database overrides and validate credentials
//  5. Register the configured treasury wallets
//  6. Start the HTTP server and the schedulers
//  7. Wait for SIGINT/SIGTERM and shut down gracefully
//
// Exit codes: 0 on clean shutdown, 1 on unhandled runtime errors, 2 on
// invalid configuration.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taovault/taovault/internal/config"
	"github.com/taovault/taovault/internal/di"
	"github.com/taovault/taovault/internal/version"
	"github.com/taovault/taovault/pkg/logger"
)

func main() {
	// Load configuration first to get the log level. Credentials may
	// arrive from the settings database later, so only structural
	// problems (bad intervals, unwritable data dir) are fatal here.
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(2)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("version", version.Version).Str("data_dir", cfg.DataDir).Msg("Starting taovault")

	// Wire all dependencies. Wire cleans up after itself on failure, so
	// there is nothing to close on this path.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		os.Exit(1)
	}
	defer container.Close()

	// Settings-database values take precedence over environment
	// variables, so credentials can be rotated without a restart.
	if err := cfg.UpdateFromSettings(container.SettingsRepo); err != nil {
		log.Warn().Err(err).Msg("Failed to read settings overrides, using environment values")
	}
	if err := cfg.ValidateCredentials(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		container.Close()
		os.Exit(2)
	}

	// Make sure every configured wallet is on the books before the first
	// sync pass runs.
	if err := container.WalletService.EnsureTracked(cfg.WalletAddresses); err != nil {
		log.Error().Err(err).Msg("Failed to register configured wallets")
		container.Close()
		os.Exit(1)
	}

	// Start the HTTP server. It serves health probes and manual triggers,
	// so it comes up before the schedulers.
	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	// Start the sync tiers and the calendar maintenance jobs.
	container.Tiers.Start()
	if err := container.Maintenance.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start maintenance scheduler")
		container.Close()
		os.Exit(1)
	}
	log.Info().
		Dur("refresh", cfg.RefreshInterval).
		Dur("full", cfg.FullInterval).
		Dur("deep", cfg.DeepInterval).
		Msg("Schedulers started")

	// Block until asked to stop.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// The deferred container.Close() stops the schedulers and waits for
	// in-flight sync passes; the server drains first so probes keep
	// answering while requests finish.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
