// Package config resolves the process configuration from environment
// variables, with the settings database overriding select knobs later
// in startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/taovault/taovault/internal/modules/settings"
)

// Default taostats API endpoint. Override with TAOSTATS_BASE_URL.
const DefaultBaseURL = "https://api.taostats.io"

// Config is the resolved process configuration.
type Config struct {
	DataDir string // Base directory for all databases (always absolute)

	// Upstream API
	TaostatsAPIKey  string
	TaostatsBaseURL string
	RatePerMinute   int // upstream request budget

	// Treasury wallets to track (SS58 coldkey addresses)
	WalletAddresses []string

	// Sync cadence
	RefreshInterval time.Duration
	FullInterval    time.Duration
	DeepInterval    time.Duration

	// Reconciliation tolerances. A position passes when
	// |ledger - chain| <= max(AbsTolerance, RelTolerance * chain).
	ReconcileAbsToleranceTAO string // decimal string, e.g. "0.0005"
	ReconcileRelTolerance    string // decimal string, e.g. "0.001"

	LogLevel string
	Port     int
	DevMode  bool
}

// Load builds a Config from the environment. A .env file in the working
// directory is folded in first when present, so local runs need no
// exported variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	// The data directory defaults to ./data and is stored absolute, so
	// later chdir-sensitive code (backups, SQLite paths) cannot drift.
	dataDir := getEnv("TAOVAULT_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:                  absDataDir,
		TaostatsAPIKey:           getEnv("TAOSTATS_API_KEY", ""),
		TaostatsBaseURL:          getEnv("TAOSTATS_BASE_URL", DefaultBaseURL),
		RatePerMinute:            getEnvAsInt("TAOSTATS_RATE_PER_MINUTE", 60),
		WalletAddresses:          splitList(getEnv("TAOVAULT_WALLETS", "")),
		RefreshInterval:          time.Duration(getEnvAsInt("TAOVAULT_REFRESH_MINUTES", 5)) * time.Minute,
		FullInterval:             time.Duration(getEnvAsInt("TAOVAULT_FULL_SYNC_MINUTES", 60)) * time.Minute,
		DeepInterval:             time.Duration(getEnvAsInt("TAOVAULT_DEEP_SYNC_HOURS", 24)) * time.Hour,
		ReconcileAbsToleranceTAO: getEnv("TAOVAULT_RECONCILE_ABS_TOLERANCE", "0.0005"),
		ReconcileRelTolerance:    getEnv("TAOVAULT_RECONCILE_REL_TOLERANCE", "0.001"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		Port:                     getEnvAsInt("TAOVAULT_PORT", 8090),
		DevMode:                  getEnvAsBool("DEV_MODE", false),
	}

	// Validate structural fields early. Credentials are validated after
	// the settings database has had a chance to override them.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UpdateFromSettings updates configuration from the settings database.
// This should be called after the config database is initialized.
// Settings DB values take precedence over environment variables.
func (c *Config) UpdateFromSettings(settingsRepo *settings.Repository) error {
	apiKey, err := settingsRepo.Get("taostats_api_key")
	if err != nil {
		return fmt.Errorf("failed to get taostats_api_key from settings: %w", err)
	}
	// Only use settings DB value if it's not empty; otherwise keep the
	// env var value (if any) as fallback.
	if apiKey != nil && *apiKey != "" {
		c.TaostatsAPIKey = *apiKey
	}

	wallets, err := settingsRepo.Get("wallet_addresses")
	if err != nil {
		return fmt.Errorf("failed to get wallet_addresses from settings: %w", err)
	}
	if wallets != nil && *wallets != "" {
		c.WalletAddresses = splitList(*wallets)
	}

	rate, err := settingsRepo.Get("taostats_rate_per_minute")
	if err != nil {
		return fmt.Errorf("failed to get taostats_rate_per_minute from settings: %w", err)
	}
	if rate != nil && *rate != "" {
		if n, err := strconv.Atoi(*rate); err == nil && n > 0 {
			c.RatePerMinute = n
		}
	}

	absTol, err := settingsRepo.Get("reconcile_abs_tolerance_tao")
	if err != nil {
		return fmt.Errorf("failed to get reconcile_abs_tolerance_tao from settings: %w", err)
	}
	if absTol != nil && *absTol != "" {
		c.ReconcileAbsToleranceTAO = *absTol
	}

	relTol, err := settingsRepo.Get("reconcile_rel_tolerance")
	if err != nil {
		return fmt.Errorf("failed to get reconcile_rel_tolerance from settings: %w", err)
	}
	if relTol != nil && *relTol != "" {
		c.ReconcileRelTolerance = *relTol
	}

	return nil
}

// Validate checks structural configuration. Credential presence is
// checked separately by ValidateCredentials once settings overrides
// have been applied.
func (c *Config) Validate() error {
	if c.RatePerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RatePerMinute)
	}
	if c.RefreshInterval <= 0 || c.FullInterval <= 0 || c.DeepInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.RefreshInterval > c.FullInterval {
		return fmt.Errorf("refresh interval (%s) must not exceed full sync interval (%s)",
			c.RefreshInterval, c.FullInterval)
	}
	return nil
}

// ValidateCredentials checks that the upstream API key and at least one
// wallet address are configured. The process cannot do useful work
// without them.
func (c *Config) ValidateCredentials() error {
	if c.TaostatsAPIKey == "" {
		return fmt.Errorf("taostats API key is required (set TAOSTATS_API_KEY or the taostats_api_key setting)")
	}
	if len(c.WalletAddresses) == 0 {
		return fmt.Errorf("at least one wallet address is required (set TAOVAULT_WALLETS or the wallet_addresses setting)")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
