package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/modules/settings"
	testutil "github.com/taovault/taovault/internal/testing"
)

// clearEnv blanks every variable Load reads so ambient shell state cannot
// leak into assertions. t.Setenv restores the originals afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TAOVAULT_DATA_DIR", "TAOSTATS_API_KEY", "TAOSTATS_BASE_URL",
		"TAOSTATS_RATE_PER_MINUTE", "TAOVAULT_WALLETS",
		"TAOVAULT_REFRESH_MINUTES", "TAOVAULT_FULL_SYNC_MINUTES", "TAOVAULT_DEEP_SYNC_HOURS",
		"TAOVAULT_RECONCILE_ABS_TOLERANCE", "TAOVAULT_RECONCILE_REL_TOLERANCE",
		"LOG_LEVEL", "TAOVAULT_PORT", "DEV_MODE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAOVAULT_DATA_DIR", filepath.Join(t.TempDir(), "nested", "data"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.TaostatsBaseURL)
	assert.Equal(t, 60, cfg.RatePerMinute)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, time.Hour, cfg.FullInterval)
	assert.Equal(t, 24*time.Hour, cfg.DeepInterval)
	assert.Equal(t, "0.0005", cfg.ReconcileAbsToleranceTAO)
	assert.Equal(t, "0.001", cfg.ReconcileRelTolerance)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8090, cfg.Port)
	assert.False(t, cfg.DevMode)
	assert.Empty(t, cfg.WalletAddresses)

	assert.True(t, filepath.IsAbs(cfg.DataDir))
	_, err = os.Stat(cfg.DataDir)
	assert.NoError(t, err, "the data directory is created on load")
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAOVAULT_DATA_DIR", t.TempDir())
	t.Setenv("TAOSTATS_API_KEY", "key-from-env")
	t.Setenv("TAOSTATS_BASE_URL", "https://example.test")
	t.Setenv("TAOSTATS_RATE_PER_MINUTE", "300")
	t.Setenv("TAOVAULT_WALLETS", " addr1, addr2,,addr3 ")
	t.Setenv("TAOVAULT_REFRESH_MINUTES", "2")
	t.Setenv("TAOVAULT_FULL_SYNC_MINUTES", "30")
	t.Setenv("TAOVAULT_DEEP_SYNC_HOURS", "12")
	t.Setenv("TAOVAULT_PORT", "9000")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.TaostatsAPIKey)
	assert.Equal(t, "https://example.test", cfg.TaostatsBaseURL)
	assert.Equal(t, 300, cfg.RatePerMinute)
	assert.Equal(t, []string{"addr1", "addr2", "addr3"}, cfg.WalletAddresses,
		"the wallet list is trimmed and empty entries dropped")
	assert.Equal(t, 2*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 30*time.Minute, cfg.FullInterval)
	assert.Equal(t, 12*time.Hour, cfg.DeepInterval)
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.DevMode)
}

func TestLoadRejectsBadStructure(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAOVAULT_DATA_DIR", t.TempDir())
	t.Setenv("TAOVAULT_REFRESH_MINUTES", "120")
	t.Setenv("TAOVAULT_FULL_SYNC_MINUTES", "60")

	_, err := Load()
	assert.Error(t, err, "refreshing less often than the full sync makes the tiers meaningless")

	t.Setenv("TAOVAULT_REFRESH_MINUTES", "5")
	t.Setenv("TAOSTATS_RATE_PER_MINUTE", "0")
	_, err = Load()
	assert.Error(t, err)

	// Unparseable numbers fall back to defaults instead of failing.
	t.Setenv("TAOSTATS_RATE_PER_MINUTE", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RatePerMinute)
}

func TestValidateCredentials(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ValidateCredentials(), "no API key")

	cfg.TaostatsAPIKey = "some-key"
	assert.Error(t, cfg.ValidateCredentials(), "no wallets")

	cfg.WalletAddresses = []string{testutil.TestWallet}
	assert.NoError(t, cfg.ValidateCredentials())
}

func TestUpdateFromSettingsPrecedence(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "config")
	defer cleanup()
	repo := settings.NewRepository(db.Conn(), zerolog.Nop())

	require.NoError(t, repo.Set("taostats_api_key", "key-from-db", nil))
	require.NoError(t, repo.Set("wallet_addresses", "w1, w2", nil))
	require.NoError(t, repo.Set("taostats_rate_per_minute", "120", nil))
	require.NoError(t, repo.Set("reconcile_abs_tolerance_tao", "0.001", nil))

	cfg := &Config{
		TaostatsAPIKey:           "key-from-env",
		WalletAddresses:          []string{"env-wallet"},
		RatePerMinute:            60,
		ReconcileAbsToleranceTAO: "0.0005",
		ReconcileRelTolerance:    "0.002",
	}
	require.NoError(t, cfg.UpdateFromSettings(repo))

	assert.Equal(t, "key-from-db", cfg.TaostatsAPIKey, "the settings database wins over the environment")
	assert.Equal(t, []string{"w1", "w2"}, cfg.WalletAddresses)
	assert.Equal(t, 120, cfg.RatePerMinute)
	assert.Equal(t, "0.001", cfg.ReconcileAbsToleranceTAO)
	assert.Equal(t, "0.002", cfg.ReconcileRelTolerance, "keys absent from settings keep their env values")
}

func TestUpdateFromSettingsIgnoresEmptyAndInvalid(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "config")
	defer cleanup()
	repo := settings.NewRepository(db.Conn(), zerolog.Nop())

	require.NoError(t, repo.Set("taostats_api_key", "", nil))
	require.NoError(t, repo.Set("taostats_rate_per_minute", "0", nil))

	cfg := &Config{TaostatsAPIKey: "key-from-env", RatePerMinute: 60}
	require.NoError(t, cfg.UpdateFromSettings(repo))

	assert.Equal(t, "key-from-env", cfg.TaostatsAPIKey, "an empty setting does not erase the env value")
	assert.Equal(t, 60, cfg.RatePerMinute, "a non-positive rate is ignored")
}
