package settings

// SettingDefaults holds all default values for configurable settings
var SettingDefaults = map[string]interface{}{
	// Upstream API credentials and budget
	"taostats_api_key":         "",   // taostats API key (Authorization header)
	"wallet_addresses":         "",   // Comma-separated SS58 coldkey addresses to track
	"taostats_rate_per_minute": 60.0, // Upstream request budget per minute
	"api_max_retries":          3.0,  // Retry cap for idempotent GETs
	"api_timeout_seconds":      30.0, // Per-request HTTP timeout
	"api_max_pages":            50.0, // Pagination safety cap per fetch

	// Sync orchestration
	"sync_min_records":          1.0,  // Minimum rows before a dataset overwrite is trusted
	"sync_backoff_base_minutes": 5.0,  // Base for exponential rate-limit backoff
	"sync_backoff_cap_minutes":  60.0, // Ceiling for rate-limit backoff

	// Reconciliation tolerances. Stored as decimal strings so monetary
	// comparisons never round-trip through floats.
	"reconcile_abs_tolerance_tao": "0.0005", // Absolute tolerance in TAO
	"reconcile_rel_tolerance":     "0.001",  // Relative tolerance (0.001 = 0.1%)

	// Trust gate thresholds
	"trust_staleness_minutes":        15.0, // Sync success older than this => degraded
	"trust_recon_max_age_hours":      24.0, // Reconciliation older than this => degraded
	"trust_max_consecutive_failures": 3.0,  // Per-dataset failures beyond this => degraded

	// Flow regime thresholds (fractions of pool reserve, negative = outflow)
	"regime_quarantine_threshold": -0.15, // 7d and 14d below this => dead candidate
	"regime_risk_off_threshold":   -0.05, // 7d and 14d below this => quarantine candidate

	// Anti-whipsaw persistence: consecutive passes required to commit a transition
	"regime_persistence_enabled":    1.0, // 0.0 commits candidates immediately
	"regime_persistence_dead":       2.0,
	"regime_persistence_quarantine": 3.0,
	"regime_persistence_risk_off":   2.0,
	"regime_persistence_risk_on":    2.0,
	"regime_persistence_neutral":    1.0,

	// Slippage surfaces
	"slippage_default_pct":         0.02, // Conservative fallback when no surface is cached (flagged)
	"slippage_surface_ttl_minutes": 5.0,  // Surface freshness window

	// Strategy / rebalance guardrails (advisory only, never auto-executed)
	"strategy_max_position_pct":    0.20, // Max single-subnet share of NAV
	"strategy_root_target_pct":     0.30, // Target Root (netuid 0) allocation
	"strategy_buffer_target_pct":   0.05, // Target free-balance buffer share
	"strategy_min_trade_tao":       0.5,  // Recommendations below this size are suppressed
	"strategy_rebalance_drift_pct": 0.05, // Allocation drift that triggers an event plan
	"strategy_max_trades_per_plan": 4.0,  // Cap on recommendations per plan

	// Risk alerting
	"alert_drawdown_pct": 0.15, // Portfolio drawdown from ATH that raises a critical alert
	"alert_dedup_hours":  24.0, // Window inside which an identical indicator is not re-raised

	// Cloudflare R2 backup settings
	"r2_account_id":            "",      // Cloudflare R2 account ID
	"r2_access_key_id":         "",      // R2 access key ID
	"r2_secret_access_key":     "",      // R2 secret access key
	"r2_bucket_name":           "",      // R2 bucket name
	"r2_backup_enabled":        0.0,     // 1.0 = enabled, 0.0 = disabled
	"r2_backup_schedule":       "daily", // Backup schedule: "daily", "weekly", or "monthly"
	"r2_backup_retention_days": 90.0,    // Days to keep backups (0 = keep forever)

	// Job scheduling
	"job_maintenance_hour": 3.0, // Daily maintenance hour (0-23, local time)
	"job_reconcile_hour":   6.0, // Daily reconciliation hour (0-23, local time)

	// Snapshot retention. NAV history is exempt; the all-time high
	// depends on the full series.
	"history_retention_days": 365.0, // Days of snapshot history kept (0 = keep forever)
}

// StringSettings defines which settings should be treated as strings rather than floats
var StringSettings = map[string]bool{
	"taostats_api_key":            true,
	"wallet_addresses":            true,
	"reconcile_abs_tolerance_tao": true,
	"reconcile_rel_tolerance":     true,
	"r2_account_id":               true,
	"r2_access_key_id":            true,
	"r2_secret_access_key":        true,
	"r2_bucket_name":              true,
	"r2_backup_schedule":          true,
}

// SettingDescriptions holds human-readable descriptions for the settings
// most likely to be tuned at runtime.
var SettingDescriptions = map[string]string{
	"taostats_rate_per_minute":     "Upstream API request budget per minute. Lower this if the provider tightens limits.",
	"trust_staleness_minutes":      "Minutes since the last successful sync before the trust gate reports degraded.",
	"regime_quarantine_threshold":  "Net flow as a fraction of reserve below which (on both 7d and 14d horizons) a subnet is a dead candidate.",
	"regime_risk_off_threshold":    "Net flow as a fraction of reserve below which (on both 7d and 14d horizons) a subnet is a quarantine candidate.",
	"slippage_default_pct":         "Exit slippage assumed when no surface is cached. Applied conservatively and flagged on the output.",
	"strategy_max_position_pct":    "Maximum share of portfolio NAV a single subnet position may reach before trims are recommended.",
	"strategy_buffer_target_pct":   "Target share of NAV held as free (unstaked) balance.",
	"reconcile_abs_tolerance_tao":  "Absolute TAO difference below which a stored-vs-live position check passes.",
	"reconcile_rel_tolerance":      "Relative difference below which a stored-vs-live position check passes (0.001 = 0.1%).",
	"alert_drawdown_pct":           "Drawdown from the executable NAV all-time high beyond which a critical alert is raised.",
}

// SettingUpdate represents a setting value update request
type SettingUpdate struct {
	Value interface{} `json:"value"`
}
