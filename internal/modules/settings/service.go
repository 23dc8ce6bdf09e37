package settings

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service is the typed face of the settings table: reads come back as
// the type the key is declared with, merged over SettingDefaults, and
// writes pass per-key validation before they persist.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService wraps a settings repository with validation and defaults.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "settings").Logger(),
	}
}

// coerce maps a stored string to the type callers expect for key: keys
// declared in StringSettings stay strings, everything else parses as
// float64. An unparseable row degrades to the key's default.
func coerce(key, raw string) interface{} {
	if StringSettings[key] {
		return raw
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return SettingDefaults[key]
}

// GetAll returns every known setting, database overrides merged over
// SettingDefaults. Stored rows for keys that are no longer declared are
// ignored rather than surfaced.
func (s *Service) GetAll() (map[string]interface{}, error) {
	stored, err := s.repo.GetAll()
	if err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(SettingDefaults))
	for key, def := range SettingDefaults {
		raw, ok := stored[key]
		if !ok {
			merged[key] = def
			continue
		}
		merged[key] = coerce(key, raw)
	}

	return merged, nil
}

// Get returns the effective value for one key: the stored override when
// present, the declared default otherwise. Undeclared keys error.
func (s *Service) Get(key string) (interface{}, error) {
	stored, err := s.repo.Get(key)
	if err != nil {
		return nil, err
	}

	def, known := SettingDefaults[key]
	if !known {
		return nil, fmt.Errorf("unknown setting: %s", key)
	}
	if stored == nil {
		return def, nil
	}
	return coerce(key, *stored), nil
}

// Set validates and persists one setting.
// Unknown keys are rejected so typos never create orphan settings.
func (s *Service) Set(key string, value interface{}) error {
	if _, exists := SettingDefaults[key]; !exists {
		return fmt.Errorf("unknown setting: %s", key)
	}

	if err := s.validate(key, value); err != nil {
		return err
	}

	var stored string
	switch v := value.(type) {
	case string:
		stored = v
	case float64:
		stored = fmt.Sprintf("%f", v)
	case int:
		stored = strconv.Itoa(v)
	case bool:
		stored = strconv.FormatBool(v)
	default:
		return fmt.Errorf("unsupported value type for setting %s", key)
	}

	if err := s.repo.Set(key, stored, nil); err != nil {
		return err
	}

	s.log.Info().Str("key", key).Msg("Setting updated")
	return nil
}

// validate applies per-key constraints before a setting is persisted.
func (s *Service) validate(key string, value interface{}) error {
	switch key {
	case "regime_quarantine_threshold", "regime_risk_off_threshold":
		floatVal, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s must be a float", key)
		}
		if floatVal >= 0 {
			return fmt.Errorf("%s must be negative (it describes an outflow), got %f", key, floatVal)
		}

	case "regime_persistence_dead", "regime_persistence_quarantine",
		"regime_persistence_risk_off", "regime_persistence_risk_on",
		"regime_persistence_neutral":
		floatVal, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s must be a float", key)
		}
		if floatVal < 1 {
			return fmt.Errorf("%s must be at least 1 pass, got %f", key, floatVal)
		}

	case "strategy_max_position_pct", "strategy_root_target_pct",
		"strategy_buffer_target_pct", "strategy_rebalance_drift_pct":
		floatVal, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s must be a float", key)
		}
		if floatVal <= 0 || floatVal > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %f", key, floatVal)
		}

	case "slippage_default_pct":
		floatVal, ok := value.(float64)
		if !ok {
			return fmt.Errorf("slippage_default_pct must be a float")
		}
		if floatVal < 0 || floatVal > 0.5 {
			return fmt.Errorf("slippage_default_pct must be between 0 and 0.5, got %f", floatVal)
		}

	case "reconcile_abs_tolerance_tao", "reconcile_rel_tolerance":
		strVal, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be a decimal string", key)
		}
		d, err := decimal.NewFromString(strVal)
		if err != nil {
			return fmt.Errorf("%s is not a valid decimal: %w", key, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must be non-negative, got %s", key, strVal)
		}

	case "r2_backup_schedule":
		strVal, ok := value.(string)
		if !ok {
			return fmt.Errorf("r2_backup_schedule must be a string")
		}
		if strVal != "daily" && strVal != "weekly" && strVal != "monthly" {
			return fmt.Errorf("r2_backup_schedule must be 'daily', 'weekly' or 'monthly', got %s", strVal)
		}

	case "job_maintenance_hour", "job_reconcile_hour":
		floatVal, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s must be a float", key)
		}
		if floatVal < 0 || floatVal > 23 {
			return fmt.Errorf("%s must be an hour between 0 and 23, got %f", key, floatVal)
		}

	case "taostats_rate_per_minute", "api_max_retries", "api_timeout_seconds", "api_max_pages":
		floatVal, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s must be a float", key)
		}
		if floatVal <= 0 {
			return fmt.Errorf("%s must be positive, got %f", key, floatVal)
		}
	}

	return nil
}
