// Package settings stores runtime configuration as key-value rows in
// config.db: API credentials, wallet addresses, sync cadence, regime
// thresholds, backup schedules. Values persisted here override
// environment variables, so knobs can change without a restart.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// Repository reads and writes the settings table. Every value is stored
// as TEXT; the typed getters parse on the way out and fall back to the
// caller's default when a row is missing or malformed.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a settings repository over config.db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get returns the raw value for key, or nil when no row exists.
// A missing setting is not an error; callers decide the fallback.
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set upserts a setting. A nil description leaves any existing
// description in place rather than clearing it.
func (r *Repository) Set(key string, value string, description *string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, description, updated_at)
		VALUES (?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET
			value       = excluded.value,
			description = COALESCE(excluded.description, settings.description),
			updated_at  = excluded.updated_at
	`, key, value, description)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetAll returns every stored setting keyed by name. Rows that fail to
// scan are skipped with a warning so one bad row cannot hide the rest.
func (r *Repository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return result, nil
}

// numeric fetches key and parses it as float64. Parse failures log a
// warning and hand back the default with a nil error: a fat-fingered
// setting should degrade to the default, not wedge a sync pass. Query
// errors still propagate alongside the default.
func (r *Repository) numeric(key string, defaultValue float64) (float64, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("key", key).
			Str("value", *value).
			Msg("Failed to parse numeric setting")
		return defaultValue, nil
	}
	return parsed, nil
}

// GetFloat returns the setting parsed as float64, or defaultValue when
// the row is missing or unparseable.
func (r *Repository) GetFloat(key string, defaultValue float64) (float64, error) {
	return r.numeric(key, defaultValue)
}

// SetFloat stores a float64 setting.
func (r *Repository) SetFloat(key string, value float64) error {
	return r.Set(key, fmt.Sprintf("%f", value), nil)
}

// GetInt returns the setting as an int. Values written by SetFloat land
// in the table as "12.000000", so parsing goes through float64 and
// truncates rather than rejecting the decimal point.
func (r *Repository) GetInt(key string, defaultValue int) (int, error) {
	parsed, err := r.numeric(key, float64(defaultValue))
	return int(parsed), err
}

// SetInt stores an integer setting.
func (r *Repository) SetInt(key string, value int) error {
	return r.Set(key, fmt.Sprintf("%d", value), nil)
}

// GetBool returns the setting as a bool. "true", "1", "yes" and "on"
// count as true; any other stored value is false.
func (r *Repository) GetBool(key string, defaultValue bool) (bool, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}

	switch *value {
	case "true", "1", "yes", "on":
		return true, nil
	default:
		return false, nil
	}
}

// SetBool stores a boolean setting as "true" or "false".
func (r *Repository) SetBool(key string, value bool) error {
	return r.Set(key, strconv.FormatBool(value), nil)
}

// Delete removes a setting. Deleting a key that was never set is fine.
func (r *Repository) Delete(key string) error {
	if _, err := r.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
