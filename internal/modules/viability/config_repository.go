package viability

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/database"
	"github.com/taovault/taovault/internal/domain"
)

const configColumns = `id, active, min_tao_reserve, min_emission_share, min_age_days,
	min_holder_count, max_drawdown_30d, max_negative_flow_ratio,
	weight_tao_reserve, weight_net_flow_7d, weight_emission_share,
	weight_price_trend_7d, weight_subnet_age, weight_max_drawdown,
	age_cap_days, tier_1_min, tier_2_min, tier_3_min, updated_at`

// ConfigRepository handles viability_config rows in config.db.
type ConfigRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConfigRepository creates a new viability config repository.
func NewConfigRepository(db *sql.DB, log zerolog.Logger) *ConfigRepository {
	return &ConfigRepository{
		db:  db,
		log: log.With().Str("repository", "viability_config").Logger(),
	}
}

// GetActive returns the single active configuration, or nil when none has
// been stored yet.
func (r *ConfigRepository) GetActive() (*Config, error) {
	row := r.db.QueryRow(`SELECT ` + configColumns + ` FROM viability_config WHERE active = 1 ORDER BY id DESC LIMIT 1`)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active viability config: %w", err)
	}
	return cfg, nil
}

// Activate validates the configuration and makes it the single active one.
// Prior rows are kept deactivated for audit.
func (r *ConfigRepository) Activate(cfg Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var id int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE viability_config SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("failed to deactivate viability configs: %w", err)
		}
		result, err := tx.Exec(`
			INSERT INTO viability_config (active, min_tao_reserve, min_emission_share,
				min_age_days, min_holder_count, max_drawdown_30d, max_negative_flow_ratio,
				weight_tao_reserve, weight_net_flow_7d, weight_emission_share,
				weight_price_trend_7d, weight_subnet_age, weight_max_drawdown,
				age_cap_days, tier_1_min, tier_2_min, tier_3_min, updated_at)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.MinTaoReserve.String(), cfg.MinEmissionShare, cfg.MinAgeDays,
			cfg.MinHolderCount, cfg.MaxDrawdown30d, cfg.MaxNegativeFlowRatio,
			cfg.WeightTaoReserve, cfg.WeightNetFlow7d, cfg.WeightEmissionShare,
			cfg.WeightPriceTrend7d, cfg.WeightSubnetAge, cfg.WeightMaxDrawdown,
			cfg.AgeCapDays, cfg.Tier1Min, cfg.Tier2Min, cfg.Tier3Min, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to insert viability config: %w", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get inserted config id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cfg.ID = id
	cfg.Active = true
	r.log.Info().Int64("config_id", id).Msg("viability config activated")
	return &cfg, nil
}

func scanConfig(row *sql.Row) (*Config, error) {
	var cfg Config
	var active int
	var reserveStr string
	err := row.Scan(&cfg.ID, &active, &reserveStr, &cfg.MinEmissionShare, &cfg.MinAgeDays,
		&cfg.MinHolderCount, &cfg.MaxDrawdown30d, &cfg.MaxNegativeFlowRatio,
		&cfg.WeightTaoReserve, &cfg.WeightNetFlow7d, &cfg.WeightEmissionShare,
		&cfg.WeightPriceTrend7d, &cfg.WeightSubnetAge, &cfg.WeightMaxDrawdown,
		&cfg.AgeCapDays, &cfg.Tier1Min, &cfg.Tier2Min, &cfg.Tier3Min, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Active = active != 0
	if cfg.MinTaoReserve, err = domain.DecimalFromString(reserveStr); err != nil {
		return nil, err
	}
	return &cfg, nil
}
