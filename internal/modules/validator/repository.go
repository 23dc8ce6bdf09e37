// Package validator stores validator performance rows in market.db.
package validator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
)

// Validator is one (hotkey, netuid) performance row.
type Validator struct {
	ID           int64
	Hotkey       string
	Netuid       int
	Name         string
	APY          float64
	APY7d        float64
	APY30d       float64
	TakeRate     float64
	StakeTao     decimal.Decimal
	QualityFlags []string
	UpdatedAt    int64
}

// Repository handles validator rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new validator repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "validator").Logger(),
	}
}

// Upsert writes one validator's current performance.
func (r *Repository) Upsert(v taostats.ValidatorInfo) error {
	flags, err := json.Marshal(v.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode quality flags: %w", err)
	}
	apy, _ := v.APY.Float64()
	apy7d, _ := v.APY7d.Float64()
	apy30d, _ := v.APY30d.Float64()
	take, _ := v.TakeRate.Float64()
	_, err = r.db.Exec(`
		INSERT INTO validators (hotkey, netuid, name, apy, apy_7d, apy_30d,
			take_rate, stake_tao, quality_flags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hotkey, netuid) DO UPDATE SET
			name = excluded.name,
			apy = excluded.apy,
			apy_7d = excluded.apy_7d,
			apy_30d = excluded.apy_30d,
			take_rate = excluded.take_rate,
			stake_tao = excluded.stake_tao,
			quality_flags = excluded.quality_flags,
			updated_at = excluded.updated_at`,
		v.Hotkey.SS58, v.Netuid, v.Name, apy, apy7d, apy30d,
		take, v.StakeTao.String(), string(flags), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert validator %s on subnet %d: %w", v.Hotkey.SS58, v.Netuid, err)
	}
	return nil
}

// Get returns one validator row, or nil if unknown.
func (r *Repository) Get(hotkey string, netuid int) (*Validator, error) {
	row := r.db.QueryRow(`
		SELECT id, hotkey, netuid, name, apy, apy_7d, apy_30d, take_rate,
			stake_tao, quality_flags, updated_at
		FROM validators WHERE hotkey = ? AND netuid = ?`, hotkey, netuid)
	v, err := scanValidator(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query validator %s on subnet %d: %w", hotkey, netuid, err)
	}
	return v, nil
}

// GetByNetuid returns all validators on a subnet ordered by stake.
func (r *Repository) GetByNetuid(netuid int) ([]Validator, error) {
	rows, err := r.db.Query(`
		SELECT id, hotkey, netuid, name, apy, apy_7d, apy_30d, take_rate,
			stake_tao, quality_flags, updated_at
		FROM validators WHERE netuid = ? ORDER BY CAST(stake_tao AS REAL) DESC`, netuid)
	if err != nil {
		return nil, fmt.Errorf("failed to query validators for subnet %d: %w", netuid, err)
	}
	defer rows.Close()

	var validators []Validator
	for rows.Next() {
		v, err := scanValidator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan validator: %w", err)
		}
		validators = append(validators, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating validators: %w", err)
	}
	return validators, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanValidator(row rowScanner) (*Validator, error) {
	var v Validator
	var name, stake, flags sql.NullString
	var apy, apy7d, apy30d, take sql.NullFloat64
	if err := row.Scan(&v.ID, &v.Hotkey, &v.Netuid, &name, &apy, &apy7d, &apy30d,
		&take, &stake, &flags, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Name = name.String
	v.APY = apy.Float64
	v.APY7d = apy7d.Float64
	v.APY30d = apy30d.Float64
	v.TakeRate = take.Float64
	if stake.Valid {
		d, err := domain.DecimalFromString(stake.String)
		if err != nil {
			return nil, err
		}
		v.StakeTao = d
	}
	if flags.Valid && flags.String != "" {
		if err := json.Unmarshal([]byte(flags.String), &v.QualityFlags); err != nil {
			return nil, fmt.Errorf("failed to decode quality flags: %w", err)
		}
	}
	return &v, nil
}
