package slippage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/domain"
)

// Repository handles slippage_surfaces rows in market.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new slippage repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "slippage").Logger(),
	}
}

// Upsert writes one surface point, replacing any previous quote for the same
// (netuid, action, size).
func (r *Repository) Upsert(s Surface) error {
	_, err := r.db.Exec(`
		INSERT INTO slippage_surfaces (netuid, action, size_tao, slippage_pct,
			expected_output, pool_tao_reserve, pool_alpha_reserve, computed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(netuid, action, size_tao) DO UPDATE SET
			slippage_pct = excluded.slippage_pct,
			expected_output = excluded.expected_output,
			pool_tao_reserve = excluded.pool_tao_reserve,
			pool_alpha_reserve = excluded.pool_alpha_reserve,
			computed_at = excluded.computed_at,
			expires_at = excluded.expires_at`,
		s.Netuid, s.Action, s.SizeTao.String(), s.SlippagePct.String(),
		s.ExpectedOutput.String(), s.PoolTaoReserve.String(), s.PoolAlphaReserve.String(),
		s.ComputedAt.Unix(), s.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert slippage surface %d/%s/%s: %w",
			s.Netuid, s.Action, s.SizeTao.String(), err)
	}
	return nil
}

// GetSurface returns every cached point for one subnet and direction,
// ordered by size ascending. Expired points are included; the service
// decides whether stale data is acceptable.
func (r *Repository) GetSurface(netuid int, action string) ([]Surface, error) {
	rows, err := r.db.Query(`
		SELECT netuid, action, size_tao, slippage_pct, expected_output,
			pool_tao_reserve, pool_alpha_reserve, computed_at, expires_at
		FROM slippage_surfaces
		WHERE netuid = ? AND action = ?
		ORDER BY CAST(size_tao AS REAL)`, netuid, action)
	if err != nil {
		return nil, fmt.Errorf("failed to query slippage surface %d/%s: %w", netuid, action, err)
	}
	defer rows.Close()

	var surfaces []Surface
	for rows.Next() {
		s, err := scanSurface(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slippage surface: %w", err)
		}
		surfaces = append(surfaces, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slippage surfaces: %w", err)
	}
	return surfaces, nil
}

// PurgeOlderThan deletes points whose freshness window closed before the
// cutoff. Recently expired rows survive so stale reads keep working between
// deep syncs.
func (r *Repository) PurgeOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM slippage_surfaces WHERE expires_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge slippage surfaces: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.log.Debug().Int64("purged", n).Msg("expired slippage surfaces purged")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSurface(row rowScanner) (*Surface, error) {
	var s Surface
	var sizeStr, pctStr string
	var output, taoReserve, alphaReserve sql.NullString
	var computedAt, expiresAt int64

	err := row.Scan(&s.Netuid, &s.Action, &sizeStr, &pctStr, &output,
		&taoReserve, &alphaReserve, &computedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	if s.SizeTao, err = domain.DecimalFromString(sizeStr); err != nil {
		return nil, err
	}
	if s.SlippagePct, err = domain.DecimalFromString(pctStr); err != nil {
		return nil, err
	}
	if output.Valid {
		if s.ExpectedOutput, err = domain.DecimalFromString(output.String); err != nil {
			return nil, err
		}
	}
	if taoReserve.Valid {
		if s.PoolTaoReserve, err = domain.DecimalFromString(taoReserve.String); err != nil {
			return nil, err
		}
	}
	if alphaReserve.Valid {
		if s.PoolAlphaReserve, err = domain.DecimalFromString(alphaReserve.String); err != nil {
			return nil, err
		}
	}
	s.ComputedAt = time.Unix(computedAt, 0).UTC()
	s.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &s, nil
}
