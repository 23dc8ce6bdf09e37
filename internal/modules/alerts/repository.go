package alerts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const alertColumns = `id, created_at, severity, category, wallet, netuid, message, snapshot_ref, acknowledged`

// Repository persists alerts in treasury.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new alert repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "alerts").Logger(),
	}
}

// Insert stores one alert, assigning an id and timestamp when absent.
func (r *Repository) Insert(alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt == 0 {
		alert.CreatedAt = time.Now().Unix()
	}

	_, err := r.db.Exec(`
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.CreatedAt, string(alert.Severity), string(alert.Category),
		nullableString(alert.Wallet), nullableInt(alert.Netuid),
		alert.Message, nullableString(alert.SnapshotRef), alert.Acknowledged)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetRecent returns the newest alerts, most recent first.
func (r *Repository) GetRecent(limit int) ([]Alert, error) {
	rows, err := r.db.Query(`
		SELECT `+alertColumns+` FROM alerts
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// GetUnacknowledged returns all open alerts, oldest first.
func (r *Repository) GetUnacknowledged() ([]Alert, error) {
	rows, err := r.db.Query(`
		SELECT `+alertColumns+` FROM alerts
		WHERE acknowledged = 0
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unacknowledged alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// Acknowledge marks one alert as seen.
func (r *Repository) Acknowledge(id string) error {
	result, err := r.db.Exec(`UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert %s not found", id)
	}
	return nil
}

// ExistsSince reports whether an alert with the same category, wallet and
// netuid was already raised at or after the given time. The indicator pass
// uses this to avoid re-raising the same finding every run.
func (r *Repository) ExistsSince(category Category, wallet string, netuid *int, since int64) (bool, error) {
	query := `SELECT COUNT(*) FROM alerts WHERE category = ? AND created_at >= ?`
	args := []interface{}{string(category), since}

	if wallet == "" {
		query += ` AND wallet IS NULL`
	} else {
		query += ` AND wallet = ?`
		args = append(args, wallet)
	}
	if netuid == nil {
		query += ` AND netuid IS NULL`
	} else {
		query += ` AND netuid = ?`
		args = append(args, *netuid)
	}

	var count int
	if err := r.db.QueryRow(query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check for existing alert: %w", err)
	}
	return count > 0, nil
}

// PurgeAcknowledged deletes acknowledged alerts older than the cutoff.
func (r *Repository) PurgeAcknowledged(before time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge acknowledged alerts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.log.Debug().Int64("purged", n).Msg("acknowledged alerts purged")
	}
	return n, nil
}

func collectAlerts(rows *sql.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		var a Alert
		var wallet, snapshotRef sql.NullString
		var netuid sql.NullInt64

		err := rows.Scan(&a.ID, &a.CreatedAt, &a.Severity, &a.Category,
			&wallet, &netuid, &a.Message, &snapshotRef, &a.Acknowledged)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		a.Wallet = wallet.String
		a.SnapshotRef = snapshotRef.String
		if netuid.Valid {
			n := int(netuid.Int64)
			a.Netuid = &n
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
