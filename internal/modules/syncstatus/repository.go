// Package syncstatus tracks per-dataset sync health in treasury.db.
//
// Every upstream dataset (stake balances, pools, delegation events, ...)
// gets one row recording its last attempt, last success and failure streak.
// The trust gate reads these rows to decide whether derived analytics can
// be trusted.
package syncstatus

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Dataset names. One row per name in sync_status.
const (
	DatasetStakeBalances    = "stake_balances"
	DatasetStakeHistory     = "stake_history"
	DatasetDelegationEvents = "delegation_events"
	DatasetExtrinsics       = "extrinsics"
	DatasetPools            = "pools"
	DatasetPoolHistory      = "pool_history"
	DatasetSubnets          = "subnets"
	DatasetValidators       = "validators"
	DatasetSlippage         = "slippage"
	DatasetTaxAccounting    = "tax_accounting"
)

// Status is one dataset's sync health row.
type Status struct {
	Dataset             string
	LastAttempt         int64
	LastSuccess         int64
	LastError           string
	ConsecutiveFailures int
	RecordsLastSync     int
}

// Repository persists sync health rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new sync status repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "syncstatus").Logger(),
	}
}

// RecordSuccess marks a dataset as freshly synced and resets its failure
// streak.
func (r *Repository) RecordSuccess(dataset string, records int) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO sync_status (dataset, last_attempt, last_success, last_error, consecutive_failures, records_last_sync)
		VALUES (?, ?, ?, NULL, 0, ?)
		ON CONFLICT(dataset) DO UPDATE SET
			last_attempt = excluded.last_attempt,
			last_success = excluded.last_success,
			last_error = NULL,
			consecutive_failures = 0,
			records_last_sync = excluded.records_last_sync`,
		dataset, now, now, records)
	if err != nil {
		return fmt.Errorf("failed to record sync success for %s: %w", dataset, err)
	}
	return nil
}

// RecordFailure marks a failed attempt and bumps the failure streak. The
// last success timestamp and record count are left untouched so staleness
// checks keep working.
func (r *Repository) RecordFailure(dataset string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.db.Exec(`
		INSERT INTO sync_status (dataset, last_attempt, last_success, last_error, consecutive_failures, records_last_sync)
		VALUES (?, ?, NULL, ?, 1, 0)
		ON CONFLICT(dataset) DO UPDATE SET
			last_attempt = excluded.last_attempt,
			last_error = excluded.last_error,
			consecutive_failures = sync_status.consecutive_failures + 1`,
		dataset, time.Now().Unix(), msg)
	if err != nil {
		return fmt.Errorf("failed to record sync failure for %s: %w", dataset, err)
	}
	return nil
}

// Get returns one dataset's status, or nil if it has never been attempted.
func (r *Repository) Get(dataset string) (*Status, error) {
	row := r.db.QueryRow(`
		SELECT dataset, last_attempt, last_success, last_error, consecutive_failures, records_last_sync
		FROM sync_status WHERE dataset = ?`, dataset)
	s, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync status for %s: %w", dataset, err)
	}
	return s, nil
}

// GetAll returns every dataset's status ordered by name.
func (r *Repository) GetAll() ([]Status, error) {
	rows, err := r.db.Query(`
		SELECT dataset, last_attempt, last_success, last_error, consecutive_failures, records_last_sync
		FROM sync_status ORDER BY dataset`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync statuses: %w", err)
	}
	defer rows.Close()

	var statuses []Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		statuses = append(statuses, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync statuses: %w", err)
	}
	return statuses, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row rowScanner) (*Status, error) {
	var s Status
	var lastAttempt, lastSuccess sql.NullInt64
	var lastError sql.NullString
	if err := row.Scan(&s.Dataset, &lastAttempt, &lastSuccess, &lastError, &s.ConsecutiveFailures, &s.RecordsLastSync); err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		s.LastAttempt = lastAttempt.Int64
	}
	if lastSuccess.Valid {
		s.LastSuccess = lastSuccess.Int64
	}
	if lastError.Valid {
		s.LastError = lastError.String
	}
	return &s, nil
}
