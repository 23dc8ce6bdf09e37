package reconciliation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/domain"
)

// Repository handles reconciliation_runs rows in treasury.db. Per-check
// details are stored as a JSON blob; the totals columns stay queryable.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new reconciliation repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "reconciliation").Logger(),
	}
}

// Insert persists one finished run.
func (r *Repository) Insert(run *Run) error {
	details, err := json.Marshal(run.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal reconciliation checks: %w", err)
	}
	var completedAt interface{}
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.Unix()
	}
	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}
	drift := 0
	if run.DriftDetected {
		drift = 1
	}
	_, err = r.db.Exec(`
		INSERT INTO reconciliation_runs (run_id, wallet, started_at, completed_at,
			total_checks, passed, failed, absolute_tolerance_tao,
			relative_tolerance_pct, drift_detected, error, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Wallet, run.StartedAt.Unix(), completedAt,
		run.TotalChecks, run.Passed, run.Failed, run.Tolerances.AbsoluteTao.String(),
		run.Tolerances.Relative.String(), drift, errMsg, string(details))
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation run %s: %w", run.RunID, err)
	}
	return nil
}

// GetLatest returns the most recent run for a wallet, or nil when the wallet
// has never been reconciled.
func (r *Repository) GetLatest(wallet string) (*Run, error) {
	row := r.db.QueryRow(`
		SELECT run_id, wallet, started_at, completed_at, total_checks, passed,
			failed, absolute_tolerance_tao, relative_tolerance_pct,
			drift_detected, error, details
		FROM reconciliation_runs WHERE wallet = ?
		ORDER BY started_at DESC, run_id DESC LIMIT 1`, wallet)
	return scanRunRow(row)
}

// GetLatestAny returns the most recent run across all wallets. The trust
// gate uses it when judging reconciliation recency.
func (r *Repository) GetLatestAny() (*Run, error) {
	row := r.db.QueryRow(`
		SELECT run_id, wallet, started_at, completed_at, total_checks, passed,
			failed, absolute_tolerance_tao, relative_tolerance_pct,
			drift_detected, error, details
		FROM reconciliation_runs
		ORDER BY started_at DESC, run_id DESC LIMIT 1`)
	return scanRunRow(row)
}

// GetRecent returns up to limit runs for a wallet, newest first.
func (r *Repository) GetRecent(wallet string, limit int) ([]Run, error) {
	rows, err := r.db.Query(`
		SELECT run_id, wallet, started_at, completed_at, total_checks, passed,
			failed, absolute_tolerance_tao, relative_tolerance_pct,
			drift_detected, error, details
		FROM reconciliation_runs WHERE wallet = ?
		ORDER BY started_at DESC, run_id DESC LIMIT ?`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation runs: %w", err)
	}
	return runs, nil
}

func scanRunRow(row *sql.Row) (*Run, error) {
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation run: %w", err)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var startedAt int64
	var completedAt sql.NullInt64
	var absStr, relStr string
	var drift int
	var errMsg, details sql.NullString

	err := row.Scan(&run.RunID, &run.Wallet, &startedAt, &completedAt,
		&run.TotalChecks, &run.Passed, &run.Failed, &absStr, &relStr,
		&drift, &errMsg, &details)
	if err != nil {
		return nil, err
	}

	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		run.CompletedAt = &t
	}
	if run.Tolerances.AbsoluteTao, err = domain.DecimalFromString(absStr); err != nil {
		return nil, err
	}
	if run.Tolerances.Relative, err = domain.DecimalFromString(relStr); err != nil {
		return nil, err
	}
	run.DriftDetected = drift != 0
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &run.Checks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reconciliation checks: %w", err)
		}
	}
	return &run, nil
}
