package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the history store
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/database"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/accounting"
)

// Store provides access to history.db. Unlike the other repositories it
// owns its connection: the time-series workload runs on the cgo driver
// while the rest of the service stays on the pure Go one.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open opens (creating if needed) history.db at the given path and applies
// the embedded schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve history database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1", absPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Writes are serialized through a single connection; SQLite locks the
	// file per-writer anyway.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(24 * time.Hour)

	schema, err := database.Schema("history")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &Store{
		db:   db,
		path: absPath,
		log:  log.With().Str("repository", "history").Logger(),
	}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Conn returns the underlying connection, for maintenance jobs (backup,
// WAL checkpoint) that operate on every database.
func (s *Store) Conn() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RecordSubnetSnapshot appends one subnet snapshot. Snapshots are
// immutable; a duplicate (netuid, timestamp) is silently ignored.
func (s *Store) RecordSubnetSnapshot(snap SubnetSnapshot) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO subnet_snapshots
			(netuid, timestamp, pool_tao_reserve, pool_alpha_reserve, alpha_price_tao,
			 emission_share, holder_count, flow_7d, flow_regime, viability_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Netuid, snap.Timestamp,
		snap.PoolTaoReserve.String(), snap.PoolAlphaReserve.String(),
		nullableDecimal(snap.AlphaPriceTao),
		snap.EmissionShare, snap.HolderCount,
		snap.Flow7d.String(), string(snap.FlowRegime), nullableFloat(snap.ViabilityScore))
	if err != nil {
		return fmt.Errorf("failed to record subnet snapshot %d@%d: %w", snap.Netuid, snap.Timestamp, err)
	}
	return nil
}

// RecordPositionSnapshot appends one position snapshot.
func (s *Store) RecordPositionSnapshot(snap PositionSnapshot) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO position_snapshots
			(wallet, netuid, timestamp, alpha_balance, tao_value_mid, tao_value_exec,
			 cost_basis_tao, unrealized_pnl_tao, unrealized_yield_tao)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Wallet, snap.Netuid, snap.Timestamp,
		snap.AlphaBalance.String(), snap.TaoValueMid.String(),
		nullableDecimal(snap.TaoValueExec), nullableDecimal(snap.CostBasisTao),
		snap.UnrealizedPnlTao.String(), snap.UnrealizedYieldTao.String())
	if err != nil {
		return fmt.Errorf("failed to record position snapshot %s/%d@%d: %w",
			snap.Wallet, snap.Netuid, snap.Timestamp, err)
	}
	return nil
}

// RecordPortfolioSnapshot appends one portfolio snapshot.
func (s *Store) RecordPortfolioSnapshot(snap PortfolioSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO portfolio_snapshots
			(wallet, timestamp, nav_mid_tao, nav_exec_tao, root_value_tao,
			 subnet_value_tao, buffer_value_tao, total_unrealized_pnl_tao,
			 total_unrealized_yield_tao, turnover_30d, portfolio_regime, regime_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Wallet, snap.Timestamp,
		snap.NavMidTao.String(), snap.NavExecTao.String(),
		snap.RootValueTao.String(), snap.SubnetValueTao.String(), snap.BufferValueTao.String(),
		snap.TotalUnrealizedPnlTao.String(), snap.TotalUnrealizedYieldTao.String(),
		nullableDecimal(snap.Turnover30d), string(snap.PortfolioRegime), snap.RegimeReason)
	if err != nil {
		return fmt.Errorf("failed to record portfolio snapshot %s@%d: %w", snap.Wallet, snap.Timestamp, err)
	}
	return nil
}

// PositionValueAt returns the mid TAO value from the closest position
// snapshot at or before ts, along with the snapshot's own timestamp.
// Earnings windows anchor on these; a missing snapshot is an error, never
// an assumed zero.
func (s *Store) PositionValueAt(wallet string, netuid int, ts int64) (decimal.Decimal, int64, error) {
	var raw string
	var at int64
	err := s.db.QueryRow(`
		SELECT tao_value_mid, timestamp FROM position_snapshots
		WHERE wallet = ? AND netuid = ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1`,
		wallet, netuid, ts).Scan(&raw, &at)
	if err == sql.ErrNoRows {
		return decimal.Zero, 0, &accounting.MissingSnapshotError{Wallet: wallet, Netuid: netuid, At: ts}
	}
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to query position snapshot %s/%d: %w", wallet, netuid, err)
	}
	value, err := domain.DecimalFromString(raw)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return value, at, nil
}

// PortfolioValueAt returns the exec NAV from the closest portfolio
// snapshot at or before ts.
func (s *Store) PortfolioValueAt(wallet string, ts int64) (decimal.Decimal, int64, error) {
	var raw string
	var at int64
	err := s.db.QueryRow(`
		SELECT nav_exec_tao, timestamp FROM portfolio_snapshots
		WHERE wallet = ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1`,
		wallet, ts).Scan(&raw, &at)
	if err == sql.ErrNoRows {
		return decimal.Zero, 0, &accounting.MissingSnapshotError{Wallet: wallet, Netuid: accounting.PortfolioNetuid, At: ts}
	}
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to query portfolio snapshot %s: %w", wallet, err)
	}
	value, err := domain.DecimalFromString(raw)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return value, at, nil
}

// SubnetSnapshots returns a subnet's snapshots at or after since, oldest
// first.
func (s *Store) SubnetSnapshots(netuid int, since int64) ([]SubnetSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT netuid, timestamp, pool_tao_reserve, pool_alpha_reserve, alpha_price_tao,
		       emission_share, holder_count, flow_7d, flow_regime, viability_score
		FROM subnet_snapshots
		WHERE netuid = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, netuid, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query subnet snapshots for %d: %w", netuid, err)
	}
	defer rows.Close()

	var snaps []SubnetSnapshot
	for rows.Next() {
		var snap SubnetSnapshot
		var taoReserve, alphaReserve, flow7d string
		var price sql.NullString
		var regime string
		var score sql.NullFloat64

		if err := rows.Scan(&snap.Netuid, &snap.Timestamp, &taoReserve, &alphaReserve, &price,
			&snap.EmissionShare, &snap.HolderCount, &flow7d, &regime, &score); err != nil {
			return nil, fmt.Errorf("failed to scan subnet snapshot: %w", err)
		}

		if snap.PoolTaoReserve, err = domain.DecimalFromString(taoReserve); err != nil {
			return nil, err
		}
		if snap.PoolAlphaReserve, err = domain.DecimalFromString(alphaReserve); err != nil {
			return nil, err
		}
		if snap.Flow7d, err = domain.DecimalFromString(flow7d); err != nil {
			return nil, err
		}
		if price.Valid {
			p, err := domain.DecimalFromString(price.String)
			if err != nil {
				return nil, err
			}
			snap.AlphaPriceTao = &p
		}
		snap.FlowRegime = domain.FlowRegime(regime)
		if score.Valid {
			v := score.Float64
			snap.ViabilityScore = &v
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subnet snapshots: %w", err)
	}
	return snaps, nil
}

// Prune deletes snapshot rows older than the cutoff. The NAV series is
// never pruned; the all-time high depends on its full length.
func (s *Store) Prune(before time.Time) (int64, error) {
	cutoff := before.Unix()
	var total int64
	for _, table := range []string{"subnet_snapshots", "position_snapshots", "portfolio_snapshots"} {
		res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.log.Info().Int64("rows", total).Time("cutoff", before).Msg("Pruned old snapshots")
	}
	return total, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
