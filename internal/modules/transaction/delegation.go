package transaction

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
)

const eventColumns = `id, event_id, extrinsic_id, block_number, timestamp, wallet,
	netuid, hotkey, kind, alpha_amount, tao_amount, created_at`

// DelegationRepository handles the delegation event feed in treasury.db.
type DelegationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDelegationRepository creates a new delegation event repository.
func NewDelegationRepository(db *sql.DB, log zerolog.Logger) *DelegationRepository {
	return &DelegationRepository{
		db:  db,
		log: log.With().Str("repository", "delegation").Logger(),
	}
}

// EventFromUpstream normalizes an upstream delegation event. Upstream
// amounts are rao-denominated on both the TAO and alpha side.
func EventFromUpstream(ev taostats.DelegationEvent, wallet string) DelegationEvent {
	return DelegationEvent{
		EventID:     ev.ID,
		ExtrinsicID: ev.ExtrinsicID,
		BlockNumber: ev.BlockNumber,
		Timestamp:   ev.Timestamp.Unix(),
		Wallet:      wallet,
		Netuid:      ev.Netuid,
		Hotkey:      ev.Delegate.SS58,
		Kind:        ev.Action,
		AlphaAmount: ev.Alpha.Shift(-9),
		TaoAmount:   ev.AmountRao.Shift(-9),
	}
}

// InsertIgnore appends an event unless its external id is already present.
func (r *DelegationRepository) InsertIgnore(e *DelegationEvent) (bool, error) {
	result, err := r.db.Exec(`
		INSERT OR IGNORE INTO delegation_events
			(event_id, extrinsic_id, block_number, timestamp, wallet, netuid,
			 hotkey, kind, alpha_amount, tao_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.ExtrinsicID, e.BlockNumber, e.Timestamp, e.Wallet, e.Netuid,
		e.Hotkey, e.Kind, e.AlphaAmount.String(), e.TaoAmount.String(), time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert delegation event %s: %w", e.EventID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetByWalletNetuid returns one position's events in chronological order.
func (r *DelegationRepository) GetByWalletNetuid(wallet string, netuid int) ([]DelegationEvent, error) {
	return r.query(`
		SELECT `+eventColumns+` FROM delegation_events
		WHERE wallet = ? AND netuid = ?
		ORDER BY block_number, timestamp`, wallet, netuid)
}

// GetByExtrinsicID returns the events produced by one extrinsic. A
// hotkey-wide unstake_all yields one event per subnet.
func (r *DelegationRepository) GetByExtrinsicID(extrinsicID string) ([]DelegationEvent, error) {
	return r.query(`
		SELECT `+eventColumns+` FROM delegation_events
		WHERE extrinsic_id = ? ORDER BY netuid`, extrinsicID)
}

func (r *DelegationRepository) query(q string, args ...interface{}) ([]DelegationEvent, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delegation events: %w", err)
	}
	defer rows.Close()

	var events []DelegationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delegation event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delegation events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*DelegationEvent, error) {
	var e DelegationEvent
	var extrinsicID, hotkey, alphaAmount, taoAmount sql.NullString

	err := row.Scan(&e.ID, &e.EventID, &extrinsicID, &e.BlockNumber, &e.Timestamp,
		&e.Wallet, &e.Netuid, &hotkey, &e.Kind, &alphaAmount, &taoAmount, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	e.ExtrinsicID = extrinsicID.String
	e.Hotkey = hotkey.String
	if e.AlphaAmount, err = decimalOrZero(alphaAmount); err != nil {
		return nil, err
	}
	if e.TaoAmount, err = decimalOrZero(taoAmount); err != nil {
		return nil, err
	}
	return &e, nil
}

func decimalOrZero(s sql.NullString) (decimal.Decimal, error) {
	if !s.Valid {
		return decimal.Zero, nil
	}
	return domain.DecimalFromString(s.String)
}
