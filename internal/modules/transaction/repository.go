package transaction

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

const txColumns = `id, extrinsic_id, block_number, timestamp, wallet, netuid, hotkey,
	action, amount_rao, amount_tao, alpha_amount, limit_price, fee_tao, success, created_at`

// Repository handles the stake transaction ledger in treasury.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new stake transaction repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "transaction").Logger(),
	}
}

// InsertIgnore appends a transaction unless its extrinsic id is already
// present. Returns whether a new row was written, so callers can count
// genuinely new transactions across re-ingests.
func (r *Repository) InsertIgnore(tx *StakeTransaction) (bool, error) {
	success := 0
	if tx.Success {
		success = 1
	}
	result, err := r.db.Exec(`
		INSERT OR IGNORE INTO stake_transactions
			(extrinsic_id, block_number, timestamp, wallet, netuid, hotkey,
			 action, amount_rao, amount_tao, alpha_amount, limit_price, fee_tao,
			 success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ExtrinsicID, tx.BlockNumber, tx.Timestamp, tx.Wallet, tx.Netuid, tx.Hotkey,
		string(tx.Action), tx.AmountRao, tx.AmountTao.String(),
		nullableDecimal(tx.AlphaAmount), nullableDecimal(tx.LimitPrice), tx.FeeTao.String(),
		success, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction %s: %w", tx.ExtrinsicID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetByWalletNetuid returns the transactions backing one position in replay
// order: block number, then timestamp.
func (r *Repository) GetByWalletNetuid(wallet string, netuid int) ([]StakeTransaction, error) {
	return r.query(`
		SELECT `+txColumns+` FROM stake_transactions
		WHERE wallet = ? AND netuid = ?
		ORDER BY block_number, timestamp`, wallet, netuid)
}

// GetByWalletBetween returns a wallet's successful transactions inside
// [fromTs, toTs], in replay order. Used for net-flow windows.
func (r *Repository) GetByWalletBetween(wallet string, fromTs, toTs int64) ([]StakeTransaction, error) {
	return r.query(`
		SELECT `+txColumns+` FROM stake_transactions
		WHERE wallet = ? AND success = 1 AND timestamp >= ? AND timestamp <= ?
		ORDER BY block_number, timestamp`, wallet, fromTs, toTs)
}

// GetByExtrinsicID returns one transaction, or nil if unknown.
func (r *Repository) GetByExtrinsicID(extrinsicID string) (*StakeTransaction, error) {
	row := r.db.QueryRow(`SELECT `+txColumns+` FROM stake_transactions WHERE extrinsic_id = ?`,
		extrinsicID)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction %s: %w", extrinsicID, err)
	}
	return tx, nil
}

// GetUnresolved returns a wallet's transactions still missing data the
// delegation feed supplies: an unknown netuid, a stake without its alpha, or
// an unstake without proceeds.
func (r *Repository) GetUnresolved(wallet string) ([]StakeTransaction, error) {
	return r.query(`
		SELECT `+txColumns+` FROM stake_transactions
		WHERE wallet = ? AND success = 1 AND (
			netuid = ?
			OR (action = ? AND alpha_amount IS NULL)
			OR (action IN (?, ?) AND amount_rao = 0)
		)
		ORDER BY block_number, timestamp`,
		wallet, NetuidUnknown, string(domain.StakeActionStake),
		string(domain.StakeActionUnstake), string(domain.StakeActionUnstakeAll))
}

// Resolve fills in fields learned after classification. Nil arguments leave
// the stored value untouched.
func (r *Repository) Resolve(extrinsicID string, netuid *int, amountTao, alphaAmount *decimal.Decimal) error {
	tx, err := r.GetByExtrinsicID(extrinsicID)
	if err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("transaction %s not found", extrinsicID)
	}
	if netuid != nil {
		tx.Netuid = *netuid
	}
	if amountTao != nil {
		tx.AmountTao = *amountTao
		if rao, err := domain.RaoFromTao(domain.RoundTao(*amountTao)); err == nil {
			tx.AmountRao = rao
		}
	}
	if alphaAmount != nil {
		tx.AlphaAmount = alphaAmount
	}

	_, err = r.db.Exec(`
		UPDATE stake_transactions
		SET netuid = ?, amount_rao = ?, amount_tao = ?, alpha_amount = ?
		WHERE extrinsic_id = ?`,
		tx.Netuid, tx.AmountRao, tx.AmountTao.String(), nullableDecimal(tx.AlphaAmount),
		extrinsicID)
	if err != nil {
		return fmt.Errorf("failed to resolve transaction %s: %w", extrinsicID, err)
	}
	return nil
}

// HighestBlock returns the highest stored block number for a wallet, so the
// extrinsic sync can fetch only newer blocks. Zero when no rows exist.
func (r *Repository) HighestBlock(wallet string) (int64, error) {
	var block sql.NullInt64
	err := r.db.QueryRow(`
		SELECT MAX(block_number) FROM stake_transactions WHERE wallet = ?`, wallet).
		Scan(&block)
	if err != nil {
		return 0, fmt.Errorf("failed to query highest block for %s: %w", wallet, err)
	}
	return block.Int64, nil
}

// NetuidsWithTransactions lists the subnets a wallet has ever transacted on.
func (r *Repository) NetuidsWithTransactions(wallet string) ([]int, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT netuid FROM stake_transactions
		WHERE wallet = ? AND netuid >= 0 ORDER BY netuid`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query transacted netuids for %s: %w", wallet, err)
	}
	defer rows.Close()

	var netuids []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan netuid: %w", err)
		}
		netuids = append(netuids, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating netuids: %w", err)
	}
	return netuids, nil
}

func (r *Repository) query(q string, args ...interface{}) ([]StakeTransaction, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []StakeTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*StakeTransaction, error) {
	var tx StakeTransaction
	var hotkey, alphaAmount, limitPrice sql.NullString
	var amountTao, feeTao, action string
	var success int

	err := row.Scan(&tx.ID, &tx.ExtrinsicID, &tx.BlockNumber, &tx.Timestamp,
		&tx.Wallet, &tx.Netuid, &hotkey, &action, &tx.AmountRao, &amountTao,
		&alphaAmount, &limitPrice, &feeTao, &success, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}

	tx.Hotkey = hotkey.String
	tx.Action = domain.StakeAction(action)
	tx.Success = success == 1

	if tx.AmountTao, err = domain.DecimalFromString(amountTao); err != nil {
		return nil, err
	}
	if tx.FeeTao, err = domain.DecimalFromString(feeTao); err != nil {
		return nil, err
	}
	if alphaAmount.Valid {
		d, err := domain.DecimalFromString(alphaAmount.String)
		if err != nil {
			return nil, err
		}
		tx.AlphaAmount = &d
	}
	if limitPrice.Valid {
		d, err := domain.DecimalFromString(limitPrice.String)
		if err != nil {
			return nil, err
		}
		tx.LimitPrice = &d
	}
	return &tx, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}
