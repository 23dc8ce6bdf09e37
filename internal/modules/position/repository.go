package position

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

const positionColumns = `id, wallet, netuid, hotkey, alpha_balance, alpha_purchased,
	total_yield_alpha, tao_value_mid, tao_value_exec_half, tao_value_exec_full,
	entry_price, entry_date, cost_basis_tao, cost_basis_usd,
	realized_pnl_tao, realized_yield_tao,
	unrealized_pnl_tao, unrealized_yield_tao, unrealized_alpha_pnl_tao,
	recommended_action, updated_at`

// Repository handles position rows in treasury.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new position repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "position").Logger(),
	}
}

// UpsertBalance writes one sync pass's fresh balance. Accounting fields are
// untouched; they belong to the cost-basis and yield engines.
func (r *Repository) UpsertBalance(u BalanceUpdate) error {
	_, err := r.db.Exec(`
		INSERT INTO positions (wallet, netuid, hotkey, alpha_balance, tao_value_mid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet, netuid) DO UPDATE SET
			hotkey = excluded.hotkey,
			alpha_balance = excluded.alpha_balance,
			tao_value_mid = excluded.tao_value_mid,
			updated_at = excluded.updated_at`,
		u.Wallet, u.Netuid, u.Hotkey, u.AlphaBalance.String(), u.TaoValueMid.String(),
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s/%d: %w", u.Wallet, u.Netuid, err)
	}
	return nil
}

// ZeroBalance soft-deletes a position whose live balance dropped to zero:
// balance, valuation and unrealized fields are zeroed while the row, its
// realized history and its cost basis survive.
func (r *Repository) ZeroBalance(wallet string, netuid int) error {
	_, err := r.db.Exec(`
		UPDATE positions SET
			alpha_balance = '0',
			tao_value_mid = '0',
			tao_value_exec_half = NULL,
			tao_value_exec_full = NULL,
			unrealized_pnl_tao = '0',
			unrealized_yield_tao = '0',
			unrealized_alpha_pnl_tao = '0',
			updated_at = ?
		WHERE wallet = ? AND netuid = ?`,
		time.Now().Unix(), wallet, netuid)
	if err != nil {
		return fmt.Errorf("failed to zero position %s/%d: %w", wallet, netuid, err)
	}
	return nil
}

// UpdateAccounting writes the cost-basis engine's outputs.
func (r *Repository) UpdateAccounting(wallet string, netuid int, u AccountingUpdate) error {
	_, err := r.db.Exec(`
		UPDATE positions SET
			alpha_purchased = ?,
			entry_price = ?,
			entry_date = ?,
			cost_basis_tao = ?,
			cost_basis_usd = ?,
			realized_pnl_tao = ?,
			realized_yield_tao = ?,
			updated_at = ?
		WHERE wallet = ? AND netuid = ?`,
		u.AlphaPurchased.String(), nullableDecimal(u.EntryPrice), nullableString(u.EntryDate),
		nullableDecimal(u.CostBasisTao), nullableDecimal(u.CostBasisUSD),
		u.RealizedPnlTao.String(), u.RealizedYieldTao.String(),
		time.Now().Unix(), wallet, netuid)
	if err != nil {
		return fmt.Errorf("failed to update accounting for %s/%d: %w", wallet, netuid, err)
	}
	return nil
}

// UpdateYield writes the lifetime emission total from the yield engine.
func (r *Repository) UpdateYield(wallet string, netuid int, totalYieldAlpha decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE positions SET total_yield_alpha = ?, updated_at = ?
		WHERE wallet = ? AND netuid = ?`,
		totalYieldAlpha.String(), time.Now().Unix(), wallet, netuid)
	if err != nil {
		return fmt.Errorf("failed to update yield for %s/%d: %w", wallet, netuid, err)
	}
	return nil
}

// UpdateUnrealized writes a decomposition pass.
func (r *Repository) UpdateUnrealized(wallet string, netuid int, d Decomposition) error {
	_, err := r.db.Exec(`
		UPDATE positions SET
			unrealized_pnl_tao = ?,
			unrealized_yield_tao = ?,
			unrealized_alpha_pnl_tao = ?,
			updated_at = ?
		WHERE wallet = ? AND netuid = ?`,
		d.UnrealizedPnlTao.String(), d.UnrealizedYieldTao.String(),
		d.UnrealizedAlphaPnlTao.String(), time.Now().Unix(), wallet, netuid)
	if err != nil {
		return fmt.Errorf("failed to update unrealized fields for %s/%d: %w", wallet, netuid, err)
	}
	return nil
}

// UpdateExecValues writes the slippage-adjusted valuations at 50% and 100%
// exit sizes.
func (r *Repository) UpdateExecValues(wallet string, netuid int, execHalf, execFull decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE positions SET tao_value_exec_half = ?, tao_value_exec_full = ?, updated_at = ?
		WHERE wallet = ? AND netuid = ?`,
		execHalf.String(), execFull.String(), time.Now().Unix(), wallet, netuid)
	if err != nil {
		return fmt.Errorf("failed to update exec values for %s/%d: %w", wallet, netuid, err)
	}
	return nil
}

// UpdateRecommendedAction writes the advisory action for a position.
func (r *Repository) UpdateRecommendedAction(wallet string, netuid int, action domain.RecommendedAction) error {
	_, err := r.db.Exec(`
		UPDATE positions SET recommended_action = ?, updated_at = ?
		WHERE wallet = ? AND netuid = ?`,
		string(action), time.Now().Unix(), wallet, netuid)
	if err != nil {
		return fmt.Errorf("failed to update recommended action for %s/%d: %w", wallet, netuid, err)
	}
	return nil
}

// Get returns one position, or nil if the pair is unknown.
func (r *Repository) Get(wallet string, netuid int) (*Position, error) {
	row := r.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE wallet = ? AND netuid = ?`,
		wallet, netuid)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position %s/%d: %w", wallet, netuid, err)
	}
	return p, nil
}

// GetByWallet returns every position row for a wallet, including zeroed ones.
func (r *Repository) GetByWallet(wallet string) ([]Position, error) {
	return r.query(`SELECT `+positionColumns+` FROM positions WHERE wallet = ? ORDER BY netuid`, wallet)
}

// GetActiveByWallet returns positions still holding alpha. Balances are TEXT
// decimals, so the filter happens here rather than in SQL.
func (r *Repository) GetActiveByWallet(wallet string) ([]Position, error) {
	all, err := r.GetByWallet(wallet)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, p := range all {
		if p.IsActive() {
			active = append(active, p)
		}
	}
	return active, nil
}

// GetAllActive returns active positions across all wallets.
func (r *Repository) GetAllActive() ([]Position, error) {
	all, err := r.query(`SELECT ` + positionColumns + ` FROM positions ORDER BY wallet, netuid`)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, p := range all {
		if p.IsActive() {
			active = append(active, p)
		}
	}
	return active, nil
}

// HotkeyNetuid is one distinct (hotkey, netuid) pair held by a wallet.
type HotkeyNetuid struct {
	Hotkey string
	Netuid int
}

// DistinctHotkeyNetuids lists the validator pairs backing a wallet's
// positions, for the validator refresh step.
func (r *Repository) DistinctHotkeyNetuids(wallet string) ([]HotkeyNetuid, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT hotkey, netuid FROM positions
		WHERE wallet = ? AND hotkey IS NOT NULL AND hotkey != ''
		ORDER BY netuid`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query hotkey pairs for %s: %w", wallet, err)
	}
	defer rows.Close()

	var pairs []HotkeyNetuid
	for rows.Next() {
		var hn HotkeyNetuid
		if err := rows.Scan(&hn.Hotkey, &hn.Netuid); err != nil {
			return nil, fmt.Errorf("failed to scan hotkey pair: %w", err)
		}
		pairs = append(pairs, hn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hotkey pairs: %w", err)
	}
	return pairs, nil
}

func (r *Repository) query(q string, args ...interface{}) ([]Position, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var p Position
	var hotkey, execHalf, execFull, entryPrice, entryDate, costTao, costUSD sql.NullString
	var alphaBalance, alphaPurchased, totalYield, taoMid string
	var realizedPnl, realizedYield, unrealPnl, unrealYield, unrealAlpha string
	var action string

	err := row.Scan(&p.ID, &p.Wallet, &p.Netuid, &hotkey, &alphaBalance, &alphaPurchased,
		&totalYield, &taoMid, &execHalf, &execFull,
		&entryPrice, &entryDate, &costTao, &costUSD,
		&realizedPnl, &realizedYield,
		&unrealPnl, &unrealYield, &unrealAlpha,
		&action, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Hotkey = hotkey.String
	p.EntryDate = entryDate.String
	p.RecommendedAction = domain.RecommendedAction(action)

	for dst, raw := range map[*decimal.Decimal]string{
		&p.AlphaBalance:          alphaBalance,
		&p.AlphaPurchased:        alphaPurchased,
		&p.TotalYieldAlpha:       totalYield,
		&p.TaoValueMid:           taoMid,
		&p.RealizedPnlTao:        realizedPnl,
		&p.RealizedYieldTao:      realizedYield,
		&p.UnrealizedPnlTao:      unrealPnl,
		&p.UnrealizedYieldTao:    unrealYield,
		&p.UnrealizedAlphaPnlTao: unrealAlpha,
	} {
		d, err := domain.DecimalFromString(raw)
		if err != nil {
			return nil, err
		}
		*dst = d
	}

	for dst, raw := range map[**decimal.Decimal]sql.NullString{
		&p.TaoValueExecHalf: execHalf,
		&p.TaoValueExecFull: execFull,
		&p.EntryPrice:       entryPrice,
		&p.CostBasisTao:     costTao,
		&p.CostBasisUSD:     costUSD,
	} {
		if !raw.Valid {
			continue
		}
		d, err := domain.DecimalFromString(raw.String)
		if err != nil {
			return nil, err
		}
		*dst = &d
	}

	return &p, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
