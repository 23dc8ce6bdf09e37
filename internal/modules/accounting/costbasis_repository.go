package accounting

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// CostBasis is one persisted (wallet, netuid) cost-basis row.
type CostBasis struct {
	Wallet                string
	Netuid                int
	TotalStakedTao        decimal.Decimal
	TotalUnstakedTao      decimal.Decimal
	NetInvestedTao        decimal.Decimal
	WeightedAvgEntryPrice *decimal.Decimal
	RealizedPnlTao        decimal.Decimal
	RealizedYieldTao      decimal.Decimal
	RealizedYieldAlpha    decimal.Decimal
	RealizedAlphaPnlTao   decimal.Decimal
	TotalFeesTao          decimal.Decimal
	TotalStakedUSD        decimal.Decimal
	TotalUnstakedUSD      decimal.Decimal
	NetInvestedUSD        decimal.Decimal
	RealizedPnlUSD        decimal.Decimal
	OpenLots              []Lot
	UpdatedAt             int64
}

// CostBasisRepository persists replayed cost bases in treasury.db.
type CostBasisRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCostBasisRepository creates a new cost basis repository.
func NewCostBasisRepository(db *sql.DB, log zerolog.Logger) *CostBasisRepository {
	return &CostBasisRepository{
		db:  db,
		log: log.With().Str("repository", "costbasis").Logger(),
	}
}

// Upsert overwrites the cost basis for one position with a replay result.
func (r *CostBasisRepository) Upsert(wallet string, netuid int, res Result) error {
	lots, err := json.Marshal(res.OpenLots)
	if err != nil {
		return fmt.Errorf("failed to encode open lots: %w", err)
	}
	var avgPrice interface{}
	if res.WeightedAvgEntryPrice != nil {
		avgPrice = res.WeightedAvgEntryPrice.String()
	}
	_, err = r.db.Exec(`
		INSERT INTO position_cost_basis (wallet, netuid,
			total_staked_tao, total_unstaked_tao, net_invested_tao,
			weighted_avg_entry_price,
			realized_pnl_tao, realized_yield_tao, realized_yield_alpha, realized_alpha_pnl_tao,
			total_fees_tao,
			total_staked_usd, total_unstaked_usd, net_invested_usd, realized_pnl_usd,
			open_lots, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet, netuid) DO UPDATE SET
			total_staked_tao = excluded.total_staked_tao,
			total_unstaked_tao = excluded.total_unstaked_tao,
			net_invested_tao = excluded.net_invested_tao,
			weighted_avg_entry_price = excluded.weighted_avg_entry_price,
			realized_pnl_tao = excluded.realized_pnl_tao,
			realized_yield_tao = excluded.realized_yield_tao,
			realized_yield_alpha = excluded.realized_yield_alpha,
			realized_alpha_pnl_tao = excluded.realized_alpha_pnl_tao,
			total_fees_tao = excluded.total_fees_tao,
			total_staked_usd = excluded.total_staked_usd,
			total_unstaked_usd = excluded.total_unstaked_usd,
			net_invested_usd = excluded.net_invested_usd,
			realized_pnl_usd = excluded.realized_pnl_usd,
			open_lots = excluded.open_lots,
			updated_at = excluded.updated_at`,
		wallet, netuid,
		res.TotalStakedTao.String(), res.TotalUnstakedTao.String(), res.NetInvestedTao.String(),
		avgPrice,
		res.RealizedPnlTao.String(), res.RealizedYieldTao.String(),
		res.RealizedYieldAlpha.String(), res.RealizedAlphaPnlTao.String(),
		res.TotalFeesTao.String(),
		res.TotalStakedUSD.String(), res.TotalUnstakedUSD.String(),
		res.NetInvestedUSD.String(), res.RealizedPnlUSD.String(),
		string(lots), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert cost basis for %s/%d: %w", wallet, netuid, err)
	}
	return nil
}

// Get returns one position's cost basis, or nil if never computed.
func (r *CostBasisRepository) Get(wallet string, netuid int) (*CostBasis, error) {
	row := r.db.QueryRow(`
		SELECT wallet, netuid, total_staked_tao, total_unstaked_tao, net_invested_tao,
			weighted_avg_entry_price,
			realized_pnl_tao, realized_yield_tao, realized_yield_alpha, realized_alpha_pnl_tao,
			total_fees_tao,
			total_staked_usd, total_unstaked_usd, net_invested_usd, realized_pnl_usd,
			open_lots, updated_at
		FROM position_cost_basis WHERE wallet = ? AND netuid = ?`, wallet, netuid)

	var cb CostBasis
	var avgPrice, lots sql.NullString
	var staked, unstaked, invested, rPnl, rYield, rYieldA, rAlpha, fees string
	var stakedUSD, unstakedUSD, investedUSD, pnlUSD string

	err := row.Scan(&cb.Wallet, &cb.Netuid, &staked, &unstaked, &invested,
		&avgPrice, &rPnl, &rYield, &rYieldA, &rAlpha, &fees,
		&stakedUSD, &unstakedUSD, &investedUSD, &pnlUSD,
		&lots, &cb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cost basis for %s/%d: %w", wallet, netuid, err)
	}

	for dst, raw := range map[*decimal.Decimal]string{
		&cb.TotalStakedTao:      staked,
		&cb.TotalUnstakedTao:    unstaked,
		&cb.NetInvestedTao:      invested,
		&cb.RealizedPnlTao:      rPnl,
		&cb.RealizedYieldTao:    rYield,
		&cb.RealizedYieldAlpha:  rYieldA,
		&cb.RealizedAlphaPnlTao: rAlpha,
		&cb.TotalFeesTao:        fees,
		&cb.TotalStakedUSD:      stakedUSD,
		&cb.TotalUnstakedUSD:    unstakedUSD,
		&cb.NetInvestedUSD:      investedUSD,
		&cb.RealizedPnlUSD:      pnlUSD,
	} {
		d, err := domain.DecimalFromString(raw)
		if err != nil {
			return nil, err
		}
		*dst = d
	}
	if avgPrice.Valid {
		d, err := domain.DecimalFromString(avgPrice.String)
		if err != nil {
			return nil, err
		}
		cb.WeightedAvgEntryPrice = &d
	}
	if lots.Valid && lots.String != "" {
		if err := json.Unmarshal([]byte(lots.String), &cb.OpenLots); err != nil {
			return nil, fmt.Errorf("failed to decode open lots for %s/%d: %w", wallet, netuid, err)
		}
	}
	return &cb, nil
}
