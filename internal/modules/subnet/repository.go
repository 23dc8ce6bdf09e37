package subnet

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
)

const subnetColumns = `netuid, name, symbol, pool_tao_reserve, pool_alpha_reserve,
	alpha_price_tao, emission_share, owner_take, fee_rate, incentive_burn,
	holder_count, market_cap_tao, rank, registered_at, age_days,
	flow_1d, flow_3d, flow_7d, flow_14d, price_trend_7d, max_drawdown_30d,
	flow_regime, flow_regime_since, regime_candidate, regime_candidate_days,
	viability_score, viability_tier, active, updated_at`

// Repository handles subnet rows in market.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new subnet repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "subnet").Logger(),
	}
}

// UpsertPool writes the current pool state for a subnet. The alpha price is
// derived from the reserves; a zero alpha reserve stores NULL so readers see
// the price as undefined rather than zero.
func (r *Repository) UpsertPool(p taostats.PoolLatest) error {
	var price interface{}
	if p.AlphaReserve.IsPositive() {
		price = p.TaoReserve.Div(p.AlphaReserve).Round(12).String()
	}
	_, err := r.db.Exec(`
		INSERT INTO subnets (netuid, name, symbol, pool_tao_reserve, pool_alpha_reserve,
			alpha_price_tao, market_cap_tao, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(netuid) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			pool_tao_reserve = excluded.pool_tao_reserve,
			pool_alpha_reserve = excluded.pool_alpha_reserve,
			alpha_price_tao = excluded.alpha_price_tao,
			market_cap_tao = excluded.market_cap_tao,
			updated_at = excluded.updated_at`,
		p.Netuid, p.Name, p.Symbol, p.TaoReserve.String(), p.AlphaReserve.String(),
		price, p.MarketCap.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert pool for subnet %d: %w", p.Netuid, err)
	}
	return nil
}

// UpsertMetadata writes registration and emission metadata for a subnet.
func (r *Repository) UpsertMetadata(info taostats.SubnetInfo) error {
	var registeredAt int64
	ageDays := 0
	if !info.RegisteredAt.IsZero() {
		registeredAt = info.RegisteredAt.Unix()
		ageDays = int(time.Since(info.RegisteredAt.Time).Hours() / 24)
	}
	active := 0
	if info.Active {
		active = 1
	}
	emission, _ := info.EmissionShare.Float64()
	ownerTake, _ := info.OwnerTake.Float64()
	feeRate, _ := info.FeeRate.Float64()
	incentiveBurn, _ := info.IncentiveBurn.Float64()
	_, err := r.db.Exec(`
		INSERT INTO subnets (netuid, name, symbol, emission_share, owner_take,
			fee_rate, incentive_burn, holder_count, rank, registered_at, age_days,
			active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(netuid) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			emission_share = excluded.emission_share,
			owner_take = excluded.owner_take,
			fee_rate = excluded.fee_rate,
			incentive_burn = excluded.incentive_burn,
			holder_count = excluded.holder_count,
			rank = excluded.rank,
			registered_at = excluded.registered_at,
			age_days = excluded.age_days,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		info.Netuid, info.Name, info.Symbol, emission, ownerTake,
		feeRate, incentiveBurn, info.HolderCount, info.Rank, registeredAt, ageDays,
		active, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert metadata for subnet %d: %w", info.Netuid, err)
	}
	return nil
}

// UpdateFlowMetrics stores the derived flow and trend statistics.
func (r *Repository) UpdateFlowMetrics(netuid int, m FlowMetrics) error {
	result, err := r.db.Exec(`
		UPDATE subnets SET
			flow_1d = ?, flow_3d = ?, flow_7d = ?, flow_14d = ?,
			price_trend_7d = ?, max_drawdown_30d = ?, updated_at = ?
		WHERE netuid = ?`,
		m.Flow1d.String(), m.Flow3d.String(), m.Flow7d.String(), m.Flow14d.String(),
		nullableFloat(m.PriceTrend7d), nullableFloat(m.MaxDrawdown30d),
		time.Now().Unix(), netuid)
	if err != nil {
		return fmt.Errorf("failed to update flow metrics for subnet %d: %w", netuid, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("subnet %d not found", netuid)
	}
	return nil
}

// UpdateRegime persists the outcome of one regime-machine pass: the current
// regime, its since-timestamp, and the candidate/counter pair.
func (r *Repository) UpdateRegime(netuid int, regime domain.FlowRegime, since int64, candidate *domain.FlowRegime, candidateDays int) error {
	var cand interface{}
	if candidate != nil {
		cand = string(*candidate)
	}
	_, err := r.db.Exec(`
		UPDATE subnets SET
			flow_regime = ?, flow_regime_since = ?,
			regime_candidate = ?, regime_candidate_days = ?, updated_at = ?
		WHERE netuid = ?`,
		string(regime), since, cand, candidateDays, time.Now().Unix(), netuid)
	if err != nil {
		return fmt.Errorf("failed to update regime for subnet %d: %w", netuid, err)
	}
	return nil
}

// UpdateViability persists a scoring pass. A nil score with tier "unviable"
// is the hard-fail outcome.
func (r *Repository) UpdateViability(netuid int, score *float64, tier domain.ViabilityTier) error {
	_, err := r.db.Exec(`
		UPDATE subnets SET viability_score = ?, viability_tier = ?, updated_at = ?
		WHERE netuid = ?`,
		nullableFloat(score), string(tier), time.Now().Unix(), netuid)
	if err != nil {
		return fmt.Errorf("failed to update viability for subnet %d: %w", netuid, err)
	}
	return nil
}

// Get returns one subnet, or nil if unknown.
func (r *Repository) Get(netuid int) (*Subnet, error) {
	row := r.db.QueryRow(`SELECT `+subnetColumns+` FROM subnets WHERE netuid = ?`, netuid)
	s, err := scanSubnet(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subnet %d: %w", netuid, err)
	}
	return s, nil
}

// GetAll returns every known subnet ordered by netuid.
func (r *Repository) GetAll() ([]Subnet, error) {
	return r.query(`SELECT ` + subnetColumns + ` FROM subnets ORDER BY netuid`)
}

// GetActive returns subnets still registered upstream.
func (r *Repository) GetActive() ([]Subnet, error) {
	return r.query(`SELECT ` + subnetColumns + ` FROM subnets WHERE active = 1 ORDER BY netuid`)
}

func (r *Repository) query(q string, args ...interface{}) ([]Subnet, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subnets: %w", err)
	}
	defer rows.Close()

	var subnets []Subnet
	for rows.Next() {
		s, err := scanSubnet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subnet: %w", err)
		}
		subnets = append(subnets, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subnets: %w", err)
	}
	return subnets, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubnet(row rowScanner) (*Subnet, error) {
	var s Subnet
	var name, symbol, priceStr, marketCap sql.NullString
	var ownerTake, feeRate, incentiveBurn, trend, drawdown, score sql.NullFloat64
	var rank, candidateDays sql.NullInt64
	var registeredAt, regimeSince sql.NullInt64
	var taoReserve, alphaReserve, flow1d, flow3d, flow7d, flow14d string
	var regime string
	var candidate, tier sql.NullString

	err := row.Scan(&s.Netuid, &name, &symbol, &taoReserve, &alphaReserve,
		&priceStr, &s.EmissionShare, &ownerTake, &feeRate, &incentiveBurn,
		&s.HolderCount, &marketCap, &rank, &registeredAt, &s.AgeDays,
		&flow1d, &flow3d, &flow7d, &flow14d, &trend, &drawdown,
		&regime, &regimeSince, &candidate, &candidateDays,
		&score, &tier, &s.Active, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.Name = name.String
	s.Symbol = symbol.String
	if err := scanDecimals(map[*decimal.Decimal]string{
		&s.PoolTaoReserve:   taoReserve,
		&s.PoolAlphaReserve: alphaReserve,
		&s.Flow1d:           flow1d,
		&s.Flow3d:           flow3d,
		&s.Flow7d:           flow7d,
		&s.Flow14d:          flow14d,
	}); err != nil {
		return nil, err
	}
	if priceStr.Valid {
		price, err := domain.DecimalFromString(priceStr.String)
		if err != nil {
			return nil, err
		}
		s.AlphaPriceTao = &price
	}
	if marketCap.Valid {
		mc, err := domain.DecimalFromString(marketCap.String)
		if err != nil {
			return nil, err
		}
		s.MarketCapTao = mc
	}
	s.OwnerTake = ownerTake.Float64
	s.FeeRate = feeRate.Float64
	s.IncentiveBurn = incentiveBurn.Float64
	s.Rank = int(rank.Int64)
	s.RegisteredAt = registeredAt.Int64
	if trend.Valid {
		v := trend.Float64
		s.PriceTrend7d = &v
	}
	if drawdown.Valid {
		v := drawdown.Float64
		s.MaxDrawdown30d = &v
	}
	s.FlowRegime = domain.FlowRegime(regime)
	s.FlowRegimeSince = regimeSince.Int64
	if candidate.Valid {
		c := domain.FlowRegime(candidate.String)
		s.RegimeCandidate = &c
	}
	s.RegimeCandidateDays = int(candidateDays.Int64)
	if score.Valid {
		v := score.Float64
		s.ViabilityScore = &v
	}
	if tier.Valid {
		t := domain.ViabilityTier(tier.String)
		s.ViabilityTier = &t
	}
	return &s, nil
}

func scanDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		d, err := domain.DecimalFromString(raw)
		if err != nil {
			return err
		}
		*dst = d
	}
	return nil
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
