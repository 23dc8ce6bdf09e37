package accounting

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
)

// maxChunkMonths is the upstream query-window limit on /accounting/tax.
const maxChunkMonths = 12

// DailyYield is one day of emission income for a position. NetStakeAlpha
// is the balance movement not explained by yield (stakes and unstakes).
type DailyYield struct {
	Wallet        string
	Netuid        int
	Date          string // YYYY-MM-DD
	StartAlpha    decimal.Decimal
	EndAlpha      decimal.Decimal
	NetStakeAlpha decimal.Decimal
	YieldAlpha    decimal.Decimal
	YieldTao      decimal.Decimal
	DailyAPY      *float64
}

// YieldRepository persists daily yield rows in treasury.db.
type YieldRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewYieldRepository creates a new yield repository.
func NewYieldRepository(db *sql.DB, log zerolog.Logger) *YieldRepository {
	return &YieldRepository{
		db:  db,
		log: log.With().Str("repository", "yield").Logger(),
	}
}

// UpsertDaily writes a batch of daily rows in one transaction. Re-syncs
// overwrite prior rows for the same (wallet, netuid, date).
func (r *YieldRepository) UpsertDaily(rows []DailyYield) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin yield transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO position_yield_history (wallet, netuid, date,
			start_alpha, end_alpha, net_stake_alpha, yield_alpha, yield_tao,
			daily_apy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet, netuid, date) DO UPDATE SET
			start_alpha = excluded.start_alpha,
			end_alpha = excluded.end_alpha,
			net_stake_alpha = excluded.net_stake_alpha,
			yield_alpha = excluded.yield_alpha,
			yield_tao = excluded.yield_tao,
			daily_apy = excluded.daily_apy`)
	if err != nil {
		return fmt.Errorf("failed to prepare yield upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, row := range rows {
		var apy interface{}
		if row.DailyAPY != nil {
			apy = *row.DailyAPY
		}
		if _, err := stmt.Exec(row.Wallet, row.Netuid, row.Date,
			row.StartAlpha.String(), row.EndAlpha.String(), row.NetStakeAlpha.String(),
			row.YieldAlpha.String(), row.YieldTao.String(), apy, now); err != nil {
			return fmt.Errorf("failed to upsert yield row %s/%d/%s: %w",
				row.Wallet, row.Netuid, row.Date, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit yield rows: %w", err)
	}
	return nil
}

// TotalYieldAlpha sums the lifetime emission income of one position.
func (r *YieldRepository) TotalYieldAlpha(wallet string, netuid int) (decimal.Decimal, error) {
	var total sql.NullString
	err := r.db.QueryRow(`
		SELECT SUM(CAST(yield_alpha AS REAL))
		FROM position_yield_history WHERE wallet = ? AND netuid = ?`,
		wallet, netuid).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum yield for %s/%d: %w", wallet, netuid, err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return domain.DecimalFromString(total.String)
}

// GetRange returns daily rows inside [from, to] (inclusive, YYYY-MM-DD),
// oldest first.
func (r *YieldRepository) GetRange(wallet string, netuid int, from, to string) ([]DailyYield, error) {
	rows, err := r.db.Query(`
		SELECT wallet, netuid, date, start_alpha, end_alpha, net_stake_alpha,
			yield_alpha, yield_tao, daily_apy
		FROM position_yield_history
		WHERE wallet = ? AND netuid = ? AND date >= ? AND date <= ?
		ORDER BY date`, wallet, netuid, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query yield range: %w", err)
	}
	defer rows.Close()

	var out []DailyYield
	for rows.Next() {
		var dy DailyYield
		var start, end, net, ya, yt string
		var apy sql.NullFloat64
		if err := rows.Scan(&dy.Wallet, &dy.Netuid, &dy.Date,
			&start, &end, &net, &ya, &yt, &apy); err != nil {
			return nil, fmt.Errorf("failed to scan yield row: %w", err)
		}
		for dst, raw := range map[*decimal.Decimal]string{
			&dy.StartAlpha: start, &dy.EndAlpha: end, &dy.NetStakeAlpha: net,
			&dy.YieldAlpha: ya, &dy.YieldTao: yt,
		} {
			d, err := domain.DecimalFromString(raw)
			if err != nil {
				return nil, err
			}
			*dst = d
		}
		if apy.Valid {
			v := apy.Float64
			dy.DailyAPY = &v
		}
		out = append(out, dy)
	}
	return out, rows.Err()
}

// ChunkDateWindows splits [start, end] into inclusive date windows no
// longer than the upstream 12-month limit.
func ChunkDateWindows(start, end time.Time) [][2]string {
	var windows [][2]string
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, maxChunkMonths, -1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		windows = append(windows, [2]string{
			cur.Format("2006-01-02"), chunkEnd.Format("2006-01-02"),
		})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return windows
}

// BuildDailyYields turns the upstream tax feed into daily yield rows for
// one position. Start balances chain from the prior day's close; balance
// movement beyond the reported income is attributed to stake flows.
func BuildDailyYields(wallet string, netuid int, rows []taostats.TaxAccountingRow) []DailyYield {
	if len(rows) == 0 {
		return nil
	}
	sorted := make([]taostats.TaxAccountingRow, len(rows))
	copy(sorted, rows)
	// Stable so that on a duplicate date the first-reported row wins.
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	out := make([]DailyYield, 0, len(sorted))
	prevClose := decimal.Zero
	seen := make(map[string]bool, len(sorted))
	for _, row := range sorted {
		if seen[row.Date] {
			continue
		}
		seen[row.Date] = true

		dy := DailyYield{
			Wallet:     wallet,
			Netuid:     netuid,
			Date:       row.Date,
			StartAlpha: prevClose,
			EndAlpha:   row.ClosingBalance,
			YieldAlpha: row.DailyIncome,
			YieldTao:   domain.RoundTao(row.DailyIncome.Mul(row.PriceTao)),
		}
		dy.NetStakeAlpha = dy.EndAlpha.Sub(dy.StartAlpha).Sub(dy.YieldAlpha)
		if dy.StartAlpha.IsPositive() {
			apy, _ := dy.YieldAlpha.Div(dy.StartAlpha).Mul(decimal.NewFromInt(365)).Float64()
			dy.DailyAPY = &apy
		}
		out = append(out, dy)
		prevClose = row.ClosingBalance
	}
	return out
}

// TaoPriceUSD builds a date-keyed USD price of TAO from the tax feed,
// which quotes each alpha token in both TAO and USD. Dates without a
// quote fall back to the closest earlier one; before all quotes the
// price is zero.
func TaoPriceUSD(rows []taostats.TaxAccountingRow) PriceUSDFunc {
	byDate := make(map[string]decimal.Decimal)
	var dates []string
	for _, row := range rows {
		if !row.PriceTao.IsPositive() || !row.PriceUSD.IsPositive() {
			continue
		}
		if _, ok := byDate[row.Date]; !ok {
			dates = append(dates, row.Date)
		}
		byDate[row.Date] = domain.RoundTao(row.PriceUSD.Div(row.PriceTao))
	}
	sort.Strings(dates)

	return func(date string) decimal.Decimal {
		if p, ok := byDate[date]; ok {
			return p
		}
		// Closest quote on or before the requested date.
		i := sort.SearchStrings(dates, date)
		if i == 0 {
			return decimal.Zero
		}
		return byDate[dates[i-1]]
	}
}
