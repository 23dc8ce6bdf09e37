package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

const navColumns = `wallet, date, open_mid, high_mid, low_mid, close_mid,
	open_exec, high_exec, low_exec, close_exec, ath_exec,
	daily_return_tao, daily_return_pct, drawdown_pct, updated_at`

// UpsertNAV records one NAV observation into the wallet's daily bar.
// The first write of a day opens the bar; later writes move close and
// stretch high/low. The exec all-time high only ever rises, and the
// drawdown is measured against it. Returns the bar as stored.
func (s *Store) UpsertNAV(wallet string, navMid, navExec decimal.Decimal, now time.Time) (*NAVDay, error) {
	date := now.UTC().Format("2006-01-02")

	prevClose, prevATH, err := s.priorDay(wallet, date)
	if err != nil {
		return nil, err
	}

	day, err := s.NAVDay(wallet, date)
	if err != nil {
		return nil, err
	}

	if day == nil {
		day = &NAVDay{
			Wallet:   wallet,
			Date:     date,
			OpenMid:  navMid,
			HighMid:  navMid,
			LowMid:   navMid,
			OpenExec: navExec,
			HighExec: navExec,
			LowExec:  navExec,
			ATHExec:  navExec,
		}
		if prevATH != nil && prevATH.GreaterThan(day.ATHExec) {
			day.ATHExec = *prevATH
		}
	}

	day.CloseMid = navMid
	if navMid.GreaterThan(day.HighMid) {
		day.HighMid = navMid
	}
	if navMid.LessThan(day.LowMid) {
		day.LowMid = navMid
	}

	day.CloseExec = navExec
	if navExec.GreaterThan(day.HighExec) {
		day.HighExec = navExec
	}
	if navExec.LessThan(day.LowExec) {
		day.LowExec = navExec
	}
	if navExec.GreaterThan(day.ATHExec) {
		day.ATHExec = navExec
	}

	day.DailyReturnTao = nil
	day.DailyReturnPct = nil
	if prevClose != nil {
		ret := domain.RoundTao(navExec.Sub(*prevClose))
		day.DailyReturnTao = &ret
		if prevClose.IsPositive() {
			pct, _ := ret.Div(*prevClose).Float64()
			day.DailyReturnPct = &pct
		}
	}

	day.DrawdownPct = 0
	if day.ATHExec.IsPositive() {
		dd, _ := day.ATHExec.Sub(navExec).Div(day.ATHExec).Float64()
		day.DrawdownPct = dd
	}
	day.UpdatedAt = now.Unix()

	_, err = s.db.Exec(`
		INSERT INTO nav_history (`+navColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet, date) DO UPDATE SET
			high_mid = excluded.high_mid,
			low_mid = excluded.low_mid,
			close_mid = excluded.close_mid,
			high_exec = excluded.high_exec,
			low_exec = excluded.low_exec,
			close_exec = excluded.close_exec,
			ath_exec = excluded.ath_exec,
			daily_return_tao = excluded.daily_return_tao,
			daily_return_pct = excluded.daily_return_pct,
			drawdown_pct = excluded.drawdown_pct,
			updated_at = excluded.updated_at`,
		day.Wallet, day.Date,
		day.OpenMid.String(), day.HighMid.String(), day.LowMid.String(), day.CloseMid.String(),
		day.OpenExec.String(), day.HighExec.String(), day.LowExec.String(), day.CloseExec.String(),
		day.ATHExec.String(),
		nullableDecimal(day.DailyReturnTao), nullableFloatPtr(day.DailyReturnPct),
		day.DrawdownPct, day.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert nav bar %s/%s: %w", wallet, date, err)
	}
	return day, nil
}

// NAVDay returns one wallet's bar for a date, or nil when the day has no
// writes yet.
func (s *Store) NAVDay(wallet, date string) (*NAVDay, error) {
	row := s.db.QueryRow(`SELECT `+navColumns+` FROM nav_history WHERE wallet = ? AND date = ?`,
		wallet, date)
	day, err := scanNAVDay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query nav bar %s/%s: %w", wallet, date, err)
	}
	return day, nil
}

// NAVRange returns a wallet's bars between two dates inclusive, oldest
// first.
func (s *Store) NAVRange(wallet, startDate, endDate string) ([]NAVDay, error) {
	rows, err := s.db.Query(`
		SELECT `+navColumns+` FROM nav_history
		WHERE wallet = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`, wallet, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query nav range for %s: %w", wallet, err)
	}
	defer rows.Close()

	var days []NAVDay
	for rows.Next() {
		day, err := scanNAVDay(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan nav bar: %w", err)
		}
		days = append(days, *day)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nav bars: %w", err)
	}
	return days, nil
}

// LatestNAV returns the most recent bar for a wallet, or nil when the
// wallet has no NAV history.
func (s *Store) LatestNAV(wallet string) (*NAVDay, error) {
	row := s.db.QueryRow(`SELECT `+navColumns+` FROM nav_history WHERE wallet = ? ORDER BY date DESC LIMIT 1`,
		wallet)
	day, err := scanNAVDay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest nav bar for %s: %w", wallet, err)
	}
	return day, nil
}

// priorDay returns the close and ath of the most recent bar strictly
// before the date, or nils when the wallet has no earlier history.
func (s *Store) priorDay(wallet, date string) (*decimal.Decimal, *decimal.Decimal, error) {
	var closeRaw, athRaw string
	err := s.db.QueryRow(`
		SELECT close_exec, ath_exec FROM nav_history
		WHERE wallet = ? AND date < ?
		ORDER BY date DESC LIMIT 1`, wallet, date).Scan(&closeRaw, &athRaw)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query prior nav bar for %s: %w", wallet, err)
	}
	prevClose, err := domain.DecimalFromString(closeRaw)
	if err != nil {
		return nil, nil, err
	}
	prevATH, err := domain.DecimalFromString(athRaw)
	if err != nil {
		return nil, nil, err
	}
	return &prevClose, &prevATH, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNAVDay(row rowScanner) (*NAVDay, error) {
	var day NAVDay
	var openMid, highMid, lowMid, closeMid string
	var openExec, highExec, lowExec, closeExec, ath string
	var returnTao sql.NullString
	var returnPct sql.NullFloat64

	err := row.Scan(&day.Wallet, &day.Date, &openMid, &highMid, &lowMid, &closeMid,
		&openExec, &highExec, &lowExec, &closeExec, &ath,
		&returnTao, &returnPct, &day.DrawdownPct, &day.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for dst, raw := range map[*decimal.Decimal]string{
		&day.OpenMid:   openMid,
		&day.HighMid:   highMid,
		&day.LowMid:    lowMid,
		&day.CloseMid:  closeMid,
		&day.OpenExec:  openExec,
		&day.HighExec:  highExec,
		&day.LowExec:   lowExec,
		&day.CloseExec: closeExec,
		&day.ATHExec:   ath,
	} {
		d, err := domain.DecimalFromString(raw)
		if err != nil {
			return nil, err
		}
		*dst = d
	}

	if returnTao.Valid {
		d, err := domain.DecimalFromString(returnTao.String)
		if err != nil {
			return nil, err
		}
		day.DailyReturnTao = &d
	}
	if returnPct.Valid {
		v := returnPct.Float64
		day.DailyReturnPct = &v
	}
	return &day, nil
}

func nullableFloatPtr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
