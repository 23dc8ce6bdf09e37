package subnet

import (
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
)

// flow window lengths in days.
var flowWindows = []int{1, 3, 7, 14}

const (
	trendPeriodDays    = 7
	drawdownWindowDays = 30
)

// ComputeFlowMetrics derives the multi-horizon net flows and price trend
// statistics from a subnet's pool history. The net flow over a window is
// the TAO reserve now minus the reserve at the closest bar at or before
// the window start; windows without a bar on the far side fall back to
// the oldest bar available.
func ComputeFlowMetrics(history []taostats.PoolHistoryRow, now time.Time) FlowMetrics {
	var m FlowMetrics
	if len(history) == 0 {
		return m
	}

	bars := make([]taostats.PoolHistoryRow, len(history))
	copy(bars, history)
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp.Time)
	})

	latest := bars[len(bars)-1].TaoReserve
	flows := make(map[int]decimal.Decimal, len(flowWindows))
	for _, days := range flowWindows {
		cutoff := now.AddDate(0, 0, -days)
		flows[days] = latest.Sub(reserveAtOrBefore(bars, cutoff))
	}
	m.Flow1d = flows[1]
	m.Flow3d = flows[3]
	m.Flow7d = flows[7]
	m.Flow14d = flows[14]
	m.DailyFlows = dailyFlows(bars)

	prices := make([]float64, 0, len(bars))
	for _, b := range bars {
		p, _ := b.Price.Float64()
		prices = append(prices, p)
	}
	m.PriceTrend7d = priceTrend(prices, trendPeriodDays)
	m.MaxDrawdown30d = maxDrawdown(prices, drawdownWindowDays)

	return m
}

// reserveAtOrBefore returns the TAO reserve of the closest bar at or before
// the cutoff. When every bar is newer, the oldest bar is used so that young
// subnets report flows over their whole life rather than zero.
func reserveAtOrBefore(bars []taostats.PoolHistoryRow, cutoff time.Time) decimal.Decimal {
	reserve := bars[0].TaoReserve
	for _, b := range bars {
		if b.Timestamp.After(cutoff) {
			break
		}
		reserve = b.TaoReserve
	}
	return reserve
}

// dailyFlows returns the day-over-day TAO reserve deltas, oldest first.
func dailyFlows(bars []taostats.PoolHistoryRow) []decimal.Decimal {
	if len(bars) < 2 {
		return nil
	}
	deltas := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		deltas = append(deltas, bars[i].TaoReserve.Sub(bars[i-1].TaoReserve))
	}
	return deltas
}

// priceTrend returns the rate of change in percent over the given period,
// or nil when there is not enough history.
func priceTrend(prices []float64, period int) *float64 {
	if len(prices) < period+1 {
		return nil
	}
	roc := talib.Roc(prices, period)
	if len(roc) == 0 {
		return nil
	}
	last := roc[len(roc)-1]
	if last != last { // NaN
		return nil
	}
	return &last
}

// maxDrawdown returns the worst peak-to-trough decline as a fraction in
// [0, 1] over the trailing window, or nil when there is not enough history.
func maxDrawdown(prices []float64, windowDays int) *float64 {
	if len(prices) < 2 {
		return nil
	}
	if len(prices) > windowDays {
		prices = prices[len(prices)-windowDays:]
	}
	worst := 0.0
	peak := prices[0]
	for _, p := range prices {
		if p > peak {
			peak = p
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p) / peak; dd > worst {
			worst = dd
		}
	}
	return &worst
}
