// Package viability scores active subnets for treasury eligibility: hard
// gates first, then a weighted percentile score mapped to tiers. The active
// configuration lives in config.db and is cached in memory until an admin
// update invalidates it.
package viability

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// weightTolerance is how far the six metric weights may drift from summing
// to exactly one before an update is rejected.
const weightTolerance = 0.001

// Config is one scoring configuration: hard-fail gates, metric weights and
// tier cut-points. Exactly one row is active at any time.
type Config struct {
	ID     int64
	Active bool

	// Hard-fail gates. Any one failing marks the subnet unviable with no
	// score.
	MinTaoReserve        decimal.Decimal
	MinEmissionShare     float64
	MinAgeDays           int
	MinHolderCount       int
	MaxDrawdown30d       float64
	MaxNegativeFlowRatio float64

	// Percentile weights. Must sum to 1 within weightTolerance.
	WeightTaoReserve    float64
	WeightNetFlow7d     float64
	WeightEmissionShare float64
	WeightPriceTrend7d  float64
	WeightSubnetAge     float64
	WeightMaxDrawdown   float64

	// AgeCapDays caps the age metric so ancient subnets stop gaining rank.
	AgeCapDays int

	// Tier cut-points on the 0-100 score, strictly descending.
	Tier1Min float64
	Tier2Min float64
	Tier3Min float64

	UpdatedAt int64
}

// DefaultConfig mirrors the schema defaults; used when no active row exists.
func DefaultConfig() Config {
	return Config{
		MinTaoReserve:        decimal.NewFromInt(500),
		MinEmissionShare:     0.001,
		MinAgeDays:           30,
		MinHolderCount:       100,
		MaxDrawdown30d:       0.6,
		MaxNegativeFlowRatio: 0.25,
		WeightTaoReserve:     0.25,
		WeightNetFlow7d:      0.25,
		WeightEmissionShare:  0.15,
		WeightPriceTrend7d:   0.15,
		WeightSubnetAge:      0.10,
		WeightMaxDrawdown:    0.10,
		AgeCapDays:           365,
		Tier1Min:             70,
		Tier2Min:             50,
		Tier3Min:             30,
	}
}

// WeightSum returns the sum of the six metric weights.
func (c Config) WeightSum() float64 {
	return c.WeightTaoReserve + c.WeightNetFlow7d + c.WeightEmissionShare +
		c.WeightPriceTrend7d + c.WeightSubnetAge + c.WeightMaxDrawdown
}

// Validate rejects configurations whose weights do not sum to one or whose
// tier cut-points are not strictly descending and positive.
func (c Config) Validate() error {
	if sum := c.WeightSum(); math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("viability weights sum to %.4f, want 1.0 ±%.3f", sum, weightTolerance)
	}
	if !(c.Tier1Min > c.Tier2Min && c.Tier2Min > c.Tier3Min && c.Tier3Min > 0) {
		return fmt.Errorf("tier cut-points must satisfy tier_1 > tier_2 > tier_3 > 0, got %.1f/%.1f/%.1f",
			c.Tier1Min, c.Tier2Min, c.Tier3Min)
	}
	for name, w := range map[string]float64{
		"tao_reserve":    c.WeightTaoReserve,
		"net_flow_7d":    c.WeightNetFlow7d,
		"emission_share": c.WeightEmissionShare,
		"price_trend_7d": c.WeightPriceTrend7d,
		"subnet_age":     c.WeightSubnetAge,
		"max_drawdown":   c.WeightMaxDrawdown,
	} {
		if w < 0 {
			return fmt.Errorf("weight %s is negative", name)
		}
	}
	return nil
}
