package viability

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/subnet"
)

// Outcome is one subnet's scoring result. Score is nil when a hard gate
// failed; HardFail names the gate.
type Outcome struct {
	Netuid   int
	Score    *float64
	Tier     domain.ViabilityTier
	HardFail string
}

// Scorer evaluates subnets against one configuration. Percentile ranks are
// computed within the population that survived the hard gates, so a score of
// 100 means best-in-class among currently investable subnets.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer for one configuration.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the configuration the scorer was built with.
func (s *Scorer) Config() Config {
	return s.cfg
}

// ScoreAll evaluates every given subnet. Root is skipped: it has no pool and
// is never a scoring candidate.
func (s *Scorer) ScoreAll(subnets []subnet.Subnet) []Outcome {
	outcomes := make([]Outcome, 0, len(subnets))
	var survivors []subnet.Subnet
	for i := range subnets {
		sn := &subnets[i]
		if sn.Netuid == domain.RootNetuid {
			continue
		}
		if gate := s.hardFail(sn); gate != "" {
			outcomes = append(outcomes, Outcome{
				Netuid:   sn.Netuid,
				Tier:     domain.TierUnviable,
				HardFail: gate,
			})
			continue
		}
		survivors = append(survivors, *sn)
	}
	outcomes = append(outcomes, s.scoreSurvivors(survivors)...)
	return outcomes
}

// hardFail returns the name of the first failing gate, or "" when the subnet
// passes all of them. Gates over metrics that are still unknown (nil) are
// skipped rather than failed.
func (s *Scorer) hardFail(sn *subnet.Subnet) string {
	cfg := s.cfg
	if sn.PoolTaoReserve.LessThan(cfg.MinTaoReserve) {
		return fmt.Sprintf("tao_reserve %s < %s", sn.PoolTaoReserve, cfg.MinTaoReserve)
	}
	if sn.EmissionShare < cfg.MinEmissionShare {
		return fmt.Sprintf("emission_share %.4f < %.4f", sn.EmissionShare, cfg.MinEmissionShare)
	}
	if sn.AgeDays < cfg.MinAgeDays {
		return fmt.Sprintf("age_days %d < %d", sn.AgeDays, cfg.MinAgeDays)
	}
	if sn.HolderCount < cfg.MinHolderCount {
		return fmt.Sprintf("holder_count %d < %d", sn.HolderCount, cfg.MinHolderCount)
	}
	if sn.MaxDrawdown30d != nil && *sn.MaxDrawdown30d > cfg.MaxDrawdown30d {
		return fmt.Sprintf("max_drawdown_30d %.2f > %.2f", *sn.MaxDrawdown30d, cfg.MaxDrawdown30d)
	}
	if sn.PoolTaoReserve.IsPositive() {
		ratio, _ := sn.Flow7d.Div(sn.PoolTaoReserve).Float64()
		if ratio < -cfg.MaxNegativeFlowRatio {
			return fmt.Sprintf("net_flow_7d ratio %.3f < -%.3f", ratio, cfg.MaxNegativeFlowRatio)
		}
	}
	return ""
}

// scoreSurvivors ranks the gate survivors against each other on six metrics
// and maps the weighted percentile sum to a tier.
func (s *Scorer) scoreSurvivors(survivors []subnet.Subnet) []Outcome {
	if len(survivors) == 0 {
		return nil
	}
	cfg := s.cfg

	reserves := make([]float64, len(survivors))
	flows := make([]float64, len(survivors))
	emissions := make([]float64, len(survivors))
	trends := make([]float64, len(survivors))
	ages := make([]float64, len(survivors))
	drawdowns := make([]float64, len(survivors))
	for i := range survivors {
		sn := &survivors[i]
		reserves[i], _ = sn.PoolTaoReserve.Float64()
		flows[i], _ = sn.Flow7d.Float64()
		emissions[i] = sn.EmissionShare
		if sn.PriceTrend7d != nil {
			trends[i] = *sn.PriceTrend7d
		}
		age := sn.AgeDays
		if age > cfg.AgeCapDays {
			age = cfg.AgeCapDays
		}
		ages[i] = float64(age)
		if sn.MaxDrawdown30d != nil {
			// Inverted: a small drawdown should rank high.
			drawdowns[i] = -*sn.MaxDrawdown30d
		}
	}

	ranks := [][]float64{
		percentileRanks(reserves),
		percentileRanks(flows),
		percentileRanks(emissions),
		percentileRanks(trends),
		percentileRanks(ages),
		percentileRanks(drawdowns),
	}
	weights := []float64{
		cfg.WeightTaoReserve,
		cfg.WeightNetFlow7d,
		cfg.WeightEmissionShare,
		cfg.WeightPriceTrend7d,
		cfg.WeightSubnetAge,
		cfg.WeightMaxDrawdown,
	}

	outcomes := make([]Outcome, len(survivors))
	for i := range survivors {
		score := 0.0
		for m := range ranks {
			score += weights[m] * ranks[m][i]
		}
		score *= 100
		v := score
		outcomes[i] = Outcome{
			Netuid: survivors[i].Netuid,
			Score:  &v,
			Tier:   s.tierFor(score),
		}
	}
	return outcomes
}

func (s *Scorer) tierFor(score float64) domain.ViabilityTier {
	switch {
	case score >= s.cfg.Tier1Min:
		return domain.TierOne
	case score >= s.cfg.Tier2Min:
		return domain.TierTwo
	case score >= s.cfg.Tier3Min:
		return domain.TierThree
	default:
		return domain.TierUnviable
	}
}

// percentileRanks returns, for each value, the fraction of the sample at or
// below it via the empirical CDF.
func percentileRanks(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	ranks := make([]float64, len(values))
	for i, v := range values {
		ranks[i] = stat.CDF(v, stat.Empirical, sorted, nil)
	}
	return ranks
}
