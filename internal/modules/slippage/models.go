package slippage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the pool direction a surface point was quoted for.
const (
	ActionStake   = "stake"
	ActionUnstake = "unstake"
)

// SurfaceSizes are the TAO sizes sampled per subnet and direction. Estimates
// for other sizes interpolate between the two nearest cached points.
var SurfaceSizes = []decimal.Decimal{
	decimal.NewFromInt(2),
	decimal.NewFromInt(5),
	decimal.NewFromInt(10),
	decimal.NewFromInt(15),
	decimal.NewFromInt(20),
}

// Surface is one cached slippage point: the upstream-quoted cost of moving
// SizeTao through the subnet pool in one direction, with the pool state at
// quote time.
type Surface struct {
	Netuid           int
	Action           string
	SizeTao          decimal.Decimal
	SlippagePct      decimal.Decimal
	ExpectedOutput   decimal.Decimal
	PoolTaoReserve   decimal.Decimal
	PoolAlphaReserve decimal.Decimal
	ComputedAt       time.Time
	ExpiresAt        time.Time
}

// Expired reports whether the point is past its freshness window.
func (s Surface) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Estimate is an interpolated slippage figure with provenance flags. Stale
// means the surface had expired and the caller opted into it anyway;
// Fallback means nothing was cached and the conservative default was used.
type Estimate struct {
	Netuid      int
	Action      string
	SizeTao     decimal.Decimal
	SlippagePct decimal.Decimal
	Stale       bool
	Fallback    bool
}
