package position

import (
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// Decomposition splits a live position's unrealized P&L into its yield and
// alpha-price components. The identity
//
//	unrealized_pnl = unrealized_yield + unrealized_alpha_pnl
//
// holds by construction: the alpha-price component is computed as the
// residual.
type Decomposition struct {
	CurrentAlphaPrice     decimal.Decimal
	EmissionRemaining     decimal.Decimal
	UnrealizedPnlTao      decimal.Decimal
	UnrealizedYieldTao    decimal.Decimal
	UnrealizedAlphaPnlTao decimal.Decimal
}

// Decompose computes the unrealized decomposition from the fetched values
// alone; it performs no I/O. A non-positive balance zeroes every field. An
// unknown cost basis makes the total zero, so the yield component is offset
// by an equally negative alpha-price component until the basis is known.
func Decompose(alphaBalance, taoValueMid, totalYieldAlpha decimal.Decimal, costBasisTao *decimal.Decimal) Decomposition {
	if !alphaBalance.IsPositive() {
		return Decomposition{}
	}

	price := taoValueMid.Div(alphaBalance)

	var pnl decimal.Decimal
	if costBasisTao != nil {
		pnl = taoValueMid.Sub(*costBasisTao)
	}

	emission := decimal.Min(totalYieldAlpha, alphaBalance)
	if emission.IsNegative() {
		emission = decimal.Zero
	}
	yield := emission.Mul(price)

	return Decomposition{
		CurrentAlphaPrice:     price,
		EmissionRemaining:     emission,
		UnrealizedPnlTao:      domain.RoundTao(pnl),
		UnrealizedYieldTao:    domain.RoundTao(yield),
		UnrealizedAlphaPnlTao: domain.RoundTao(pnl).Sub(domain.RoundTao(yield)),
	}
}
