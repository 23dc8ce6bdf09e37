package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RaoPerTao is the number of rao in one TAO.
const RaoPerTao int64 = 1_000_000_000

// TaoFromRao converts an amount in rao to TAO without loss.
func TaoFromRao(rao int64) decimal.Decimal {
	return decimal.New(rao, -9)
}

// RaoFromTao converts a TAO amount to rao. The conversion must be exact;
// amounts with sub-rao precision are rejected rather than rounded.
func RaoFromTao(tao decimal.Decimal) (int64, error) {
	shifted := tao.Shift(9)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("tao amount %s has sub-rao precision", tao.String())
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("tao amount %s out of rao range", tao.String())
	}
	return bi.Int64(), nil
}

// DecimalFromString parses a decimal column value. Empty strings scan as zero
// so that optional monetary columns round-trip cleanly.
func DecimalFromString(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// RoundTao normalizes a TAO amount to 9 fractional digits (one rao).
func RoundTao(d decimal.Decimal) decimal.Decimal {
	return d.Round(9)
}

// RoundUSD normalizes a USD amount to 2 fractional digits.
func RoundUSD(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundRatio normalizes percentage and ratio fields to 6 fractional digits.
func RoundRatio(d decimal.Decimal) decimal.Decimal {
	return d.Round(6)
}
