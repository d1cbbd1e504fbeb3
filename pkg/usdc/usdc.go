// Package usdc converts between decimal USDC amounts at the API boundary and
// the integer micro-USDC (1e-6) representation used for all internal
// accounting. Budget arithmetic is done on int64 micros so the cap-checked
// spend increment can be a single conditional SQL update.
package usdc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const MicrosPerUSDC = 1_000_000

var microsExp = decimal.New(MicrosPerUSDC, 0)

// FromString parses a decimal-as-string amount ("12.50") into micros.
// Amounts with more than 6 fractional digits are rejected rather than
// silently truncated.
func FromString(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	m := d.Mul(microsExp)
	if !m.IsInteger() {
		return 0, fmt.Errorf("amount %q has sub-micro precision", s)
	}
	return m.IntPart(), nil
}

// ToDecimal converts micros back to a decimal USDC amount.
func ToDecimal(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}

// ToString formats micros as a decimal-as-string USDC amount.
func ToString(micros int64) string {
	return ToDecimal(micros).String()
}

// Min returns the smaller of two micro amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
