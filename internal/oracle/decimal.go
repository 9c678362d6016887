package oracle

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const e6Exp = -6

// FormatE6 renders a price_e6 value as a decimal string: 1500000 -> "1.5".
// Zero renders as the empty string.
func FormatE6(p uint64) string {
	if p == 0 {
		return ""
	}
	return decimal.NewFromUint64(p).Shift(e6Exp).String()
}

// ParseE6 is the inverse of FormatE6. Digits beyond the sixth decimal
// place are rejected rather than rounded.
func ParseE6(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("price %q must be positive", s)
	}
	scaled := d.Shift(-e6Exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("price %q has more than 6 decimal places", s)
	}
	if scaled.GreaterThan(decimal.NewFromUint64(^uint64(0))) {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return scaled.BigInt().Uint64(), nil
}
