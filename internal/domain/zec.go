package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ZEC amounts are stored as BIGINT zatoshis (10^-8) to avoid floating point
// errors. All ledger, queue and wallet amounts in this codebase are zatoshis.
const ZatoshisPerZEC = 100_000_000

var zatoshisPerZEC = decimal.NewFromInt(ZatoshisPerZEC)

// Zatoshis converts a decimal ZEC amount to int64 zatoshis, truncating any
// sub-zatoshi fraction.
func Zatoshis(zec decimal.Decimal) int64 {
	return zec.Mul(zatoshisPerZEC).IntPart()
}

// ZEC converts int64 zatoshis to a decimal ZEC amount.
func ZEC(zatoshis int64) decimal.Decimal {
	return decimal.NewFromInt(zatoshis).Div(zatoshisPerZEC)
}

// ParseZEC parses a decimal string ("7.3") into zatoshis.
func ParseZEC(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse ZEC amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("ZEC amount must not be negative: %s", s)
	}
	return Zatoshis(d), nil
}

// FormatZEC renders zatoshis as a fixed 8-decimal ZEC string.
func FormatZEC(zatoshis int64) string {
	return ZEC(zatoshis).StringFixed(8)
}
