package intent

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// UnitDecimals is the fixed precision of every quantity: one minimal unit is 1e-8.
const UnitDecimals = 8

// Amount is a non-negative quantity stored as an exact count of minimal units.
type Amount uint64

// ParseAmount converts a decimal string such as "1.5" into minimal units.
// Inputs with more than UnitDecimals fractional digits are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a decimal value into minimal units.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", d.String())
	}
	scaled := d.Shift(UnitDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", d.String(), UnitDecimals)
	}
	units := scaled.BigInt()
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Amount(units.Uint64()), nil
}

// Decimal renders the amount as a decimal in whole units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -UnitDecimals)
}

// String implements fmt.Stringer.
func (a Amount) String() string {
	return a.Decimal().String()
}

// Units renders the raw minimal unit count in base 10.
func (a Amount) Units() string {
	return strconv.FormatUint(uint64(a), 10)
}

// ParseUnits is the inverse of Units.
func ParseUnits(s string) (Amount, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse units %q: %w", s, err)
	}
	return Amount(v), nil
}
