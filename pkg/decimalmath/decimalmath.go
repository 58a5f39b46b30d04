// Package decimalmath provides common helpers for working with
// arbitrary-precision decimal values. All engine arithmetic is performed
// on decimal.Decimal; the only sanctioned downcast to float64 lives here
// in ToDisplay.
package decimalmath

import (
	"github.com/shopspring/decimal"
)

// DisplayPlaces is the number of decimal places used when rounding a value
// for display.
const DisplayPlaces = 2

// PercentPlaces is the number of decimal places retained when reporting a
// participation percentage.
const PercentPlaces = 10

var (
	// Hundred is the constant 100, used for percentage conversions.
	Hundred = decimal.NewFromInt(100)

	// DefaultTolerance is the tolerance used for breakpoint de-duplication
	// and percentage-sum checks.
	DefaultTolerance = decimal.New(1, -6) // 1e-6
)

// IsZero checks if a value is effectively zero within tolerance.
func IsZero(val decimal.Decimal) bool {
	return val.Abs().LessThanOrEqual(DefaultTolerance)
}

// IsPositive checks if a value is positive beyond tolerance.
func IsPositive(val decimal.Decimal) bool {
	return val.GreaterThan(DefaultTolerance)
}

// WithinTolerance checks if two values differ by no more than tolerance.
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// WithinRelativeTolerance checks if two values agree to a relative
// tolerance; for values near zero it falls back to an absolute comparison.
func WithinRelativeTolerance(a, b, tolerance decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	scale := decimal.Max(a.Abs(), b.Abs())
	if scale.LessThanOrEqual(decimal.New(1, 0)) {
		return diff.LessThanOrEqual(tolerance)
	}
	return diff.LessThanOrEqual(scale.Mul(tolerance))
}

// Percentage calculates what percentage value is of total, returning zero
// for a zero total.
func Percentage(value, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return value.Div(total).Mul(Hundred)
}

// Ratio calculates value/total as a fraction, returning zero for a zero
// total.
func Ratio(value, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return value.Div(total)
}

// SumsToOne reports whether the fractions sum to 1 within tolerance.
func SumsToOne(fractions []decimal.Decimal, tolerance decimal.Decimal) bool {
	sum := decimal.Zero
	for _, f := range fractions {
		sum = sum.Add(f)
	}
	return WithinTolerance(sum, decimal.New(1, 0), tolerance)
}

// ToDisplay converts a decimal result to a display-friendly float64 rounded
// to currency precision. This is the output boundary; no intermediate math
// may pass through it.
func ToDisplay(val decimal.Decimal) float64 {
	f, _ := val.Round(DisplayPlaces).Float64()
	return f
}

// PercentToDisplay converts a participation percentage to float64 at
// PercentPlaces precision. Percentages need more places than currency so
// that fractional stakes like a third survive display rounding.
func PercentToDisplay(val decimal.Decimal) float64 {
	f, _ := val.Round(PercentPlaces).Float64()
	return f
}
