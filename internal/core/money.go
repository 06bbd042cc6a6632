// Package core holds the domain model: money, transactions, lines,
// allocations and the currency normalizer.
package core

// Money is an amount in cents of the reporting currency. Signed: deltas and
// reversals are expressed as negative values.
type Money struct {
	Cents int64
}

// Units returns the amount in whole currency units as a float64 for display.
// Use cents for calculations to avoid floating-point precision issues.
func (m Money) Units() float64 {
	return float64(m.Cents) / 100.0
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{Cents: m.Cents + other.Cents}
}

// Neg returns the amount with its sign flipped.
func (m Money) Neg() Money {
	return Money{Cents: -m.Cents}
}

// Abs returns the magnitude of the amount.
func (m Money) Abs() Money {
	if m.Cents < 0 {
		return Money{Cents: -m.Cents}
	}
	return m
}

// IsZero reports whether the amount is exactly zero cents.
func (m Money) IsZero() bool {
	return m.Cents == 0
}
