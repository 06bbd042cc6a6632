package core

import "math"

// DefaultExchangeRate is used when a line omits its rate: the entered
// currency already is the reporting currency.
const DefaultExchangeRate = 1.0

// Normalize converts an entered amount to the reporting currency using the
// line's frozen exchange rate. The rate is caller-supplied and recorded at
// entry time; there is no live FX lookup, so historical reports never shift
// when market rates change later.
//
// Rounding is half away from zero on the resulting cents.
func Normalize(amount Money, rate float64) Money {
	if rate == 0 {
		rate = DefaultExchangeRate
	}
	if rate == 1 {
		return amount
	}
	scaled := float64(amount.Cents) * rate
	return Money{Cents: int64(math.Round(scaled))}
}
