package core

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		cents int64
		rate  float64
		want  int64
	}{
		{1000, 1, 1000},
		{1000, 0, 1000},    // zero rate falls back to 1
		{1000, 1.1, 1100},
		{1000, 0.92, 920},
		{333, 1.5, 500},    // 499.5 rounds half away from zero
		{-1000, 1.1, -1100},
	}
	for i, tc := range cases {
		got := Normalize(Money{Cents: tc.cents}, tc.rate)
		if got.Cents != tc.want {
			t.Fatalf("case %d: expected %d, got %d", i, tc.want, got.Cents)
		}
	}
}

// The frozen rate must reproduce the same base amount no matter how often it
// is recomputed, so historical reports never shift.
func TestNormalizeRoundTrip(t *testing.T) {
	entered := Money{Cents: 4999}
	rate := 1.0864
	first := Normalize(entered, rate)
	for i := 0; i < 10; i++ {
		if again := Normalize(entered, rate); again != first {
			t.Fatalf("iteration %d: normalize drifted from %d to %d", i, first.Cents, again.Cents)
		}
	}
}
