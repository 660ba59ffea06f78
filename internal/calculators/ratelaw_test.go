// Copyright 2025 James Ross
package calculators

import "testing"

func TestRateLawPositiveInputs(t *testing.T) {
	got := RateLaw(2.5, 4.0)
	want := 10.0
	if got != want {
		t.Fatalf("RateLaw(2.5, 4.0) = %v, want %v", got, want)
	}
}

func TestRateLawNonPositiveInputs(t *testing.T) {
	cases := []struct {
		rate, duration float64
	}{
		{0, 4.0},
		{-1, 4.0},
		{2.5, 0},
		{2.5, -1},
	}
	for _, c := range cases {
		if got := RateLaw(c.rate, c.duration); got != 0 {
			t.Fatalf("RateLaw(%v, %v) = %v, want 0", c.rate, c.duration, got)
		}
	}
}
