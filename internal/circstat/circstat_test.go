package circstat

import (
	"math"
	"testing"
)

func TestWrapDeg(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{360, 0},
		{361, 1},
		{-1, 359},
		{-360, 0},
		{725, 5},
	}
	for _, c := range cases {
		if got := WrapDeg(c.in); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("WrapDeg(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestWrapOrt(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{180, 0},
		{270, 90},
		{-45, 135},
	}
	for _, c := range cases {
		if got := WrapOrt(c.in); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("WrapOrt(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestDiffDeg(t *testing.T) {
	cases := []struct{ a, b, want float64 }{
		{10, 350, 20},
		{350, 10, -20},
		{0, 180, 180}, // half-turn is +180 by convention
		{90, 90, 0},
		{359, 0, -1},
	}
	for _, c := range cases {
		if got := DiffDeg(c.a, c.b); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("DiffDeg(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestWeightedMeanDeg(t *testing.T) {
	angles := []float64{0, 45, 90, 135, 180, 225, 270, 315}

	t.Run("single bump", func(t *testing.T) {
		weights := []float64{0, 0, 1, 0, 0, 0, 0, 0}
		mean, r := WeightedMeanDeg(angles, weights)
		if math.Abs(mean-90) > 1e-9 {
			t.Errorf("mean = %v, want 90", mean)
		}
		if math.Abs(r-1) > 1e-9 {
			t.Errorf("r = %v, want 1", r)
		}
	})

	t.Run("wrap across zero", func(t *testing.T) {
		weights := []float64{1, 0, 0, 0, 0, 0, 0, 1}
		mean, _ := WeightedMeanDeg(angles, weights)
		// Equal mass at 0 and 315 averages to 337.5, not 157.5.
		if math.Abs(DiffDeg(mean, 337.5)) > 1e-9 {
			t.Errorf("mean = %v, want 337.5", mean)
		}
	})

	t.Run("uniform weights cancel", func(t *testing.T) {
		weights := []float64{1, 1, 1, 1, 1, 1, 1, 1}
		_, r := WeightedMeanDeg(angles, weights)
		if r > 1e-9 {
			t.Errorf("resultant length = %v, want ~0 for uniform weights", r)
		}
	})

	t.Run("all zero weights", func(t *testing.T) {
		weights := make([]float64, len(angles))
		mean, r := WeightedMeanDeg(angles, weights)
		if mean != 0 || r != 0 {
			t.Errorf("got (%v, %v), want (0, 0)", mean, r)
		}
	})

	t.Run("negative weights clamped", func(t *testing.T) {
		weights := []float64{-5, 0, 1, 0, 0, 0, 0, 0}
		mean, _ := WeightedMeanDeg(angles, weights)
		if math.Abs(mean-90) > 1e-9 {
			t.Errorf("mean = %v, want 90 (negative weight ignored)", mean)
		}
	})
}
