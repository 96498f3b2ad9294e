package endpoint

import (
	"math"
	"testing"
)

func constant(n int, v float32) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS([]float32{3, -4}); !approx(got, math.Sqrt(12.5)) {
		t.Errorf("RMS = %v, want %v", got, math.Sqrt(12.5))
	}
	if got := RMS(constant(16, -0.25)); !approx(got, 0.25) {
		t.Errorf("RMS = %v, want 0.25", got)
	}
}

func TestRMS_NonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		name  string
		frame []float32
		want  float64
	}{
		{"nan", []float32{nan, 0, 0, 0}, 0},
		{"+inf", []float32{inf, 0, 0, 0}, 0.5},
		{"-inf", []float32{-inf, 0, 0, 0}, 0.5},
		{"mixed", []float32{nan, inf, 0, 0}, 0.5},
	}
	for _, tc := range tests {
		if got := RMS(tc.frame); !approx(got, tc.want) {
			t.Errorf("%s: RMS = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestClassifier_NonFiniteKeepsFloorFinite(t *testing.T) {
	c := NewClassifier(0.02, 3, 0.008)
	c.Classify(constant(10, 0.01), StateIdle)
	bad := constant(10, 0.01)
	bad[0] = float32(math.NaN())
	c.Classify(bad, StateIdle)
	bad[0] = float32(math.Inf(1))
	c.Classify(bad, StateIdle)
	if f := c.NoiseFloor(); math.IsNaN(f) || math.IsInf(f, 0) {
		t.Fatalf("NoiseFloor = %v after non-finite frames", f)
	}
	if d := c.Classify(constant(10, 0.8), StateIdle); !d.Speech {
		t.Errorf("loud frame not classified as speech: %+v", d)
	}
}

func TestClassifier_SeedsOnFirstIdleFrame(t *testing.T) {
	c := NewClassifier(0.02, 3, 0.008)
	d := c.Classify(constant(10, 0.01), StateIdle)
	if !approx(d.NoiseFloor, 0.01) {
		t.Errorf("NoiseFloor = %v, want 0.01 after seeding", d.NoiseFloor)
	}
	if !approx(d.Threshold, 0.03) {
		t.Errorf("Threshold = %v, want 0.03", d.Threshold)
	}
	if d.Speech {
		t.Error("seed frame classified as speech")
	}
}

func TestClassifier_ZeroFloorCountsAsUnseeded(t *testing.T) {
	c := NewClassifier(0.5, 3, 0.008)
	c.Classify(constant(10, 0), StateIdle) // digital silence keeps floor at 0
	d := c.Classify(constant(10, 0.1), StateIdle)
	if !approx(d.NoiseFloor, 0.1) {
		t.Errorf("NoiseFloor = %v, want 0.1 (reseeded)", d.NoiseFloor)
	}
}

func TestClassifier_SmoothsWhileIdle(t *testing.T) {
	c := NewClassifier(0.5, 3, 0.001)
	c.Classify(constant(10, 0.1), StateIdle)
	d := c.Classify(constant(10, 0.3), StateIdle)
	if !approx(d.NoiseFloor, 0.2) {
		t.Errorf("NoiseFloor = %v, want 0.2", d.NoiseFloor)
	}
	if !approx(d.Threshold, 0.6) {
		t.Errorf("Threshold = %v, want 0.6", d.Threshold)
	}
	if d.Speech {
		t.Error("0.3 classified as speech against threshold 0.6")
	}
}

func TestClassifier_FrozenInUtterance(t *testing.T) {
	c := NewClassifier(0.5, 3, 0.001)
	c.Classify(constant(10, 0.1), StateIdle)
	for range 50 {
		d := c.Classify(constant(10, 0.9), StateInUtterance)
		if !d.Speech {
			t.Fatal("loud frame classified as silence")
		}
	}
	if !approx(c.NoiseFloor(), 0.1) {
		t.Errorf("NoiseFloor = %v, want 0.1 (unchanged in utterance)", c.NoiseFloor())
	}
}

func TestClassifier_ThresholdFloor(t *testing.T) {
	c := NewClassifier(0.02, 3, 0.05)
	d := c.Classify(constant(10, 0.001), StateIdle)
	if !approx(d.Threshold, 0.05) {
		t.Errorf("Threshold = %v, want floor 0.05", d.Threshold)
	}
	if c.Classify(constant(10, 0.04), StateInUtterance).Speech {
		t.Error("0.04 classified as speech below the absolute floor")
	}
	if !c.Classify(constant(10, 0.06), StateInUtterance).Speech {
		t.Error("0.06 classified as silence above the absolute floor")
	}
}

func TestClassifier_Deterministic(t *testing.T) {
	input := [][]float32{constant(8, 0.01), constant(8, 0.2), constant(8, 0.05), constant(8, 0.7)}
	a := NewClassifier(0.1, 2, 0.01)
	b := NewClassifier(0.1, 2, 0.01)
	for i, f := range input {
		if da, db := a.Classify(f, StateIdle), b.Classify(f, StateIdle); da != db {
			t.Errorf("frame %d: %+v != %+v", i, da, db)
		}
	}
}

func TestClassifier_Reset(t *testing.T) {
	c := NewClassifier(0.02, 3, 0.008)
	c.Classify(constant(10, 0.2), StateIdle)
	c.Reset()
	if c.NoiseFloor() != 0 {
		t.Errorf("NoiseFloor = %v after Reset, want 0", c.NoiseFloor())
	}
}
