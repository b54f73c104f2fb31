package ode

import (
	"math"
	"testing"
)

// TestIntegrateExponentialDecay checks the integrator against the
// closed-form solution of dy/dt = -k*y, y(0)=y0.
func TestIntegrateExponentialDecay(tst *testing.T) {
	it := New()
	k := 0.3
	rhs := func(t float64, y []float64) []float64 { return []float64{-k * y[0]} }

	y, err := it.Integrate(rhs, []float64{100}, 0, 5)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	want := 100 * math.Exp(-k*5)
	if math.Abs(y[0]-want) > 1e-4 {
		tst.Errorf("y(5)=%v, want %v", y[0], want)
	}
}

// TestIntegrateMassConservation checks invariant 1 from spec.md §8: with
// CL=0 (no elimination, here a closed two-compartment exchange with no
// outflow), total mass is conserved up to tolerance.
func TestIntegrateMassConservation(tst *testing.T) {
	it := New()
	k12, k21 := 0.5, 0.2
	rhs := func(t float64, y []float64) []float64 {
		return []float64{-k12*y[0] + k21*y[1], k12*y[0] - k21*y[1]}
	}
	y0 := []float64{100, 0}
	y, err := it.Integrate(rhs, y0, 0, 20)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	total := y[0] + y[1]
	if math.Abs(total-100) > 1e-6+1e-4*100 {
		tst.Errorf("mass not conserved: total=%v, want 100", total)
	}
}

// TestIntegrateNonNegative checks invariant 1's non-negativity clause:
// amounts never go negative even under fast elimination.
func TestIntegrateNonNegative(tst *testing.T) {
	it := New()
	k := 50.0
	rhs := func(t float64, y []float64) []float64 { return []float64{-k * y[0]} }
	y, err := it.Integrate(rhs, []float64{1}, 0, 10)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if y[0] < 0 {
		tst.Errorf("state went negative: %v", y[0])
	}
}

// TestIntegrateDiverges checks that a RHS producing NaN state surfaces
// IntegrationDiverged rather than propagating NaN.
func TestIntegrateDiverges(tst *testing.T) {
	it := New()
	rhs := func(t float64, y []float64) []float64 { return []float64{math.NaN()} }
	_, err := it.Integrate(rhs, []float64{1}, 0, 1)
	if err == nil {
		tst.Fatal("expected IntegrationDiverged, got nil")
	}
}

// TestIntegrateZeroDuration checks that integrating over a zero-length
// interval is a no-op.
func TestIntegrateZeroDuration(tst *testing.T) {
	it := New()
	rhs := func(t float64, y []float64) []float64 { return []float64{-1} }
	y, err := it.Integrate(rhs, []float64{5}, 2, 2)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if y[0] != 5 {
		tst.Errorf("y=%v, want 5", y[0])
	}
}
