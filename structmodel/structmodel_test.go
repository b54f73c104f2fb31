package structmodel

import (
	"math"
	"testing"
)

func TestParseKind(tst *testing.T) {
	cases := map[string]Kind{"1comp": OneCompartment, "2comp": TwoCompartment, "3comp": ThreeCompartment}
	for token, want := range cases {
		got, err := ParseKind(token)
		if err != nil {
			tst.Errorf("ParseKind(%q): unexpected error %v", token, err)
		}
		if got != want {
			tst.Errorf("ParseKind(%q) = %v, want %v", token, got, want)
		}
	}
	if _, err := ParseKind("4comp"); err == nil {
		tst.Error("expected error for unknown model token")
	}
}

func TestNewEachKindHasConsistentDimensions(tst *testing.T) {
	for _, kind := range []Kind{OneCompartment, TwoCompartment, ThreeCompartment} {
		m, err := New(kind)
		if err != nil {
			tst.Fatalf("New(%v): %v", kind, err)
		}
		if len(m.ParameterNames) != m.NumParameters() {
			tst.Errorf("%v: len(ParameterNames)=%d != NumParameters()=%d", kind, len(m.ParameterNames), m.NumParameters())
		}
		if len(m.Defaults) != m.NumParameters() {
			tst.Errorf("%v: len(Defaults)=%d != NumParameters()=%d", kind, len(m.Defaults), m.NumParameters())
		}
		y := make([]float64, m.NState)
		input := make([]float64, m.NState)
		dy := m.RHS(m.Defaults, 0, y, input)
		if len(dy) != m.NState {
			tst.Errorf("%v: RHS returned %d components, want %d", kind, len(dy), m.NState)
		}
	}
}

// TestOneCompartmentMassBalance checks invariant 1 from spec.md §8 at the
// structural-model level: with no input, the 1C RHS returns pure
// first-order elimination (conservative up to the removed mass).
func TestOneCompartmentMassBalance(tst *testing.T) {
	m, _ := New(OneCompartment)
	phi := []float64{2, 20} // CL, V
	dy := m.RHS(phi, 0, []float64{100}, []float64{0})
	want := -(2.0 / 20.0) * 100
	if math.Abs(dy[0]-want) > 1e-9 {
		tst.Errorf("dy/dt = %v, want %v", dy[0], want)
	}
}

// TestTwoCompartmentExchangeConservesMass checks that absent central
// elimination (CL=0), the 2C inter-compartmental exchange alone
// conserves total mass (dy1+dy2 = 0).
func TestTwoCompartmentExchangeConservesMass(tst *testing.T) {
	m, _ := New(TwoCompartment)
	phi := []float64{0, 20, 3, 40} // CL=0, V1, Q, V2
	dy := m.RHS(phi, 0, []float64{50, 10}, []float64{0, 0})
	sum := dy[0] + dy[1]
	if math.Abs(sum) > 1e-9 {
		tst.Errorf("dy1+dy2 = %v, want 0 with CL=0", sum)
	}
}

func TestObserveDividesByV1(tst *testing.T) {
	m, _ := New(TwoCompartment)
	phi := []float64{5, 25, 3, 40}
	c := m.Observe(phi, []float64{50, 0})
	if math.Abs(c-2) > 1e-9 {
		tst.Errorf("Observe = %v, want 2 (50/25)", c)
	}
}
