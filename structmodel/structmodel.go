// Package structmodel implements the three compartmental structural
// models named in spec.md §4.2: 1-, 2-, and 3-compartment mass-balance
// systems. Each variant exposes a tagged-variant "vtable" of closures
// (rhs, observation function, parameter metadata) per spec.md §9's
// polymorphism guidance; the estimation core never imports a concrete
// variant type, only the Model struct of closures.
package structmodel

import "github.com/pharmacometric/nmodes/errs"

// Kind identifies which tabled compartmental structure a Model implements.
type Kind int

const (
	OneCompartment Kind = iota
	TwoCompartment
	ThreeCompartment
)

func (k Kind) String() string {
	switch k {
	case OneCompartment:
		return "1C"
	case TwoCompartment:
		return "2C"
	case ThreeCompartment:
		return "3C"
	}
	return "unknown"
}

// ParseKind maps a CLI model token (spec.md §6: 1comp/2comp/3comp) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "1comp":
		return OneCompartment, nil
	case "2comp":
		return TwoCompartment, nil
	case "3comp":
		return ThreeCompartment, nil
	}
	return 0, errs.Newf(errs.ModelConfiguration, "unknown structural model %q", s)
}

// Model is the capability set every structural-model variant implements:
// dimension, parameter naming/defaults, the ODE right-hand side, and the
// mapping from state to the observed concentration.
type Model struct {
	Kind           Kind
	NState         int
	ParameterNames []string
	Defaults       []float64

	// RHS computes dy/dt given absolute-scale parameters phi, current time
	// t, state y, and a zero-order input vector (active infusion rates,
	// one entry per compartment, 0 where none is running).
	RHS func(phi []float64, t float64, y []float64, input []float64) []float64

	// Observe maps state y and absolute parameters phi to the predicted
	// concentration in the observation compartment (compartment 1 for all
	// three variants, per spec.md §4.2).
	Observe func(phi []float64, y []float64) float64

	// EliminationRate0 returns CL/V1, used by the 1C analytic
	// steady-state shortcut (spec.md §4.1). The 2C/3C iterative
	// steady-state path does not use it.
	EliminationRate0 func(phi []float64) float64
}

// NumParameters returns p, the structural model's parameter count.
func (m *Model) NumParameters() int { return len(m.ParameterNames) }

// New constructs the Model for the requested compartmental structure.
func New(kind Kind) (*Model, error) {
	switch kind {
	case OneCompartment:
		return oneCompartment(), nil
	case TwoCompartment:
		return twoCompartment(), nil
	case ThreeCompartment:
		return threeCompartment(), nil
	}
	return nil, errs.Newf(errs.ModelConfiguration, "unknown structural model kind %v", kind)
}

func oneCompartment() *Model {
	return &Model{
		Kind:           OneCompartment,
		NState:         1,
		ParameterNames: []string{"CL", "V"},
		Defaults:       []float64{5, 50},
		RHS: func(phi []float64, t float64, y []float64, input []float64) []float64 {
			cl, v := phi[0], phi[1]
			k := cl / v
			return []float64{input[0] - k*y[0]}
		},
		Observe: func(phi []float64, y []float64) float64 {
			return y[0] / phi[1]
		},
		EliminationRate0: func(phi []float64) float64 { return phi[0] / phi[1] },
	}
}

func twoCompartment() *Model {
	return &Model{
		Kind:           TwoCompartment,
		NState:         2,
		ParameterNames: []string{"CL", "V1", "Q", "V2"},
		Defaults:       []float64{5, 50, 3, 40},
		RHS: func(phi []float64, t float64, y []float64, input []float64) []float64 {
			cl, v1, q, v2 := phi[0], phi[1], phi[2], phi[3]
			k10 := cl / v1
			k12 := q / v1
			k21 := q / v2
			dy1 := input[0] - (k10+k12)*y[0] + k21*y[1]
			dy2 := input[1] + k12*y[0] - k21*y[1]
			return []float64{dy1, dy2}
		},
		Observe: func(phi []float64, y []float64) float64 {
			return y[0] / phi[1]
		},
		EliminationRate0: func(phi []float64) float64 { return phi[0] / phi[1] },
	}
}

func threeCompartment() *Model {
	return &Model{
		Kind:           ThreeCompartment,
		NState:         3,
		ParameterNames: []string{"CL", "V1", "Q2", "V2", "Q3", "V3"},
		Defaults:       []float64{5, 50, 3, 40, 1, 30},
		RHS: func(phi []float64, t float64, y []float64, input []float64) []float64 {
			cl, v1, q2, v2, q3, v3 := phi[0], phi[1], phi[2], phi[3], phi[4], phi[5]
			k10 := cl / v1
			k12 := q2 / v1
			k21 := q2 / v2
			k13 := q3 / v1
			k31 := q3 / v3
			dy1 := input[0] - (k10+k12+k13)*y[0] + k21*y[1] + k31*y[2]
			dy2 := input[1] + k12*y[0] - k21*y[1]
			dy3 := input[2] + k13*y[0] - k31*y[2]
			return []float64{dy1, dy2, dy3}
		},
		Observe: func(phi []float64, y []float64) float64 {
			return y[0] / phi[1]
		},
		EliminationRate0: func(phi []float64) float64 { return phi[0] / phi[1] },
	}
}
