// Package ode implements the adaptive fourth-order Runge-Kutta integrator
// used to advance compartmental amount state between dosing events.
package ode

import (
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"

	"github.com/pharmacometric/nmodes/errs"
)

var log = logging.MustGetLogger("ode")

// RHS is a compartmental ODE right-hand side: dy/dt at time t given state y.
// Implementations must not retain y or the returned slice.
type RHS func(t float64, y []float64) []float64

// Integrator is a fixed-order adaptive Runge-Kutta solver with
// step-doubling error control, per spec.md §4.1.
type Integrator struct {
	AbsTol float64
	RelTol float64
	HMin   float64
}

// New creates an Integrator with the default tolerances from spec.md §4.1.
func New() *Integrator {
	return &Integrator{AbsTol: 1e-6, RelTol: 1e-4, HMin: 1e-10}
}

func rk4Step(rhs RHS, t float64, y []float64, h float64) []float64 {
	n := len(y)
	k1 := rhs(t, y)

	tmp := make([]float64, n)
	for i := range y {
		tmp[i] = y[i] + 0.5*h*k1[i]
	}
	k2 := rhs(t+0.5*h, tmp)

	for i := range y {
		tmp[i] = y[i] + 0.5*h*k2[i]
	}
	k3 := rhs(t+0.5*h, tmp)

	for i := range y {
		tmp[i] = y[i] + h*k3[i]
	}
	k4 := rhs(t+h, tmp)

	out := make([]float64, n)
	for i := range y {
		out[i] = y[i] + h/6*(k1[i]+2*k2[i]+2*k3[i]+k4[i])
	}
	return out
}

// maxScaledError computes the max-per-component error scaled by
// atol+rtol*|y|, the step-acceptance criterion from spec.md §4.1. The
// elementwise difference and max-norm reduction are done with
// gonum.org/v1/gonum/floats, per spec.md §9's "use a vetted
// linear-algebra library" guidance extended to this vector-norm step.
func (it *Integrator) maxScaledError(yFull, yHalf []float64) float64 {
	n := len(yFull)
	diff := make([]float64, n)
	copy(diff, yFull)
	floats.SubTo(diff, diff, yHalf)

	ratio := make([]float64, n)
	for i, v := range diff {
		scale := it.AbsTol + it.RelTol*math.Abs(yHalf[i])
		ratio[i] = math.Abs(v) / scale
	}
	return floats.Max(ratio)
}

// Integrate advances y0 from tStart to tStop under rhs, returning the
// non-negative state at tStop. It fails with errs.IntegrationDiverged if
// the step shrinks below HMin or any component becomes non-finite.
func (it *Integrator) Integrate(rhs RHS, y0 []float64, tStart, tStop float64) ([]float64, error) {
	if tStop < tStart {
		return nil, errs.New(errs.IntegrationDiverged, "tStop precedes tStart")
	}
	y := append([]float64(nil), y0...)
	if tStop == tStart {
		return y, nil
	}

	dtRemaining := tStop - tStart
	hMax := dtRemaining
	h := math.Min(hMax, dtRemaining/4)
	if h <= 0 {
		h = dtRemaining
	}

	t := tStart
	for t < tStop {
		if t+h > tStop {
			h = tStop - t
		}

		yFull := rk4Step(rhs, t, y, h)
		half := rk4Step(rhs, t, y, h/2)
		yHalf := rk4Step(rhs, t+h/2, half, h/2)

		for _, v := range yFull {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errs.Newf(errs.IntegrationDiverged, "non-finite state at t=%g", t)
			}
		}

		errRatio := it.maxScaledError(yFull, yHalf)
		if errRatio <= 1 {
			t += h
			for i := range y {
				y[i] = math.Max(0, yHalf[i])
			}
			if errRatio < 0.1 {
				h = math.Min(h*1.5, tStop-t)
				if h <= 0 {
					h = tStop - t
				}
			}
		} else {
			h /= 2
			log.Debugf("rejected step at t=%g: scaled error %g > 1, halving to h=%g", t, errRatio, h)
			if h < it.HMin {
				return nil, errs.Newf(errs.IntegrationDiverged, "step underflow below HMin at t=%g", t)
			}
			continue
		}

		if h > 0 && h < it.HMin && t < tStop {
			return nil, errs.Newf(errs.IntegrationDiverged, "step underflow below HMin at t=%g", t)
		}
	}
	return y, nil
}
