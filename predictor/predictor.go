// Package predictor implements the Subject Predictor (spec.md §4.3):
// given individual random effects eta and fixed effects theta, it walks a
// subject's dosing/observation timeline, integrating the structural
// model's ODE piecewise between events, and returns the predicted
// concentration at every observation time.
package predictor

import (
	"math"
	"sort"

	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/errs"
	"github.com/pharmacometric/nmodes/ode"
	"github.com/pharmacometric/nmodes/structmodel"
)

// Result is the outcome of predicting a single subject's observations.
type Result struct {
	Predictions []float64 // parallel to Subject.Observations, NaN where the observation was missing
	Failed      bool       // true if integration diverged; Predictions is invalid in that case
}

type activeInfusion struct {
	end  float64
	cmt  int
	rate float64
}

// Phi computes the absolute-scale parameter vector phi = exp(theta+eta),
// per spec.md §3's individual transform, and validates it.
func Phi(theta, eta []float64) ([]float64, error) {
	p := len(theta)
	phi := make([]float64, p)
	for i := 0; i < p; i++ {
		v := math.Exp(theta[i] + eta[i])
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return nil, errs.New(errs.IntegrationDiverged, "non-finite or non-positive absolute parameter")
		}
		phi[i] = v
	}
	return phi, nil
}

// Predict produces the predicted concentration vector for one subject
// given a structural model, integrator, and absolute parameters phi.
func Predict(model *structmodel.Model, integrator *ode.Integrator, subj *dataset.Subject, phi []float64) Result {
	y := make([]float64, model.NState)
	predictions := make([]float64, len(subj.Observations))
	for i := range predictions {
		predictions[i] = math.NaN()
	}

	t := 0.0
	var active []activeInfusion

	advance := func(target float64) error {
		for {
			sort.Slice(active, func(i, j int) bool { return active[i].end < active[j].end })
			next := target
			if len(active) > 0 && active[0].end < next {
				next = active[0].end
			}
			if next <= t {
				break
			}
			input := inputVector(model.NState, active)
			rhs := func(tt float64, yy []float64) []float64 { return model.RHS(phi, tt, yy, input) }
			out, err := integrator.Integrate(rhs, y, t, next)
			if err != nil {
				return err
			}
			y = out
			t = next
			// drop infusions that have ended at this breakpoint
			kept := active[:0]
			for _, a := range active {
				if a.end > t {
					kept = append(kept, a)
				}
			}
			active = kept
			if t >= target {
				break
			}
		}
		return nil
	}

	for _, ev := range subj.Events {
		if err := advance(ev.Time); err != nil {
			return Result{Failed: true}
		}
		switch ev.Kind {
		case dataset.Dose:
			if ev.Dose.SteadyState {
				ySS, err := steadyStateState(model, integrator, phi, ev.Dose)
				if err != nil {
					return Result{Failed: true}
				}
				y = ySS
				continue
			}
			if ev.Dose.Rate <= 0 {
				y[ev.Dose.Compartment-1] += ev.Dose.Amount
			} else {
				active = append(active, activeInfusion{
					end:  ev.Time + ev.Dose.Amount/ev.Dose.Rate,
					cmt:  ev.Dose.Compartment - 1,
					rate: ev.Dose.Rate,
				})
			}
		case dataset.Obs:
			if !math.IsNaN(ev.Obs.Value) {
				predictions[ev.ObsIx] = model.Observe(phi, y)
			}
		}
	}

	for _, v := range predictions {
		if math.IsInf(v, 0) {
			return Result{Failed: true}
		}
	}
	return Result{Predictions: predictions}
}

func inputVector(n int, active []activeInfusion) []float64 {
	v := make([]float64, n)
	for _, a := range active {
		v[a.cmt] += a.rate
	}
	return v
}

// steadyStateState computes the compartment state immediately after a
// steady-state (SS=1) dose, per spec.md §4.1: an analytic closed form for
// 1C bolus dosing, and iteration to <1e-6 relative change otherwise.
func steadyStateState(model *structmodel.Model, integrator *ode.Integrator, phi []float64, dose dataset.DoseEvent) ([]float64, error) {
	if model.Kind == structmodel.OneCompartment && dose.Rate <= 0 {
		k := model.EliminationRate0(phi)
		tau := dose.II
		if tau <= 0 {
			tau = 24
		}
		aPost := dose.Amount / (1 - math.Exp(-k*tau))
		return []float64{aPost}, nil
	}

	tau := dose.II
	if tau <= 0 {
		tau = 24
	}
	y := make([]float64, model.NState)
	const maxIter = 2000
	for iter := 0; iter < maxIter; iter++ {
		yPostDose := append([]float64(nil), y...)
		remaining := tau
		if dose.Rate > 0 {
			input := make([]float64, model.NState)
			input[dose.Compartment-1] = dose.Rate
			rhs := func(t float64, yy []float64) []float64 { return model.RHS(phi, t, yy, input) }
			duration := dose.Amount / dose.Rate
			if duration > tau {
				duration = tau
			}
			out, err := integrator.Integrate(rhs, yPostDose, 0, duration)
			if err != nil {
				return nil, err
			}
			yPostDose = out
			remaining = tau - duration
		} else {
			yPostDose[dose.Compartment-1] += dose.Amount
		}

		zeroInput := make([]float64, model.NState)
		rhs := func(t float64, yy []float64) []float64 { return model.RHS(phi, t, yy, zeroInput) }
		yNext, err := integrator.Integrate(rhs, yPostDose, 0, remaining)
		if err != nil {
			return nil, err
		}

		relChange := 0.0
		for i := range yNext {
			denom := math.Max(1e-12, math.Abs(yNext[i]))
			relChange = math.Max(relChange, math.Abs(yNext[i]-y[i])/denom)
		}
		if relChange < 1e-6 {
			return yPostDose, nil
		}
		y = yNext
	}
	return nil, errs.New(errs.IntegrationDiverged, "steady-state dosing did not converge")
}
