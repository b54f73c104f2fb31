// Package likelihood implements the proportional log-normal residual
// error model and the per-subject conditional log-density from
// spec.md §4.4.
package likelihood

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// minPred is the floor below which a predicted concentration is
// penalized instead of allowed to NaN-propagate, per spec.md §4.4/§9.
const minPred = 1e-12

// penalty is applied per offending observation when a prediction is
// non-positive (clipped to minPred still yields a huge residual, but we
// apply the fixed penalty spec.md calls out explicitly).
const penalty = -1e6

// clippedLogPred returns log(max(pred, minPred)).
func clippedLogPred(pred float64) float64 {
	if pred < minPred {
		return math.Log(minPred)
	}
	return math.Log(pred)
}

// ResidualLogDensity returns the per-observation log-density
// contributions log N(log DV | log pred, sigma2) for the subset of
// observations with a finite DV, skipping missing ones, per spec.md §4.4.
// dv and pred must be the same length and already aligned by observation
// index; NaN entries of dv are treated as missing.
func ResidualLogDensity(dv, pred []float64, sigma2 float64) []float64 {
	out := make([]float64, len(dv))
	for i := range dv {
		if math.IsNaN(dv[i]) {
			out[i] = math.NaN()
			continue
		}
		if pred[i] <= 0 {
			out[i] = penalty
			continue
		}
		resid := math.Log(dv[i]) - clippedLogPred(pred[i])
		out[i] = -0.5 * (math.Log(2*math.Pi*sigma2) + resid*resid/sigma2)
	}
	return out
}

// SumResidualLogDensity sums ResidualLogDensity over non-missing entries.
func SumResidualLogDensity(dv, pred []float64, sigma2 float64) float64 {
	ld := ResidualLogDensity(dv, pred, sigma2)
	sum := 0.0
	for _, v := range ld {
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

// PriorLogDensity returns the random-effects prior contribution
// -1/2 [p*log(2*pi) + log|Omega| + eta' Omega^-1 eta] from spec.md §4.4.
// omegaInv and logDetOmega are expected to be precomputed once per
// population-parameter snapshot (spec.md §5: "recomputed once per
// M-step/outer-step and held in a snapshot").
func PriorLogDensity(eta []float64, omegaInv *mat.SymDense, logDetOmega float64) float64 {
	p := len(eta)
	etaVec := mat.NewVecDense(p, eta)
	var tmp mat.VecDense
	tmp.MulVec(omegaInv, etaVec)
	quad := mat.Dot(etaVec, &tmp)
	return -0.5 * (float64(p)*math.Log(2*math.Pi) + logDetOmega + quad)
}

// SubjectLogDensity returns l_i(eta_i | theta, Omega, sigma2), the full
// conditional log-density from spec.md §4.4: residual term plus prior.
func SubjectLogDensity(dv, pred []float64, sigma2 float64, eta []float64, omegaInv *mat.SymDense, logDetOmega float64) float64 {
	return SumResidualLogDensity(dv, pred, sigma2) + PriorLogDensity(eta, omegaInv, logDetOmega)
}
