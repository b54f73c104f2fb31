// Package foce implements the FOCE / FOCE-I driver from spec.md §4.7:
// per-subject empirical-Bayes mode search by damped Gauss-Newton, and an
// outer BFGS (Nelder-Mead fallback) loop over the approximate marginal
// objective. Grounded on the teacher's optimize.BFGS (finite-differenced
// gradient feeding a gonum optimizer) and optimize.DS (downhill simplex)
// for the outer loop shape; the inner Gauss-Newton solve has no teacher
// analog and follows spec.md §4.7 directly.
package foce

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/errs"
	"github.com/pharmacometric/nmodes/ode"
	"github.com/pharmacometric/nmodes/predictor"
	"github.com/pharmacometric/nmodes/structmodel"
)

const (
	innerMaxIter    = 50
	innerGradTol    = 1e-6
	innerStepTol    = 1e-8
	lambdaInit      = 1e-3
)

// innerResult holds everything the outer loop's OFV formula needs for
// one subject: the EB mode, its predictions, the Gauss-Newton curvature
// H_i + Omega^-1 (directly reusable as the inner Hessian at convergence,
// per spec.md §4.7), and convergence status.
type innerResult struct {
	eta       []float64
	pred      []float64
	hessian   *mat.SymDense // H_i + Omega^-1
	converged bool
}

// jacobian computes the central-difference Jacobian of predicted
// concentrations w.r.t. eta, h = 1e-5*max(1,|eta|) per component, per
// spec.md §4.7.
func jacobian(model *structmodel.Model, integrator *ode.Integrator, subj *dataset.Subject, theta, eta []float64) (*mat.Dense, []float64, bool) {
	p := len(eta)
	phi0, err := predictor.Phi(theta, eta)
	if err != nil {
		return nil, nil, false
	}
	base := predictor.Predict(model, integrator, subj, phi0)
	if base.Failed {
		return nil, nil, false
	}
	nObs := len(base.Predictions)
	J := mat.NewDense(nObs, p, nil)

	for k := 0; k < p; k++ {
		h := 1e-5 * math.Max(1, math.Abs(eta[k]))
		ePlus := append([]float64(nil), eta...)
		ePlus[k] += h
		eMinus := append([]float64(nil), eta...)
		eMinus[k] -= h

		phiPlus, err1 := predictor.Phi(theta, ePlus)
		phiMinus, err2 := predictor.Phi(theta, eMinus)
		if err1 != nil || err2 != nil {
			return nil, nil, false
		}
		resPlus := predictor.Predict(model, integrator, subj, phiPlus)
		resMinus := predictor.Predict(model, integrator, subj, phiMinus)
		if resPlus.Failed || resMinus.Failed {
			return nil, nil, false
		}
		for j := 0; j < nObs; j++ {
			J.Set(j, k, (resPlus.Predictions[j]-resMinus.Predictions[j])/(2*h))
		}
	}
	return J, base.Predictions, true
}

// gaussNewtonStep evaluates the gradient and Gauss-Newton Hessian of
// -l_i at eta (residual term scaled by 1/sigma2, plus the Omega^-1 prior
// curvature), returning also the current objective value (negative
// log-density, up to additive constants) for step acceptance.
func gaussNewtonStep(dv, pred []float64, jac *mat.Dense, eta []float64, sigma2 float64, omegaInv *mat.SymDense) (grad *mat.VecDense, hess *mat.SymDense, obj float64) {
	p := len(eta)
	nObs := len(dv)

	r := make([]float64, nObs) // scaled residual r_j = (log DV - log pred)/sigma
	activeRows := 0
	for j := 0; j < nObs; j++ {
		if math.IsNaN(dv[j]) || pred[j] <= 0 {
			r[j] = 0
			continue
		}
		resid := math.Log(dv[j]) - math.Log(pred[j])
		r[j] = resid / math.Sqrt(sigma2)
		activeRows++
		obj += 0.5 * resid * resid / sigma2
	}

	// Residuals are on the log scale, so the Jacobian entering the gradient
	// and the Gauss-Newton Hessian is that of log(pred), J/pred, scaled by
	// 1/sqrt(sigma2); rows without a residual contribute nothing.
	// grad_resid = -J_log^T * (r/sigma).
	scaledJ := mat.NewDense(nObs, p, nil)
	for j := 0; j < nObs; j++ {
		if math.IsNaN(dv[j]) || pred[j] <= 0 {
			continue
		}
		for k := 0; k < p; k++ {
			scaledJ.Set(j, k, jac.At(j, k)/(pred[j]*math.Sqrt(sigma2)))
		}
	}
	rVec := mat.NewVecDense(nObs, r)

	var gradResid mat.VecDense
	gradResid.MulVec(scaledJ.T(), rVec)
	gradResid.ScaleVec(-1, &gradResid)

	etaVec := mat.NewVecDense(p, eta)
	var priorGrad mat.VecDense
	priorGrad.MulVec(omegaInv, etaVec)

	g := mat.NewVecDense(p, nil)
	g.AddVec(&gradResid, &priorGrad)

	var jtj mat.Dense
	jtj.Mul(scaledJ.T(), scaledJ)
	H := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			H.SetSym(a, b, jtj.At(a, b)+omegaInv.At(a, b))
		}
	}

	var quad mat.VecDense
	quad.MulVec(omegaInv, etaVec)
	obj += 0.5 * mat.Dot(etaVec, &quad)

	return g, H, obj
}

// solveInner finds the empirical-Bayes mode eta_hat for one subject by
// damped Gauss-Newton, per spec.md §4.7.
func solveInner(model *structmodel.Model, integrator *ode.Integrator, subj *dataset.Subject, theta []float64, sigma2 float64, omegaInv *mat.SymDense, etaInit []float64) (innerResult, error) {
	p := len(etaInit)
	eta := append([]float64(nil), etaInit...)
	lambda := lambdaInit

	dv := make([]float64, len(subj.Observations))
	for i, o := range subj.Observations {
		dv[i] = o.Value
	}

	jac, pred, ok := jacobian(model, integrator, subj, theta, eta)
	if !ok {
		return innerResult{}, errs.ForSubject(errs.IntegrationDiverged, subj.ID, -1, "inner mode search: initial Jacobian failed")
	}
	grad, hess, obj := gaussNewtonStep(dv, pred, jac, eta, sigma2, omegaInv)

	for iter := 0; iter < innerMaxIter; iter++ {
		if infNorm(grad) < innerGradTol {
			return innerResult{eta: eta, pred: pred, hessian: hess, converged: true}, nil
		}

		damped := mat.NewSymDense(p, nil)
		for a := 0; a < p; a++ {
			for b := a; b < p; b++ {
				v := hess.At(a, b)
				if a == b {
					v += lambda * hess.At(a, a)
				}
				damped.SetSym(a, b, v)
			}
		}

		var chol mat.Cholesky
		if !chol.Factorize(damped) {
			lambda *= 10
			continue
		}
		negGrad := mat.NewVecDense(p, nil)
		negGrad.ScaleVec(-1, grad)
		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, negGrad); err != nil {
			lambda *= 10
			continue
		}

		candidate := make([]float64, p)
		for k := range candidate {
			candidate[k] = eta[k] + delta.AtVec(k)
		}

		candJac, candPred, ok := jacobian(model, integrator, subj, theta, candidate)
		if !ok {
			lambda *= 10
			if lambda > 1e8 {
				return innerResult{}, errs.ForSubject(errs.IntegrationDiverged, subj.ID, -1, "inner mode search diverged")
			}
			continue
		}
		_, _, candObj := gaussNewtonStep(dv, candPred, candJac, candidate, sigma2, omegaInv)

		if candObj < obj {
			stepNorm := infNorm(&delta)
			eta = candidate
			jac, pred, obj = candJac, candPred, candObj
			grad, hess, obj = gaussNewtonStep(dv, pred, jac, eta, sigma2, omegaInv)
			lambda /= 10
			if lambda < 1e-12 {
				lambda = 1e-12
			}
			if stepNorm < innerStepTol {
				return innerResult{eta: eta, pred: pred, hessian: hess, converged: true}, nil
			}
		} else {
			lambda *= 10
			if lambda > 1e8 {
				return innerResult{eta: eta, pred: pred, hessian: hess, converged: false}, nil
			}
		}
	}
	return innerResult{eta: eta, pred: pred, hessian: hess, converged: false}, nil
}

func infNorm(v *mat.VecDense) float64 {
	worst := 0.0
	for i := 0; i < v.Len(); i++ {
		if a := math.Abs(v.AtVec(i)); a > worst {
			worst = a
		}
	}
	return worst
}
