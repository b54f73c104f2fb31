package foce

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/pharmacometric/nmodes/covmat"
	"github.com/pharmacometric/nmodes/dataset"
)

// pack lays out the outer optimizer's variable vector as
// (theta, packedCholOmega, logSigma2), per spec.md §4.7's Cholesky
// parametrization of Omega. This is the only place Omega leaves log/
// unconstrained space for the outer loop; covmat.PackCholesky/
// UnpackCholesky do the actual diagonal-log transform.
func (d *Driver) pack(theta []float64, omega *mat.SymDense, sigma2 float64) ([]float64, error) {
	chol, err := covmat.PackCholesky(omega)
	if err != nil {
		return nil, err
	}
	x := make([]float64, d.nParams)
	copy(x, theta)
	copy(x[d.p:], chol)
	x[d.p+d.nChol] = math.Log(sigma2)
	return x, nil
}

func (d *Driver) unpack(x []float64) (theta []float64, omega *mat.SymDense, sigma2 float64) {
	theta = append([]float64(nil), x[:d.p]...)
	omega = covmat.UnpackCholesky(d.p, x[d.p:d.p+d.nChol])
	sigma2 = math.Max(1e-10, math.Exp(x[d.p+d.nChol]))
	return
}

// subjectContribution evaluates one subject's OFV_i term from
// spec.md §4.7: the inner empirical-Bayes mode search plus the
// Laplace-approximate marginalization terms. etaInit warm-starts the
// Gauss-Newton search from the subject's last accepted mode.
//
// The FOCE-I interaction correction (Lindstrom & Bates 1990) adds
// (1/sigma2) * J' diag(dVar/deta . resid) J to H_i before the log|.|
// term. Under this module's strictly-proportional-on-log-scale
// residual model (spec.md open question #1's resolution, DESIGN.md),
// the variance function does not depend on eta except through the
// mean y-hat, so dVar/deta collapses to zero and the correction
// vanishes identically; FOCE-I is therefore numerically identical to
// FOCE here, by direct application of the convention rather than by
// omission. See DESIGN.md's open-question decision #3.
func (d *Driver) subjectContribution(subj *dataset.Subject, theta []float64, sigma2 float64, snap covmat.Snapshot, etaInit []float64) (ofv float64, res innerResult, ok bool) {
	ir, err := solveInner(d.model, d.integrator, subj, theta, sigma2, snap.Inverse, etaInit)
	if err != nil {
		return 0, innerResult{}, false
	}

	p := d.p
	etaVec := mat.NewVecDense(p, ir.eta)
	var tmp mat.VecDense
	tmp.MulVec(snap.Inverse, etaVec)
	quad := mat.Dot(etaVec, &tmp)

	var chol mat.Cholesky
	if !chol.Factorize(ir.hessian) {
		return 0, innerResult{}, false
	}
	logDetH := chol.LogDet()

	nObsSubj := 0
	residSum := 0.0
	for i, o := range subj.Observations {
		if math.IsNaN(o.Value) {
			continue
		}
		pred := ir.pred[i]
		if pred <= 0 {
			return 0, innerResult{}, false
		}
		resid := math.Log(o.Value) - math.Log(pred)
		residSum += math.Log(sigma2) + resid*resid/sigma2
		nObsSubj++
	}

	ofv = snap.LogDet + quad + float64(nObsSubj)*math.Log(2*math.Pi) + logDetH + residSum
	return ofv, ir, true
}

// objective evaluates the total OFV = sum_i OFV_i at x, running every
// subject's inner mode search in parallel (spec.md §5: "FOCE inner-
// mode search - one task per subject"; "outer-loop objective
// evaluation waits for all inner optimizations to complete before
// combining"). A non-finite OFV, an unconverged-to-PD Omega, or any
// subject failure is reported as +Inf so the outer line search rejects
// the step, per spec.md §4.7's failure semantics.
func (d *Driver) objective(x []float64) float64 {
	theta, omega, sigma2 := d.unpack(x)
	snap, err := covmat.NewSnapshot(omega)
	if err != nil {
		return math.Inf(1)
	}

	total, etaOut, predOut, ok := d.evalSubjects(theta, sigma2, snap)
	if !ok {
		return math.Inf(1)
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return math.Inf(1)
	}

	d.mu.Lock()
	d.lastEta = etaOut
	d.lastPred = predOut
	d.lastTheta = theta
	d.lastOmega = omega
	d.lastSigma2 = sigma2
	d.mu.Unlock()

	return total
}

// gradient fills grad with the central-difference gradient of
// objective at x, step h = 1e-5*max(1,|x_k|) per component, the same
// finite-differencing convention spec.md §4.7 specifies for the inner
// Jacobian, applied here to the outer loop's optimizer-facing gradient
// (gonum's BFGS/Nelder-Mead need a caller-supplied Grad; the teacher's
// own BFGS.Grad is likewise a finite difference of -Likelihood, see
// optimize/bfgs.go).
func (d *Driver) gradient(grad, x []float64) {
	n := len(x)
	for k := 0; k < n; k++ {
		h := 1e-5 * math.Max(1, math.Abs(x[k]))
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[k] += h
		xm[k] -= h
		fp := d.objective(xp)
		fm := d.objective(xm)
		if math.IsInf(fp, 0) || math.IsInf(fm, 0) {
			grad[k] = 0
			continue
		}
		grad[k] = (fp - fm) / (2 * h)
	}
}

// numericalHessian finite-differences gradient itself to obtain the
// outer objective's Hessian at x, per spec.md §4.7 ("Hessian of the
// outer objective at the optimum is obtained by finite differencing
// the gradient"). Returned as a SymDense (symmetrized) for the
// Cholesky-based inversion that follows.
func (d *Driver) numericalHessian(x []float64) *mat.SymDense {
	n := len(x)
	H := mat.NewDense(n, n, nil)
	gp := make([]float64, n)
	gm := make([]float64, n)
	for k := 0; k < n; k++ {
		h := 1e-4 * math.Max(1, math.Abs(x[k]))
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[k] += h
		xm[k] -= h
		d.gradient(gp, xp)
		d.gradient(gm, xm)
		for i := 0; i < n; i++ {
			H.Set(i, k, (gp[i]-gm[i])/(2*h))
		}
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(H.At(i, j)+H.At(j, i)))
		}
	}
	return out
}
