// Package diagnostics implements the deterministic post-fit functions
// from spec.md §4.8: AIC/BIC, log-likelihood-derived RMSE/R² on the
// log-concentration scale, %RSE, random-effects shrinkage, and
// parameter trajectory stability. The teacher reports raw
// log-likelihood only (mcmc/mh.go's PrintLine, optimize's maxL
// tracking); this information-criterion layer is new, grounded on
// spec.md §4.8 directly and built with gonum.org/v1/gonum/stat's
// Mean/Variance helpers where they line up with the formulas.
package diagnostics

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/ode"
	"github.com/pharmacometric/nmodes/predictor"
	"github.com/pharmacometric/nmodes/structmodel"
)

// Row is one prediction row of predictions.csv: ID,TIME,DV,IPRED,PRED.
type Row struct {
	ID    int
	Time  float64
	DV    float64 // NaN if missing
	IPRED float64
	PRED  float64
}

// Report bundles every deterministic diagnostic named in spec.md §4.8.
type Report struct {
	AIC            float64
	BIC            float64
	LogLik         float64
	NObs           int
	NFreeParams    int
	RMSEIndividual float64 // IPRED, log-concentration scale
	RMSEPopulation float64 // PRED, log-concentration scale
	R2Individual   float64
	R2Population   float64
	PercentRSE     []float64 // parallel to theta/parameter names, NaN where SE is nil
	Shrinkage      []float64 // parallel to parameter names, in [0,1]
	Stability      []float64 // parallel to theta/parameter names
	RHat           []float64 // parallel to parameter names, SAEM multi-chain only; nil otherwise
	Rows           []Row
}

// NFreeParameters counts k for AIC/BIC per spec.md §4.8: theta (p) plus
// the free upper-triangular entries of Omega plus sigma2.
func NFreeParameters(p int) int {
	return p + p*(p+1)/2 + 1
}

// AIC computes -2*logL + 2*k.
func AIC(logL float64, k int) float64 { return -2*logL + 2*float64(k) }

// BIC computes -2*logL + k*log(N_obs).
func BIC(logL float64, k, nObs int) float64 { return -2*logL + float64(k)*math.Log(float64(nObs)) }

// PercentRSE computes 100*SE/|estimate| per parameter; NaN where se is
// not available (e.g. after a NonPDHessian outer Hessian).
func PercentRSE(theta, se []float64) []float64 {
	out := make([]float64, len(theta))
	for i := range theta {
		if se == nil || math.Abs(theta[i]) < 1e-12 {
			out[i] = math.NaN()
			continue
		}
		out[i] = 100 * se[i] / math.Abs(theta[i])
	}
	return out
}

// Shrinkage computes 1 - sd(eta_hat_j)/sd_Omega(eta_j) for every
// component j, per spec.md §4.8 and the GLOSSARY's definition. Clamped
// to [0,1] per spec.md §8 scenario S6.
func Shrinkage(eta map[int][]float64, omega *mat.SymDense) []float64 {
	p := omega.SymmetricDim()
	out := make([]float64, p)
	n := len(eta)
	if n == 0 {
		for j := range out {
			out[j] = math.NaN()
		}
		return out
	}
	for j := 0; j < p; j++ {
		col := make([]float64, 0, n)
		for _, e := range eta {
			col = append(col, e[j])
		}
		empiricalSD := stat.StdDev(col, nil)
		priorSD := math.Sqrt(math.Max(0, omega.At(j, j)))
		if priorSD < 1e-12 {
			out[j] = 0
			continue
		}
		s := 1 - empiricalSD/priorSD
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		out[j] = s
	}
	return out
}

// Stability computes, for each parameter, the standard deviation over
// the last 10% of a parameter trajectory divided by the mean over the
// same window, per spec.md §4.8. trajectory[i] is the theta vector
// recorded at the i-th reporting point (ascending iteration order).
func Stability(trajectory [][]float64) []float64 {
	n := len(trajectory)
	if n == 0 {
		return nil
	}
	p := len(trajectory[0])
	windowLen := n / 10
	if windowLen < 2 {
		windowLen = n
	}
	window := trajectory[n-windowLen:]
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		col := make([]float64, len(window))
		for i, w := range window {
			col[i] = w[j]
		}
		mean := stat.Mean(col, nil)
		sd := stat.StdDev(col, nil)
		if math.Abs(mean) < 1e-12 {
			out[j] = math.NaN()
			continue
		}
		out[j] = sd / math.Abs(mean)
	}
	return out
}

// rmseR2 computes RMSE and R² between observed log(DV) and predicted
// log(pred) over non-missing, positive-prediction pairs, per
// spec.md §4.8 ("computed on the log-concentration scale").
func rmseR2(logObs, logPred []float64) (rmse, r2 float64) {
	n := len(logObs)
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	sumSq := 0.0
	for i := range logObs {
		d := logObs[i] - logPred[i]
		sumSq += d * d
	}
	rmse = math.Sqrt(sumSq / float64(n))

	meanObs := stat.Mean(logObs, nil)
	ssTot := 0.0
	for _, v := range logObs {
		d := v - meanObs
		ssTot += d * d
	}
	if ssTot < 1e-12 {
		return rmse, math.NaN()
	}
	r2 = 1 - sumSq/ssTot
	return rmse, r2
}

// Compute builds the full diagnostic Report for a converged or
// unconverged fit: AIC/BIC/log-likelihood, IPRED/PRED RMSE and R²,
// %RSE, shrinkage, and trajectory stability. trajectory may be nil
// (FOCE does not track a parameter trajectory, per spec.md §6).
func Compute(model *structmodel.Model, integrator *ode.Integrator, ds *dataset.Dataset, theta []float64, omega *mat.SymDense, se []float64, eta map[int][]float64, logL float64, trajectory [][]float64) *Report {
	p := len(theta)
	nObs := ds.NObs()
	k := NFreeParameters(p)

	var rows []Row
	var obsI, predI, obsP, predP []float64

	phiPop, _ := predictor.Phi(theta, make([]float64, p))

	for _, id := range ds.SubjectIDs {
		subj := ds.Subjects[id]
		e := eta[id]
		if e == nil {
			e = make([]float64, p)
		}
		phiInd, errInd := predictor.Phi(theta, e)

		var indRes, popRes predictor.Result
		indOK, popOK := false, false
		if errInd == nil {
			indRes = predictor.Predict(model, integrator, subj, phiInd)
			indOK = !indRes.Failed
		}
		if phiPop != nil {
			popRes = predictor.Predict(model, integrator, subj, phiPop)
			popOK = !popRes.Failed
		}

		for i, o := range subj.Observations {
			row := Row{ID: id, Time: o.Time, DV: o.Value}
			if indOK {
				row.IPRED = indRes.Predictions[i]
			} else {
				row.IPRED = math.NaN()
			}
			if popOK {
				row.PRED = popRes.Predictions[i]
			} else {
				row.PRED = math.NaN()
			}
			rows = append(rows, row)

			if math.IsNaN(o.Value) {
				continue
			}
			logDV := math.Log(o.Value)
			if indOK && row.IPRED > 0 {
				obsI = append(obsI, logDV)
				predI = append(predI, math.Log(row.IPRED))
			}
			if popOK && row.PRED > 0 {
				obsP = append(obsP, logDV)
				predP = append(predP, math.Log(row.PRED))
			}
		}
	}

	rmseI, r2I := rmseR2(obsI, predI)
	rmseP, r2P := rmseR2(obsP, predP)

	report := &Report{
		AIC:            AIC(logL, k),
		BIC:            BIC(logL, k, nObs),
		LogLik:         logL,
		NObs:           nObs,
		NFreeParams:    k,
		RMSEIndividual: rmseI,
		RMSEPopulation: rmseP,
		R2Individual:   r2I,
		R2Population:   r2P,
		PercentRSE:     PercentRSE(theta, se),
		Rows:           rows,
	}
	if omega != nil {
		report.Shrinkage = Shrinkage(eta, omega)
	}
	if trajectory != nil {
		report.Stability = Stability(trajectory)
	}
	return report
}
