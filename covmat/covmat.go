// Package covmat holds the small set of matrix operations the SAEM and
// FOCE drivers share on the random-effects covariance Omega: PSD
// projection after the M-step, inverse + log-determinant snapshots, and
// the Cholesky parametrization FOCE's outer optimizer uses to keep Omega
// PSD by construction. Per spec.md §9 ("use a vetted linear-algebra
// library"), all of it is built on gonum.org/v1/gonum/mat.
package covmat

import (
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/pharmacometric/nmodes/errs"
)

var log = logging.MustGetLogger("covmat")

// eigenFloor is the minimum eigenvalue Omega is clipped to after every
// M-step / outer-step, per spec.md §4.6 and §9.
const eigenFloor = 1e-8

// ProjectPSD symmetrizes m and clips its eigenvalues at eigenFloor,
// returning a new SymDense that is guaranteed symmetric positive
// semi-definite. This is the projection step spec.md §4.6 calls for.
func ProjectPSD(m *mat.SymDense) *mat.SymDense {
	p := m.SymmetricDim()
	var eig mat.EigenSym
	ok := eig.Factorize(m, true)
	if !ok {
		log.Warning("eigendecomposition failed during PSD projection, falling back to diagonal floor")
		out := mat.NewSymDense(p, nil)
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				v := m.At(i, j)
				if i == j && v < eigenFloor {
					v = eigenFloor
				}
				out.SetSym(i, j, v)
			}
		}
		return out
	}

	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	clipped := make([]float64, p)
	changed := false
	for i, v := range values {
		if v < eigenFloor {
			clipped[i] = eigenFloor
			changed = true
		} else {
			clipped[i] = v
		}
	}
	if !changed {
		sym := mat.NewSymDense(p, nil)
		for i := 0; i < p; i++ {
			for j := i; j < p; j++ {
				sym.SetSym(i, j, m.At(i, j))
			}
		}
		return sym
	}

	// Reconstruct V * diag(clipped) * V^T.
	var scaled mat.Dense
	scaled.CloneFrom(&vectors)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			scaled.Set(i, j, vectors.At(i, j)*clipped[j])
		}
	}
	var recon mat.Dense
	recon.Mul(&scaled, vectors.T())

	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			out.SetSym(i, j, 0.5*(recon.At(i, j)+recon.At(j, i)))
		}
	}
	return out
}

// Snapshot holds the inverse and log-determinant of Omega, recomputed
// once per M-step/outer-step and passed by value into parallel per-subject
// tasks, per spec.md §5.
type Snapshot struct {
	Omega   *mat.SymDense
	Inverse *mat.SymDense
	LogDet  float64
}

// NewSnapshot factorizes Omega's Cholesky decomposition to produce the
// inverse and log-determinant used throughout the likelihood core.
func NewSnapshot(omega *mat.SymDense) (Snapshot, error) {
	var chol mat.Cholesky
	ok := chol.Factorize(omega)
	if !ok {
		return Snapshot{}, errs.New(errs.NumericalBreakdown, "Omega is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return Snapshot{}, errs.Wrap(errs.NumericalBreakdown, "cannot invert Omega", err)
	}
	logDet := chol.LogDet()
	return Snapshot{Omega: omega, Inverse: &inv, LogDet: logDet}, nil
}

// PackCholesky flattens the lower-triangular Cholesky factor of omega
// (diagonal entries log-transformed for unconstrained optimization) into a
// flat vector, the parametrization FOCE's outer BFGS loop optimizes over
// per spec.md §4.7.
func PackCholesky(omega *mat.SymDense) ([]float64, error) {
	p := omega.SymmetricDim()
	var chol mat.Cholesky
	if !chol.Factorize(omega) {
		return nil, errs.New(errs.NumericalBreakdown, "Omega is not positive definite")
	}
	var L mat.TriDense
	chol.LTo(&L)
	out := make([]float64, p*(p+1)/2)
	k := 0
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			v := L.At(i, j)
			if i == j {
				v = math.Log(v)
			}
			out[k] = v
			k++
		}
	}
	return out, nil
}

// UnpackCholesky is the inverse of PackCholesky: given the flat
// lower-triangular vector (diagonal entries in log space), it
// reconstructs Omega = L L^T.
func UnpackCholesky(p int, packed []float64) *mat.SymDense {
	L := mat.NewTriDense(p, mat.Lower, nil)
	k := 0
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			v := packed[k]
			if i == j {
				v = math.Exp(v)
			}
			L.SetTri(i, j, v)
			k++
		}
	}
	var omega mat.Dense
	omega.Mul(L, L.T())
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			out.SetSym(i, j, omega.At(i, j))
		}
	}
	return out
}

// NPackedCholesky returns the flat-vector length PackCholesky produces for
// a p x p Omega: p*(p+1)/2.
func NPackedCholesky(p int) int { return p * (p + 1) / 2 }

// Solve computes Omega^-1 * v using the Cholesky factorization, avoiding
// an explicit inverse where only a linear solve is needed.
func Solve(omega *mat.SymDense, v *mat.VecDense) (*mat.VecDense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(omega) {
		return nil, errs.New(errs.NumericalBreakdown, "Omega is not positive definite")
	}
	out := mat.NewVecDense(v.Len(), nil)
	if err := chol.SolveVecTo(out, v); err != nil {
		return nil, errs.Wrap(errs.NumericalBreakdown, "linear solve failed", err)
	}
	return out, nil
}
