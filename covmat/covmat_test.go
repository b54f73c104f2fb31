package covmat

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// TestProjectPSDClipsNegativeEigenvalue covers spec.md §8 invariant 2: an
// indefinite symmetric matrix projects to a symmetric PSD one.
func TestProjectPSDClipsNegativeEigenvalue(tst *testing.T) {
	m := mat.NewSymDense(2, []float64{1, 2, 2, 1}) // eigenvalues 3, -1
	out := ProjectPSD(m)

	var eig mat.EigenSym
	if !eig.Factorize(out, false) {
		tst.Fatal("eigendecomposition of projected matrix failed")
	}
	for _, v := range eig.Values(nil) {
		if v < 0 {
			tst.Errorf("projected eigenvalue %v is negative", v)
		}
	}
	p := out.SymmetricDim()
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			if math.Abs(out.At(i, j)-out.At(j, i)) > 1e-12 {
				tst.Errorf("projected matrix is not symmetric at (%d,%d)", i, j)
			}
		}
	}
}

func TestProjectPSDLeavesAlreadyPSDUnchanged(tst *testing.T) {
	m := mat.NewSymDense(2, []float64{0.1, 0.02, 0.02, 0.05})
	out := ProjectPSD(m)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(out.At(i, j)-m.At(i, j)) > 1e-12 {
				tst.Errorf("out[%d,%d]=%v, want unchanged %v", i, j, out.At(i, j), m.At(i, j))
			}
		}
	}
}

func TestPackUnpackCholeskyRoundTrips(tst *testing.T) {
	omega := mat.NewSymDense(2, []float64{0.1, 0.02, 0.02, 0.05})
	packed, err := PackCholesky(omega)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if len(packed) != NPackedCholesky(2) {
		tst.Fatalf("packed length = %d, want %d", len(packed), NPackedCholesky(2))
	}
	recovered := UnpackCholesky(2, packed)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(recovered.At(i, j)-omega.At(i, j)) > 1e-9 {
				tst.Errorf("recovered[%d,%d]=%v, want %v", i, j, recovered.At(i, j), omega.At(i, j))
			}
		}
	}
}

func TestNewSnapshotRejectsNonPD(tst *testing.T) {
	m := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	if _, err := NewSnapshot(m); err == nil {
		tst.Error("expected error for non-PD Omega")
	}
}

func TestSolveMatchesExplicitInverse(tst *testing.T) {
	omega := mat.NewSymDense(2, []float64{0.2, 0.05, 0.05, 0.1})
	v := mat.NewVecDense(2, []float64{1, 2})

	got, err := Solve(omega, v)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}

	var chol mat.Cholesky
	if !chol.Factorize(omega) {
		tst.Fatal("factorize failed")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	var want mat.VecDense
	want.MulVec(&inv, v)

	for i := 0; i < 2; i++ {
		if math.Abs(got.AtVec(i)-want.AtVec(i)) > 1e-9 {
			tst.Errorf("Solve()[%d] = %v, want %v", i, got.AtVec(i), want.AtVec(i))
		}
	}
}

func TestSolveRejectsNonPD(tst *testing.T) {
	m := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	if _, err := Solve(m, mat.NewVecDense(2, []float64{1, 1})); err == nil {
		tst.Error("expected error for non-PD Omega")
	}
}
