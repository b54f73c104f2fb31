package likelihood

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestResidualLogDensitySkipsMissing(tst *testing.T) {
	dv := []float64{5.0, math.NaN(), 2.0}
	pred := []float64{5.0, 3.0, 2.0}
	ld := ResidualLogDensity(dv, pred, 0.01)
	if !math.IsNaN(ld[1]) {
		tst.Errorf("ld[1] = %v, want NaN for missing DV", ld[1])
	}
	if math.IsNaN(ld[0]) || math.IsNaN(ld[2]) {
		tst.Errorf("ld = %v, want finite for non-missing entries", ld)
	}
}

func TestResidualLogDensityPenalizesNonPositivePrediction(tst *testing.T) {
	ld := ResidualLogDensity([]float64{5.0}, []float64{-1.0}, 0.01)
	if ld[0] != penalty {
		tst.Errorf("ld[0] = %v, want penalty %v", ld[0], penalty)
	}
}

func TestSumResidualLogDensityPeaksAtExactPrediction(tst *testing.T) {
	exact := SumResidualLogDensity([]float64{5.0}, []float64{5.0}, 0.01)
	off := SumResidualLogDensity([]float64{5.0}, []float64{6.0}, 0.01)
	if exact <= off {
		tst.Errorf("exact-match log-density %v should exceed mismatched %v", exact, off)
	}
}

func TestPriorLogDensityPeaksAtOrigin(tst *testing.T) {
	omega := mat.NewSymDense(2, []float64{0.1, 0, 0, 0.05})
	var chol mat.Cholesky
	chol.Factorize(omega)
	var inv mat.SymDense
	chol.InverseTo(&inv)
	logDet := chol.LogDet()

	l0 := PriorLogDensity([]float64{0, 0}, &inv, logDet)
	l1 := PriorLogDensity([]float64{0.5, 0.2}, &inv, logDet)
	if l1 >= l0 {
		tst.Errorf("prior log-density at eta=0.5,0.2 (%v) should be less than at eta=0 (%v)", l1, l0)
	}
}
