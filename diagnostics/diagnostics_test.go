package diagnostics

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestAICBIC(tst *testing.T) {
	logL := -100.0
	k := 5
	nObs := 200
	aic := AIC(logL, k)
	bic := BIC(logL, k, nObs)
	if aic != 210 {
		tst.Errorf("AIC = %v, want 210", aic)
	}
	wantBIC := -2*logL + float64(k)*math.Log(float64(nObs))
	if math.Abs(bic-wantBIC) > 1e-9 {
		tst.Errorf("BIC = %v, want %v", bic, wantBIC)
	}
}

func TestPercentRSENilWhenNoSE(tst *testing.T) {
	out := PercentRSE([]float64{1, 2}, nil)
	for _, v := range out {
		if !math.IsNaN(v) {
			tst.Errorf("PercentRSE with nil SE = %v, want NaN entries", out)
		}
	}
}

// TestShrinkageBoundedZeroOne covers spec.md §8 scenario S6: shrinkage
// must land in [0,1] regardless of how empirical eta dispersion compares
// to the prior.
func TestShrinkageBoundedZeroOne(tst *testing.T) {
	omega := mat.NewSymDense(1, []float64{0.09})

	wideEta := map[int][]float64{1: {2.0}, 2: {-2.0}, 3: {1.8}, 4: {-1.9}}
	narrowEta := map[int][]float64{1: {0.001}, 2: {-0.001}, 3: {0.0005}, 4: {-0.0008}}

	for _, eta := range []map[int][]float64{wideEta, narrowEta} {
		s := Shrinkage(eta, omega)
		if s[0] < 0 || s[0] > 1 {
			tst.Errorf("shrinkage = %v, want in [0,1]", s[0])
		}
	}
}

func TestStabilityUsesLastTenPercentWindow(tst *testing.T) {
	var traj [][]float64
	for i := 0; i < 100; i++ {
		v := 1.0
		if i < 90 {
			v = float64(i + 2)
		}
		traj = append(traj, []float64{v})
	}
	s := Stability(traj)
	if math.Abs(s[0]) > 1e-9 {
		tst.Errorf("stability with a constant last 10%% = %v, want ~0", s[0])
	}
}
