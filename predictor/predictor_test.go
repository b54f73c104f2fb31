package predictor

import (
	"math"
	"testing"

	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/ode"
	"github.com/pharmacometric/nmodes/structmodel"
)

func TestPhiRejectsNonFinite(tst *testing.T) {
	if _, err := Phi([]float64{math.NaN()}, []float64{0}); err == nil {
		tst.Error("expected error for non-finite theta")
	}
}

func TestPhiExpLogScale(tst *testing.T) {
	phi, err := Phi([]float64{math.Log(2), math.Log(20)}, []float64{0, 0})
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(phi[0]-2) > 1e-9 || math.Abs(phi[1]-20) > 1e-9 {
		tst.Errorf("phi = %v, want [2 20]", phi)
	}
}

func oneSubjectBolus(tst *testing.T) *dataset.Subject {
	obs := []dataset.Observation{
		{Time: 1, Value: 2.5},
		{Time: 4, Value: 1.1},
	}
	dose := dataset.DoseEvent{Time: 0, Amount: 100, Compartment: 1}
	events := []dataset.Event{
		{Time: 0, Kind: dataset.Dose, Dose: dose},
		{Time: 1, Kind: dataset.Obs, Obs: obs[0], ObsIx: 0},
		{Time: 4, Kind: dataset.Obs, Obs: obs[1], ObsIx: 1},
	}
	return &dataset.Subject{ID: 1, Events: events, Observations: obs}
}

// TestPredictMatchesOneCompartmentAnalytic checks a 1C bolus prediction
// against the closed-form C(t) = (D/V) e^(-k t).
func TestPredictMatchesOneCompartmentAnalytic(tst *testing.T) {
	model, _ := structmodel.New(structmodel.OneCompartment)
	integrator := ode.New()
	subj := oneSubjectBolus(tst)
	phi := []float64{2, 20} // CL, V

	res := Predict(model, integrator, subj, phi)
	if res.Failed {
		tst.Fatal("prediction failed")
	}
	k := phi[0] / phi[1]
	want1 := (100.0 / phi[1]) * math.Exp(-k*1)
	want4 := (100.0 / phi[1]) * math.Exp(-k*4)
	if math.Abs(res.Predictions[0]-want1)/want1 > 1e-3 {
		tst.Errorf("t=1: got %v, want %v", res.Predictions[0], want1)
	}
	if math.Abs(res.Predictions[1]-want4)/want4 > 1e-3 {
		tst.Errorf("t=4: got %v, want %v", res.Predictions[1], want4)
	}
}

// TestSteadyStateMatchesAnalytic covers spec.md §8 scenario S5: for 1C
// bolus steady-state dosing, the post-dose state must match
// C(t) = (D/V)*e^(-kt)/(1-e^(-k*II)) to within 1e-5 relative.
func TestSteadyStateMatchesAnalytic(tst *testing.T) {
	model, _ := structmodel.New(structmodel.OneCompartment)
	integrator := ode.New()
	phi := []float64{1, 10} // CL, V
	dose := dataset.DoseEvent{Time: 0, Amount: 50, Compartment: 1, II: 24, SteadyState: true}

	y, err := steadyStateState(model, integrator, phi, dose)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}

	k := phi[0] / phi[1]
	wantPost := dose.Amount / (1 - math.Exp(-k*dose.II))
	if math.Abs(y[0]-wantPost)/wantPost > 1e-5 {
		tst.Errorf("post-dose amount = %v, want %v (rel err %v)", y[0], wantPost, math.Abs(y[0]-wantPost)/wantPost)
	}

	obsTime := 4.0
	rhs := func(t float64, yy []float64) []float64 { return model.RHS(phi, t, yy, []float64{0}) }
	yAt, err := integrator.Integrate(rhs, y, 0, obsTime)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	cAt := model.Observe(phi, yAt)
	wantC := (dose.Amount / phi[1]) * math.Exp(-k*obsTime) / (1 - math.Exp(-k*dose.II))
	if math.Abs(cAt-wantC)/wantC > 1e-5 {
		tst.Errorf("C(%v) = %v, want %v", obsTime, cAt, wantC)
	}
}

// TestPredictInfusion checks that a non-bolus (rate > 0) dose integrates
// as a finite-duration zero-order input rather than an instantaneous
// increment.
func TestPredictInfusion(tst *testing.T) {
	model, _ := structmodel.New(structmodel.OneCompartment)
	integrator := ode.New()
	obs := []dataset.Observation{{Time: 0.5, Value: 3.0}}
	dose := dataset.DoseEvent{Time: 0, Amount: 100, Compartment: 1, Rate: 200} // 0.5h infusion
	subj := &dataset.Subject{
		ID: 1,
		Events: []dataset.Event{
			{Time: 0, Kind: dataset.Dose, Dose: dose},
			{Time: 0.5, Kind: dataset.Obs, Obs: obs[0], ObsIx: 0},
		},
		Observations: obs,
	}
	phi := []float64{2, 20}
	res := Predict(model, integrator, subj, phi)
	if res.Failed {
		tst.Fatal("prediction failed")
	}
	if res.Predictions[0] <= 0 {
		tst.Errorf("expected positive concentration at infusion end, got %v", res.Predictions[0])
	}
	// Zero-order input over [0, 0.5]: A(T) = (rate/k)(1 - e^(-kT)), C = A/V.
	k := phi[0] / phi[1]
	want := (dose.Rate / k) * (1 - math.Exp(-k*0.5)) / phi[1]
	if math.Abs(res.Predictions[0]-want)/want > 1e-3 {
		tst.Errorf("C(0.5) = %v, want %v for a 0.5h zero-order infusion", res.Predictions[0], want)
	}
}
