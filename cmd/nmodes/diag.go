package main

import (
	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/diagnostics"
	"github.com/pharmacometric/nmodes/foce"
	"github.com/pharmacometric/nmodes/ode"
	"github.com/pharmacometric/nmodes/saem"
	"github.com/pharmacometric/nmodes/structmodel"
)

// diagFromSAEM builds the diagnostics.Report for a SAEM result. A fresh
// integrator is used here since the driver's own integrator is private
// to its package; diagnostics re-predicts rather than reusing the
// driver's internal predictions so it matches exactly what
// predictions.csv reports.
func diagFromSAEM(model *structmodel.Model, ds *dataset.Dataset, result *saem.Result) *diagnostics.Report {
	var trajectory [][]float64
	for _, t := range result.Trajectory {
		trajectory = append(trajectory, t.Theta)
	}
	report := diagnostics.Compute(model, ode.New(), ds, result.Theta, result.Omega, nil, result.Eta, result.LogLik, trajectory)
	report.RHat = result.RHat
	return report
}

func diagFromFOCE(model *structmodel.Model, ds *dataset.Dataset, result *foce.Result) *diagnostics.Report {
	return diagnostics.Compute(model, ode.New(), ds, result.Theta, result.Omega, result.SE, result.Eta, result.LogLik, nil)
}
