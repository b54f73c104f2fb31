// Package report writes the output artifacts named in spec.md §6:
// parameter_estimates.json / foce_results.json, predictions.csv,
// diagnostics.json, parameter_trajectory.csv, summary_report.txt, and
// the top-level model comparison report/CSV. Grounded on the teacher's
// godon/summary.go (tagged JSON structs written with encoding/json)
// and the plain tab/fixed-width fmt.Printf style of
// mcmc.MH.PrintLine/optimize.BaseOptimizer.PrintLine, generalized from
// stdout logging to file output with encoding/csv for the tabular
// artifacts.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pharmacometric/nmodes/diagnostics"
)

// ParameterEstimates is the JSON shape of parameter_estimates.json
// (SAEM) and foce_results.json (FOCE/FOCE-I), per spec.md §6.
type ParameterEstimates struct {
	Model           string      `json:"model"`
	Method          string      `json:"method"`
	ParameterNames  []string    `json:"parameterNames"`
	Theta           []float64   `json:"theta"`
	Omega           [][]float64 `json:"omega"`
	Sigma2          float64     `json:"sigma2"`
	LogLik          float64     `json:"logLik"`
	OFV             float64     `json:"ofv"`
	SE              []float64   `json:"se,omitempty"`
	PercentRSE      []float64   `json:"percentRSE,omitempty"`
	ConditionNumber float64     `json:"conditionNumber,omitempty"`
	NonPDHessian    bool        `json:"nonPDHessian,omitempty"`
	Converged       bool        `json:"converged"`
	Iterations      int         `json:"iterations"`
	CovariateNames  []string    `json:"covariateNames,omitempty"`
}

// omegaRows copies a p x p matrix, read through the element accessor at,
// into [][]float64 rows for JSON.
func omegaRows(p int, at func(i, j int) float64) [][]float64 {
	out := make([][]float64, p)
	for i := 0; i < p; i++ {
		out[i] = make([]float64, p)
		for j := 0; j < p; j++ {
			out[i][j] = at(i, j)
		}
	}
	return out
}

// OmegaRows is exported so cmd/nmodes can build ParameterEstimates.Omega
// from a gonum *mat.SymDense without importing gonum in this package's
// signature.
func OmegaRows(p int, at func(i, j int) float64) [][]float64 { return omegaRows(p, at) }

// WriteParameterEstimates writes pe to filename (parameter_estimates.json
// or foce_results.json) under dir.
func WriteParameterEstimates(dir, filename string, pe ParameterEstimates) error {
	body, err := json.MarshalIndent(pe, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling parameter estimates: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, filename), body, 0644)
}

// DiagnosticsJSON is the JSON shape of diagnostics.json, per spec.md §6.
type DiagnosticsJSON struct {
	AIC            float64   `json:"aic"`
	BIC            float64   `json:"bic"`
	LogLik         float64   `json:"logLik"`
	NObs           int       `json:"nObs"`
	NFreeParams    int       `json:"nFreeParams"`
	RMSEIndividual float64   `json:"rmseIndividual"`
	RMSEPopulation float64   `json:"rmsePopulation"`
	R2Individual   float64   `json:"r2Individual"`
	R2Population   float64   `json:"r2Population"`
	PercentRSE     []float64 `json:"percentRSE,omitempty"`
	Shrinkage      []float64 `json:"shrinkage,omitempty"`
	Stability      []float64 `json:"stability,omitempty"`
	RHat           []float64 `json:"rHat,omitempty"`
}

// WriteDiagnostics writes diagnostics.json under dir.
func WriteDiagnostics(dir string, rep *diagnostics.Report) error {
	out := DiagnosticsJSON{
		AIC:            rep.AIC,
		BIC:            rep.BIC,
		LogLik:         rep.LogLik,
		NObs:           rep.NObs,
		NFreeParams:    rep.NFreeParams,
		RMSEIndividual: rep.RMSEIndividual,
		RMSEPopulation: rep.RMSEPopulation,
		R2Individual:   rep.R2Individual,
		R2Population:   rep.R2Population,
		PercentRSE:     rep.PercentRSE,
		Shrinkage:      rep.Shrinkage,
		Stability:      rep.Stability,
		RHat:           rep.RHat,
	}
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling diagnostics: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "diagnostics.json"), body, 0644)
}

// WritePredictions writes predictions.csv: ID,TIME,DV,IPRED,PRED.
func WritePredictions(dir string, rows []diagnostics.Row) error {
	f, err := os.Create(filepath.Join(dir, "predictions.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"ID", "TIME", "DV", "IPRED", "PRED"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.Itoa(r.ID),
			formatFloat(r.Time),
			formatFloat(r.DV),
			formatFloat(r.IPRED),
			formatFloat(r.PRED),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}

// TrajectoryRow is one row of parameter_trajectory.csv (SAEM only),
// per spec.md §6.
type TrajectoryRow struct {
	Iteration int
	Theta     []float64
	LogLik    float64
}

// WriteTrajectory writes parameter_trajectory.csv: an iteration column,
// one column per theta component, and a logL column.
func WriteTrajectory(dir string, parameterNames []string, rows []TrajectoryRow) error {
	f, err := os.Create(filepath.Join(dir, "parameter_trajectory.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := append([]string{"iteration"}, parameterNames...)
	header = append(header, "logLik")
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := make([]string, 0, len(r.Theta)+2)
		rec = append(rec, strconv.Itoa(r.Iteration))
		for _, v := range r.Theta {
			rec = append(rec, formatFloat(v))
		}
		rec = append(rec, formatFloat(r.LogLik))
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}
