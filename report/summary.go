package report

import (
	"fmt"
	"os"
	"path/filepath"
)

// SummaryInfo holds everything summary_report.txt needs, independent of
// which driver (SAEM or FOCE) produced the fit.
type SummaryInfo struct {
	Model          string
	Method         string
	ParameterNames []string
	Theta          []float64 // log scale
	SE             []float64 // nil if unavailable
	PercentRSE     []float64
	OmegaDiag      []float64
	Sigma2         float64
	LogLik         float64
	OFV            float64
	AIC            float64
	BIC            float64
	Converged      bool
	Iterations     int
	NSubjects      int
	NObs           int
}

// WriteSummary writes summary_report.txt, a NONMEM-style fixed-column
// tabular summary, following the teacher's plain fmt.Printf convention
// (mcmc.MH.PrintLine, optimize.BaseOptimizer.PrintLine) widened to fixed
// column widths for this report's tabular parameter block.
func WriteSummary(dir string, info SummaryInfo) error {
	f, err := os.Create(filepath.Join(dir, "summary_report.txt"))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "%-20s %s\n", "MODEL:", info.Model)
	fmt.Fprintf(f, "%-20s %s\n", "METHOD:", info.Method)
	fmt.Fprintf(f, "%-20s %t\n", "CONVERGED:", info.Converged)
	fmt.Fprintf(f, "%-20s %d\n", "ITERATIONS:", info.Iterations)
	fmt.Fprintf(f, "%-20s %d\n", "SUBJECTS:", info.NSubjects)
	fmt.Fprintf(f, "%-20s %d\n", "OBSERVATIONS:", info.NObs)
	fmt.Fprintln(f)

	fmt.Fprintf(f, "%-20s %14.6f\n", "OBJECTIVE FUNCTION:", info.OFV)
	fmt.Fprintf(f, "%-20s %14.6f\n", "LOG-LIKELIHOOD:", info.LogLik)
	fmt.Fprintf(f, "%-20s %14.6f\n", "AIC:", info.AIC)
	fmt.Fprintf(f, "%-20s %14.6f\n", "BIC:", info.BIC)
	fmt.Fprintln(f)

	fmt.Fprintln(f, "THETA (fixed effects, log scale)")
	fmt.Fprintf(f, "%-12s %14s %14s %10s\n", "PARAMETER", "ESTIMATE", "SE", "%RSE")
	for i, name := range info.ParameterNames {
		se := "          -"
		rse := "         -"
		if info.SE != nil && i < len(info.SE) {
			se = fmt.Sprintf("%14.6f", info.SE[i])
		}
		if info.PercentRSE != nil && i < len(info.PercentRSE) {
			rse = fmt.Sprintf("%10.2f", info.PercentRSE[i])
		}
		fmt.Fprintf(f, "%-12s %14.6f %s %s\n", name, info.Theta[i], se, rse)
	}
	fmt.Fprintln(f)

	fmt.Fprintln(f, "OMEGA (diagonal, random-effects variance)")
	for i, name := range info.ParameterNames {
		if i < len(info.OmegaDiag) {
			fmt.Fprintf(f, "%-12s %14.6f\n", name, info.OmegaDiag[i])
		}
	}
	fmt.Fprintln(f)

	fmt.Fprintf(f, "%-20s %14.6g\n", "SIGMA2:", info.Sigma2)

	return nil
}
