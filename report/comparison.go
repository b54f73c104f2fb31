package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FitSummary is one row of the cross-fit model comparison report,
// written at the output root when two or more fits were run
// (spec.md §6).
type FitSummary struct {
	Model     string
	Method    string
	AIC       float64
	BIC       float64
	LogLik    float64
	OFV       float64
	Converged bool
}

// WriteComparison writes model_comparison_report.txt and
// model_comparison.csv at outputRoot, ranked by AIC ascending (lowest
// AIC first, the preferred model per spec.md §8 scenario S3's
// "FOCE on 1C vs 2C must prefer 2C by delta-AIC > 10" framing).
func WriteComparison(outputRoot string, fits []FitSummary) error {
	ranked := append([]FitSummary(nil), fits...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].AIC < ranked[j].AIC })

	if err := writeComparisonCSV(outputRoot, ranked); err != nil {
		return err
	}
	return writeComparisonReport(outputRoot, ranked)
}

func writeComparisonCSV(outputRoot string, ranked []FitSummary) error {
	f, err := os.Create(filepath.Join(outputRoot, "model_comparison.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"MODEL", "METHOD", "AIC", "BIC", "LOGLIK", "OFV", "DELTA_AIC", "CONVERGED"}); err != nil {
		return err
	}
	best := ranked[0].AIC
	for _, r := range ranked {
		rec := []string{
			r.Model, r.Method,
			formatFloat(r.AIC), formatFloat(r.BIC), formatFloat(r.LogLik), formatFloat(r.OFV),
			formatFloat(r.AIC - best),
			fmt.Sprintf("%t", r.Converged),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}

func writeComparisonReport(outputRoot string, ranked []FitSummary) error {
	f, err := os.Create(filepath.Join(outputRoot, "model_comparison_report.txt"))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "%-14s %-10s %14s %14s %14s %10s\n", "MODEL", "METHOD", "AIC", "BIC", "OFV", "CONVERGED")
	best := ranked[0].AIC
	for _, r := range ranked {
		marker := " "
		if r.AIC == best {
			marker = "*"
		}
		fmt.Fprintf(f, "%s%-13s %-10s %14.4f %14.4f %14.4f %10t\n", marker, r.Model, r.Method, r.AIC, r.BIC, r.OFV, r.Converged)
	}
	fmt.Fprintln(f)
	fmt.Fprintln(f, "* best model by AIC")
	return nil
}
