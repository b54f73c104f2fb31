package report

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteComparisonRanksByAICAscending(tst *testing.T) {
	dir := tst.TempDir()
	fits := []FitSummary{
		{Model: "2comp", Method: "foce", AIC: 150, BIC: 160, Converged: true},
		{Model: "1comp", Method: "foce", AIC: 120, BIC: 130, Converged: true},
	}
	if err := WriteComparison(dir, fits); err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "model_comparison.csv")); err != nil {
		tst.Errorf("model_comparison.csv not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "model_comparison_report.txt")); err != nil {
		tst.Errorf("model_comparison_report.txt not written: %v", err)
	}

	body, err := os.ReadFile(filepath.Join(dir, "model_comparison.csv"))
	if err != nil {
		tst.Fatalf("cannot read model_comparison.csv: %v", err)
	}
	lines := string(body)
	firstRow := lines[len("MODEL,METHOD,AIC,BIC,LOGLIK,OFV,DELTA_AIC,CONVERGED\n"):]
	if len(firstRow) < 5 || firstRow[:5] != "1comp" {
		tst.Errorf("expected 1comp (lower AIC) ranked first, got %q", firstRow)
	}
}
