package dataset

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pharmacometric/nmodes/errs"
)

func writeTempCSV(tst *testing.T, body string) string {
	dir := tst.TempDir()
	path := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		tst.Fatalf("cannot write temp CSV: %v", err)
	}
	return path
}

func TestLoadBasicDataset(tst *testing.T) {
	body := "ID,TIME,DV,AMT,EVID\n" +
		"1,0,,100,1\n" +
		"1,1,5.1,,0\n" +
		"1,4,2.3,,0\n"
	path := writeTempCSV(tst, body)

	ds, err := Load(path)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if len(ds.SubjectIDs) != 1 {
		tst.Fatalf("expected 1 subject, got %d", len(ds.SubjectIDs))
	}
	subj := ds.Subjects[1]
	if len(subj.Observations) != 2 {
		tst.Errorf("expected 2 observations, got %d", len(subj.Observations))
	}
	if ds.NObs() != 2 {
		tst.Errorf("NObs() = %d, want 2", ds.NObs())
	}
}

func TestLoadMissingRequiredColumn(tst *testing.T) {
	body := "ID,TIME,AMT,EVID\n1,0,100,1\n"
	path := writeTempCSV(tst, body)
	if _, err := Load(path); err == nil {
		tst.Fatal("expected DataValidation error for missing DV column")
	}
}

// TestLoadAllMissingDVIsDataValidation covers spec.md §8 scenario S4:
// a subject with DV missing on every row must fail at ingest, before
// any estimator starts, with DataValidation.
func TestLoadAllMissingDVIsDataValidation(tst *testing.T) {
	body := "ID,TIME,DV,AMT,EVID\n" +
		"1,0,,100,1\n" +
		"1,1,,,0\n" +
		"1,4,,,0\n"
	path := writeTempCSV(tst, body)

	_, err := Load(path)
	if err == nil {
		tst.Fatal("expected DataValidation error for all-missing DV")
	}
	e, ok := err.(*errs.Error)
	if !ok {
		tst.Fatalf("expected *errs.Error, got %T", err)
	}
	if e.Kind != errs.DataValidation {
		tst.Errorf("Kind = %v, want DataValidation", e.Kind)
	}
}

func TestLoadNonMonotoneTimeRejected(tst *testing.T) {
	body := "ID,TIME,DV,AMT,EVID\n" +
		"1,0,,100,1\n" +
		"1,4,2.0,,0\n" +
		"1,1,3.0,,0\n"
	path := writeTempCSV(tst, body)
	if _, err := Load(path); err == nil {
		tst.Fatal("expected DataValidation error for non-monotone observation times")
	}
}

func TestLoadCovariateColumnsCaptured(tst *testing.T) {
	body := "ID,TIME,DV,AMT,EVID,WT\n" +
		"1,0,,100,1,70.5\n" +
		"1,1,5.1,,0,70.5\n"
	path := writeTempCSV(tst, body)
	ds, err := Load(path)
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if len(ds.Covariates) != 1 || ds.Covariates[0] != "WT" {
		tst.Errorf("Covariates = %v, want [WT]", ds.Covariates)
	}
	if ds.Subjects[1].Covariates["WT"] != 70.5 {
		tst.Errorf("WT = %v, want 70.5", ds.Subjects[1].Covariates["WT"])
	}
}

func TestExpandDoseTrainII_ADDL(tst *testing.T) {
	doses := expandDoseTrain(DoseEvent{Time: 0, Amount: 50, Compartment: 1, II: 24, ADDL: 2})
	if len(doses) != 3 {
		tst.Fatalf("expected 3 expanded doses, got %d", len(doses))
	}
	for i, d := range doses {
		want := float64(i) * 24
		if math.Abs(d.Time-want) > 1e-9 {
			tst.Errorf("dose %d time = %v, want %v", i, d.Time, want)
		}
	}
}
