package checkpoint

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveThenLoadRoundTrips(tst *testing.T) {
	db, err := Open(filepath.Join(tst.TempDir(), "checkpoint.db"))
	if err != nil {
		tst.Fatalf("unexpected error opening db: %v", err)
	}
	defer db.Close()

	io := New(db, "1comp_saem", 0)
	if err := io.Save(42, []float64{1.5, -0.2}, 0.05, false); err != nil {
		tst.Fatalf("unexpected error saving: %v", err)
	}

	data, err := io.Load()
	if err != nil {
		tst.Fatalf("unexpected error loading: %v", err)
	}
	if data == nil {
		tst.Fatal("expected a saved checkpoint, got nil")
	}
	if data.Iteration != 42 || data.Sigma2 != 0.05 || data.Final {
		tst.Errorf("loaded %+v, want iteration=42 sigma2=0.05 final=false", data)
	}
	if len(data.Theta) != 2 || data.Theta[0] != 1.5 || data.Theta[1] != -0.2 {
		tst.Errorf("loaded theta %v, want [1.5 -0.2]", data.Theta)
	}
}

func TestLoadWithNoSavedCheckpointReturnsNil(tst *testing.T) {
	db, err := Open(filepath.Join(tst.TempDir(), "checkpoint.db"))
	if err != nil {
		tst.Fatalf("unexpected error opening db: %v", err)
	}
	defer db.Close()

	io := New(db, "2comp_foce", 0)
	data, err := io.Load()
	if err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if data != nil {
		tst.Errorf("expected nil for an unused key, got %+v", data)
	}
}

func TestSaveRespectsMinGapExceptOnFinal(tst *testing.T) {
	db, err := Open(filepath.Join(tst.TempDir(), "checkpoint.db"))
	if err != nil {
		tst.Fatalf("unexpected error opening db: %v", err)
	}
	defer db.Close()

	io := New(db, "1comp_saem", time.Hour)
	if err := io.Save(1, []float64{0}, 0.1, false); err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	if err := io.Save(2, []float64{9}, 0.9, false); err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.Load()
	if data.Iteration != 1 {
		tst.Errorf("expected the throttled second save to be skipped, got iteration %d", data.Iteration)
	}

	if err := io.Save(3, []float64{3}, 0.3, true); err != nil {
		tst.Fatalf("unexpected error: %v", err)
	}
	data, _ = io.Load()
	if data.Iteration != 3 || !data.Final {
		tst.Errorf("expected a final save to bypass minGap, got %+v", data)
	}
}
