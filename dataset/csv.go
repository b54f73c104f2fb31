package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/pharmacometric/nmodes/errs"
)

// requiredColumns are mandatory per spec.md §6.
var requiredColumns = []string{"ID", "TIME", "DV", "AMT", "EVID"}

// optionalColumns map to their default value when absent.
var optionalColumns = map[string]float64{
	"CMT":  1,
	"RATE": 0,
	"II":   0,
	"ADDL": 0,
	"SS":   0,
}

// Load reads a header-sensitive dosing/observation CSV per spec.md §6 and
// returns a read-only Dataset. Every validation failure is a
// *errs.Error with Kind == errs.DataValidation.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.DataValidation, "cannot open dataset", err)
	}
	defer f.Close()
	return loadFrom(f)
}

func loadFrom(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, errs.Wrap(errs.DataValidation, "cannot read header row", err)
	}

	colIx := make(map[string]int, len(header))
	for i, h := range header {
		colIx[h] = i
	}
	for _, c := range requiredColumns {
		if _, ok := colIx[c]; !ok {
			return nil, errs.Newf(errs.DataValidation, "missing required column %q", c)
		}
	}

	var covariateCols []string
	known := map[string]bool{"ID": true, "TIME": true, "DV": true, "AMT": true, "EVID": true}
	for c := range optionalColumns {
		known[c] = true
	}
	for _, h := range header {
		if !known[h] {
			covariateCols = append(covariateCols, h)
		}
	}

	type rawRow struct {
		id   int
		d    DoseEvent
		o    Observation
		isEv bool // EVID==1
		cov  map[string]float64
	}

	doseBySubj := map[int][]DoseEvent{}
	obsBySubj := map[int][]Observation{}
	covBySubj := map[int]map[string]float64{}
	order := []int{}
	seen := map[int]bool{}

	lineNo := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.DataValidation, "malformed CSV row", err)
		}
		lineNo++

		get := func(name string) (string, bool) {
			ix, ok := colIx[name]
			if !ok || ix >= len(rec) {
				return "", false
			}
			return rec[ix], true
		}
		parseFloat := func(name string, deflt float64) (float64, error) {
			s, ok := get(name)
			if !ok || s == "" {
				return deflt, nil
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, errs.Newf(errs.DataValidation, "line %d: column %s: %v", lineNo, name, err)
			}
			return v, nil
		}

		idStr, _ := get("ID")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, errs.Newf(errs.DataValidation, "line %d: ID must be an integer", lineNo)
		}
		t, err := parseFloat("TIME", 0)
		if err != nil {
			return nil, err
		}
		if t < 0 {
			return nil, errs.Newf(errs.DataValidation, "line %d: TIME must be >= 0", lineNo)
		}
		evidF, err := parseFloat("EVID", 0)
		if err != nil {
			return nil, err
		}
		evid := int(evidF)

		cmtF, err := parseFloat("CMT", optionalColumns["CMT"])
		if err != nil {
			return nil, err
		}
		rate, err := parseFloat("RATE", optionalColumns["RATE"])
		if err != nil {
			return nil, err
		}
		ii, err := parseFloat("II", optionalColumns["II"])
		if err != nil {
			return nil, err
		}
		addlF, err := parseFloat("ADDL", optionalColumns["ADDL"])
		if err != nil {
			return nil, err
		}
		ssF, err := parseFloat("SS", optionalColumns["SS"])
		if err != nil {
			return nil, err
		}

		if !seen[id] {
			seen[id] = true
			order = append(order, id)
			covBySubj[id] = map[string]float64{}
		}
		for _, cc := range covariateCols {
			s, ok := get(cc)
			if ok && s != "" {
				v, err := strconv.ParseFloat(s, 64)
				if err == nil {
					covBySubj[id][cc] = v
				}
			}
		}

		switch evid {
		case 1:
			amtStr, _ := get("AMT")
			amt, err := strconv.ParseFloat(amtStr, 64)
			if err != nil || amt <= 0 {
				return nil, errs.Newf(errs.DataValidation, "line %d: EVID=1 requires AMT > 0", lineNo)
			}
			doseBySubj[id] = append(doseBySubj[id], DoseEvent{
				Time:        t,
				Amount:      amt,
				Compartment: int(cmtF),
				Rate:        rate,
				II:          ii,
				ADDL:        int(addlF),
				SteadyState: ssF != 0,
			})
		case 0:
			dvStr, _ := get("DV")
			val := math.NaN()
			if dvStr != "" {
				v, err := strconv.ParseFloat(dvStr, 64)
				if err != nil {
					return nil, errs.Newf(errs.DataValidation, "line %d: DV is not numeric", lineNo)
				}
				if math.IsNaN(v) {
					return nil, errs.Newf(errs.DataValidation, "line %d: DV is NaN", lineNo)
				}
				if v < 0 {
					return nil, errs.Newf(errs.DataValidation, "line %d: DV must be non-negative", lineNo)
				}
				val = v
			}
			obsBySubj[id] = append(obsBySubj[id], Observation{
				Time:        t,
				Value:       val,
				Compartment: int(cmtF),
			})
		default:
			return nil, errs.Newf(errs.DataValidation, "line %d: EVID must be 0 or 1", lineNo)
		}
	}

	if len(order) == 0 {
		return nil, errs.New(errs.DataValidation, "dataset is empty")
	}

	ds := &Dataset{Subjects: map[int]*Subject{}, Covariates: covariateCols}
	for _, id := range order {
		subj, err := buildSubject(id, doseBySubj[id], obsBySubj[id], covBySubj[id])
		if err != nil {
			return nil, err
		}
		ds.Subjects[id] = subj
		ds.SubjectIDs = append(ds.SubjectIDs, id)
	}
	log.Infof("loaded dataset: %d subjects, %d observations, %d covariate columns",
		len(ds.SubjectIDs), ds.NObs(), len(ds.Covariates))
	return ds, nil
}
