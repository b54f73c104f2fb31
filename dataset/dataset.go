// Package dataset implements the data model and CSV ingest boundary the
// estimation core borrows from immutably: Observation and DoseEvent rows
// merged per subject into a time-ordered event list, plus the covariate
// map captured from any extra numeric columns.
package dataset

import (
	"math"
	"sort"

	"github.com/op/go-logging"
	"github.com/pharmacometric/nmodes/errs"
)

var log = logging.MustGetLogger("dataset")

// EventKind distinguishes a dosing event from an observation within a
// subject's merged timeline.
type EventKind int

const (
	// Dose is a EVID=1 row.
	Dose EventKind = iota
	// Obs is a EVID=0 row.
	Obs
)

// DoseEvent describes a single dosing administration, already expanded
// from II/ADDL into an explicit dose train where applicable.
type DoseEvent struct {
	Time        float64
	Amount      float64
	Compartment int
	Rate        float64 // 0 => bolus
	II          float64 // interdose interval, 0 if not repeating
	ADDL        int     // additional doses beyond this one
	SteadyState bool    // SS=1
}

// Observation describes a single concentration measurement. Value is NaN
// when the row's DV is missing, per spec.md's "missing allowed" rule.
type Observation struct {
	Time        float64
	Value       float64 // NaN if missing
	Compartment int
}

// Event is one entry of a subject's merged, time-ordered timeline.
type Event struct {
	Time  float64
	Kind  EventKind
	Dose  DoseEvent
	Obs   Observation
	ObsIx int // index into the Subject's flattened Observations slice, for Kind==Obs
}

// Subject is one subject's complete record: a merged event timeline plus
// covariates. Subjects are immutable once constructed by Load.
type Subject struct {
	ID           int
	Events       []Event
	Observations []Observation // flattened, time order, parallel to predictor output
	Covariates   map[string]float64
}

// Dataset is the top-level container: subject id -> Subject, plus the
// covariate column names observed across the whole file. Read-only for the
// lifetime of an estimation run.
type Dataset struct {
	Subjects   map[int]*Subject
	SubjectIDs []int // stable iteration order: order of first appearance in the file
	Covariates []string
}

// NObs returns the total count of non-missing observations across all
// subjects, the denominator used throughout diagnostics and BIC.
func (d *Dataset) NObs() int {
	n := 0
	for _, s := range d.Subjects {
		for _, o := range s.Observations {
			if !math.IsNaN(o.Value) {
				n++
			}
		}
	}
	return n
}

// expandDoseTrain turns a single II/ADDL dose row into explicit dose
// events, per spec.md §3: "may be expanded in place to explicit dose
// trains using II/ADDL".
func expandDoseTrain(d DoseEvent) []DoseEvent {
	if d.II <= 0 || d.ADDL <= 0 {
		return []DoseEvent{d}
	}
	out := make([]DoseEvent, 0, d.ADDL+1)
	for k := 0; k <= d.ADDL; k++ {
		e := d
		e.Time = d.Time + float64(k)*d.II
		out = append(out, e)
	}
	return out
}

// buildSubject merges a subject's raw dose and observation rows into a
// single time-ordered Event list, validating monotonicity and the
// per-EVID row invariants from spec.md §6.
func buildSubject(id int, doses []DoseEvent, obs []Observation, covariates map[string]float64) (*Subject, error) {
	if len(doses) == 0 {
		return nil, errs.ForSubject(errs.DataValidation, id, -1, "subject has no dose events")
	}
	haveFinite := false
	for _, o := range obs {
		if !math.IsNaN(o.Value) {
			haveFinite = true
			break
		}
	}
	if !haveFinite {
		return nil, errs.ForSubject(errs.DataValidation, id, -1, "subject has no observation with a finite value")
	}

	for i := 1; i < len(obs); i++ {
		if obs[i].Time < obs[i-1].Time {
			return nil, errs.ForSubject(errs.DataValidation, id, -1, "observation times are not non-decreasing")
		}
	}
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Time < obs[j].Time })

	var expanded []DoseEvent
	for _, d := range doses {
		if d.Amount <= 0 {
			return nil, errs.ForSubject(errs.DataValidation, id, -1, "dose amount must be > 0")
		}
		if d.Rate < 0 {
			return nil, errs.ForSubject(errs.DataValidation, id, -1, "dose rate must be >= 0")
		}
		expanded = append(expanded, expandDoseTrain(d)...)
	}
	sort.SliceStable(expanded, func(i, j int) bool { return expanded[i].Time < expanded[j].Time })

	if len(obs) > 0 && expanded[0].Time > obs[0].Time {
		return nil, errs.ForSubject(errs.DataValidation, id, -1, "first dose occurs after first observation")
	}

	events := make([]Event, 0, len(expanded)+len(obs))
	for _, d := range expanded {
		events = append(events, Event{Time: d.Time, Kind: Dose, Dose: d})
	}
	for i, o := range obs {
		events = append(events, Event{Time: o.Time, Kind: Obs, Obs: o, ObsIx: i})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Time != events[j].Time {
			return events[i].Time < events[j].Time
		}
		// Doses at the same instant as an observation are applied first.
		return events[i].Kind == Dose && events[j].Kind == Obs
	})

	return &Subject{
		ID:           id,
		Events:       events,
		Observations: obs,
		Covariates:   covariates,
	}, nil
}
