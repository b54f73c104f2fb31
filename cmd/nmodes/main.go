/*

nmodes fits population pharmacokinetic models to tabular dose-response
data using SAEM or FOCE/FOCE-I nonlinear mixed-effects estimation.

	nmodes --dataset data.csv --model 1comp --method foce

Fit multiple structural models and/or methods in one run; a
comparison report is written whenever more than one fit completes:

	nmodes --dataset data.csv --model 1comp --model 2comp --method all

*/
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/pharmacometric/nmodes/checkpoint"
	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/errs"
	"github.com/pharmacometric/nmodes/foce"
	"github.com/pharmacometric/nmodes/report"
	"github.com/pharmacometric/nmodes/saem"
	"github.com/pharmacometric/nmodes/structmodel"
)

var log = logging.MustGetLogger("nmodes")
var formatter = logging.MustStringFormatter(`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`)

// exit codes, per spec.md §6.
const (
	exitOK               = 0
	exitUnclassified     = 1
	exitDataValidation   = 2
	exitConfiguration    = 3
	exitIntegrationFail  = 4
	exitNoConvergedModel = 5
)

var (
	app = kingpin.New("nmodes", "population pharmacokinetic NLME estimation (SAEM / FOCE / FOCE-I)")

	datasetPath = app.Flag("dataset", "dosing/observation CSV dataset").Required().ExistingFile()
	modelFlags  = app.Flag("model", "structural model: 1comp, 2comp, 3comp, or all (repeatable)").Default("1comp").Strings()
	methodFlags = app.Flag("method", "estimation method: saem, foce, foce-i, or all (repeatable)").Default("foce").Strings()
	outputDir   = app.Flag("output", "output directory").Default("./output").String()
	iterations  = app.Flag("iterations", "SAEM total iterations or FOCE outer cap (method-appropriate default if unset)").Int()
	burnIn      = app.Flag("burn-in", "SAEM burn-in iterations").Default("200").Int()
	chains      = app.Flag("chains", "SAEM replicate chains").Default("4").Int()
	compareFlag = app.Flag("compare", "force a comparison report even for a single fit").Bool()
	seed        = app.Flag("seed", "master RNG seed").Default("1").Int64()
	resume      = app.Flag("resume", "seed theta/sigma2 from this model/method's last checkpoint, if any").Bool()
)

// fitTarget is one (model, method) pair to fit.
type fitTarget struct {
	modelKind  structmodel.Kind
	modelToken string
	method     string
}

func expandModels(tokens []string) ([]string, error) {
	set := map[string]bool{}
	var out []string
	add := func(t string) {
		if !set[t] {
			set[t] = true
			out = append(out, t)
		}
	}
	for _, t := range tokens {
		switch t {
		case "all":
			add("1comp")
			add("2comp")
			add("3comp")
		case "1comp", "2comp", "3comp":
			add(t)
		default:
			return nil, errs.Newf(errs.ModelConfiguration, "unknown --model %q", t)
		}
	}
	return out, nil
}

func expandMethods(tokens []string) ([]string, error) {
	set := map[string]bool{}
	var out []string
	add := func(t string) {
		if !set[t] {
			set[t] = true
			out = append(out, t)
		}
	}
	for _, t := range tokens {
		switch t {
		case "all":
			add("saem")
			add("foce")
			add("foce-i")
		case "saem", "foce", "foce-i":
			add(t)
		default:
			return nil, errs.Newf(errs.ModelConfiguration, "unknown --method %q", t)
		}
	}
	return out, nil
}

func setupLogging() {
	logging.SetFormatter(formatter)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetBackend(backend)

	levelName := os.Getenv("NMODES_LOG_LEVEL")
	if levelName == "" {
		levelName = "INFO"
	}
	level, err := logging.LogLevel(levelName)
	if err != nil {
		level = logging.INFO
	}
	logging.SetLevel(level, "")
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	setupLogging()

	log.Infof("nmodes starting, command line: %v", os.Args)

	models, err := expandModels(*modelFlags)
	if err != nil {
		log.Error(err)
		os.Exit(exitConfiguration)
	}
	methods, err := expandMethods(*methodFlags)
	if err != nil {
		log.Error(err)
		os.Exit(exitConfiguration)
	}
	if *iterations < 0 || *burnIn < 0 || *chains < 1 {
		log.Error("iterations, burn-in must be >= 0 and chains >= 1")
		os.Exit(exitConfiguration)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Errorf("cannot create output directory: %v", err)
		os.Exit(exitConfiguration)
	}

	log.Infof("loading dataset %s", *datasetPath)
	ds, err := dataset.Load(*datasetPath)
	if err != nil {
		log.Error(err)
		os.Exit(exitDataValidation)
	}

	dbPath := filepath.Join(*outputDir, "checkpoint.db")
	db, err := checkpoint.Open(dbPath)
	if err != nil {
		log.Warningf("checkpointing disabled: cannot open %s: %v", dbPath, err)
	} else {
		defer db.Close()
	}

	var fits []report.FitSummary
	anyConverged := false
	sawIntegrationFailure := false
	exitCode := exitOK

	for _, modelToken := range models {
		kind, err := structmodel.ParseKind(modelToken)
		if err != nil {
			log.Error(err)
			os.Exit(exitConfiguration)
		}
		for _, method := range methods {
			model, err := structmodel.New(kind)
			if err != nil {
				log.Error(err)
				os.Exit(exitConfiguration)
			}

			fitDir := filepath.Join(*outputDir, fmt.Sprintf("%s_%s", modelToken, method))
			if err := os.MkdirAll(fitDir, 0755); err != nil {
				log.Errorf("cannot create fit directory %s: %v", fitDir, err)
				os.Exit(exitConfiguration)
			}

			var ckpt *checkpoint.IO
			if db != nil {
				ckpt = checkpoint.New(db, fmt.Sprintf("%s_%s", modelToken, method), 5*time.Second)
			}

			log.Infof("fitting model=%s method=%s", modelToken, method)
			summary, converged, runErr := runFit(model, modelToken, method, ds, fitDir, ckpt)
			if runErr != nil {
				var e *errs.Error
				if errors.As(runErr, &e) {
					log.Errorf("fit failed (%s): %v", e.Kind, e)
					if e.Kind == errs.IntegrationDiverged || e.Kind == errs.SubjectIntegrationFailure {
						sawIntegrationFailure = true
						continue
					}
					if e.Kind == errs.DataValidation {
						os.Exit(exitDataValidation)
					}
				} else {
					log.Errorf("fit failed: %v", runErr)
				}
				exitCode = exitUnclassified
				continue
			}

			fits = append(fits, summary)
			if converged {
				anyConverged = true
			}
		}
	}

	if len(fits) >= 2 || (*compareFlag && len(fits) >= 1) {
		if err := report.WriteComparison(*outputDir, fits); err != nil {
			log.Errorf("error writing comparison report: %v", err)
		}
	}

	if sawIntegrationFailure && len(fits) == 0 {
		os.Exit(exitIntegrationFail)
	}
	if len(fits) > 0 && !anyConverged {
		os.Exit(exitNoConvergedModel)
	}
	if exitCode != exitOK {
		os.Exit(exitCode)
	}
	log.Info("nmodes finished")
}

// applyResume loads ckpt's last saved snapshot, if --resume was passed
// and one exists, and seeds the driver's starting theta/sigma2 from it
// via setInitial (saem.Driver.SetInitial or foce.Driver.SetInitial).
func applyResume(ckpt *checkpoint.IO, setInitial func([]float64, float64)) {
	if !*resume || ckpt == nil {
		return
	}
	data, err := ckpt.Load()
	if err != nil {
		log.Warningf("cannot load checkpoint: %v", err)
		return
	}
	if data == nil {
		return
	}
	log.Infof("resuming from checkpoint at iteration %d (final=%v)", data.Iteration, data.Final)
	setInitial(data.Theta, data.Sigma2)
}

// runFit runs one (model, method) fit to completion, writes its output
// artifacts under fitDir, and returns a comparison-report summary row.
func runFit(model *structmodel.Model, modelToken, method string, ds *dataset.Dataset, fitDir string, ckpt *checkpoint.IO) (report.FitSummary, bool, error) {
	switch method {
	case "saem":
		return runSAEM(model, modelToken, ds, fitDir, ckpt)
	case "foce", "foce-i":
		return runFOCE(model, modelToken, method, ds, fitDir, ckpt)
	}
	return report.FitSummary{}, false, errs.Newf(errs.ModelConfiguration, "unknown method %q", method)
}

func runSAEM(model *structmodel.Model, modelToken string, ds *dataset.Dataset, fitDir string, ckpt *checkpoint.IO) (report.FitSummary, bool, error) {
	settings := saem.DefaultSettings()
	settings.BurnIn = *burnIn
	settings.Chains = *chains
	settings.MasterSeed = *seed
	if *iterations > 0 {
		settings.Iterations = *iterations
	}

	driver := saem.New(model, ds, settings)
	driver.SetCheckpoint(ckpt)
	applyResume(ckpt, driver.SetInitial)

	result, err := driver.Run(nil)
	if err != nil {
		return report.FitSummary{}, false, err
	}

	omegaDiag := make([]float64, model.NumParameters())
	for i := range omegaDiag {
		omegaDiag[i] = result.Omega.At(i, i)
	}

	diag := diagFromSAEM(model, ds, result)

	if err := report.WriteParameterEstimates(fitDir, "parameter_estimates.json", report.ParameterEstimates{
		Model:          modelToken,
		Method:         "saem",
		ParameterNames: model.ParameterNames,
		Theta:          result.Theta,
		Omega:          report.OmegaRows(model.NumParameters(), result.Omega.At),
		Sigma2:         result.Sigma2,
		LogLik:         result.LogLik,
		OFV:            result.OFV,
		Converged:      result.Converged,
		Iterations:     result.Iterations,
		CovariateNames: ds.Covariates,
	}); err != nil {
		log.Errorf("error writing parameter_estimates.json: %v", err)
	}

	if err := report.WritePredictions(fitDir, diag.Rows); err != nil {
		log.Errorf("error writing predictions.csv: %v", err)
	}
	if err := report.WriteDiagnostics(fitDir, diag); err != nil {
		log.Errorf("error writing diagnostics.json: %v", err)
	}

	var trajRows []report.TrajectoryRow
	for _, t := range result.Trajectory {
		trajRows = append(trajRows, report.TrajectoryRow{Iteration: t.Iteration, Theta: t.Theta, LogLik: t.LogLik})
	}
	if err := report.WriteTrajectory(fitDir, model.ParameterNames, trajRows); err != nil {
		log.Errorf("error writing parameter_trajectory.csv: %v", err)
	}

	if err := report.WriteSummary(fitDir, report.SummaryInfo{
		Model:          modelToken,
		Method:         "saem",
		ParameterNames: model.ParameterNames,
		Theta:          result.Theta,
		OmegaDiag:      omegaDiag,
		Sigma2:         result.Sigma2,
		LogLik:         result.LogLik,
		OFV:            result.OFV,
		AIC:            diag.AIC,
		BIC:            diag.BIC,
		Converged:      result.Converged,
		Iterations:     result.Iterations,
		NSubjects:      len(ds.SubjectIDs),
		NObs:           ds.NObs(),
	}); err != nil {
		log.Errorf("error writing summary_report.txt: %v", err)
	}

	return report.FitSummary{
		Model: modelToken, Method: "saem",
		AIC: diag.AIC, BIC: diag.BIC, LogLik: result.LogLik, OFV: result.OFV, Converged: result.Converged,
	}, result.Converged, nil
}

func runFOCE(model *structmodel.Model, modelToken, method string, ds *dataset.Dataset, fitDir string, ckpt *checkpoint.IO) (report.FitSummary, bool, error) {
	settings := foce.DefaultSettings()
	settings.Interaction = method == "foce-i"
	if *iterations > 0 {
		settings.OuterIterations = *iterations
	}

	driver := foce.New(model, ds, settings)
	driver.SetCheckpoint(ckpt)
	applyResume(ckpt, driver.SetInitial)

	result, err := driver.Run(nil)
	if err != nil {
		return report.FitSummary{}, false, err
	}

	omegaDiag := make([]float64, model.NumParameters())
	for i := range omegaDiag {
		omegaDiag[i] = result.Omega.At(i, i)
	}

	diag := diagFromFOCE(model, ds, result)

	if err := report.WriteParameterEstimates(fitDir, "foce_results.json", report.ParameterEstimates{
		Model:           modelToken,
		Method:          method,
		ParameterNames:  model.ParameterNames,
		Theta:           result.Theta,
		Omega:           report.OmegaRows(model.NumParameters(), result.Omega.At),
		Sigma2:          result.Sigma2,
		LogLik:          result.LogLik,
		OFV:             result.OFV,
		SE:              result.SE,
		PercentRSE:      diag.PercentRSE,
		ConditionNumber: result.ConditionNumber,
		NonPDHessian:    result.NonPDHessian,
		Converged:       result.Converged,
		Iterations:      result.Iterations,
		CovariateNames:  ds.Covariates,
	}); err != nil {
		log.Errorf("error writing foce_results.json: %v", err)
	}

	if err := report.WritePredictions(fitDir, diag.Rows); err != nil {
		log.Errorf("error writing predictions.csv: %v", err)
	}
	if err := report.WriteDiagnostics(fitDir, diag); err != nil {
		log.Errorf("error writing diagnostics.json: %v", err)
	}

	if err := report.WriteSummary(fitDir, report.SummaryInfo{
		Model:          modelToken,
		Method:         method,
		ParameterNames: model.ParameterNames,
		Theta:          result.Theta,
		SE:             result.SE,
		PercentRSE:     diag.PercentRSE,
		OmegaDiag:      omegaDiag,
		Sigma2:         result.Sigma2,
		LogLik:         result.LogLik,
		OFV:            result.OFV,
		AIC:            diag.AIC,
		BIC:            diag.BIC,
		Converged:      result.Converged,
		Iterations:     result.Iterations,
		NSubjects:      len(ds.SubjectIDs),
		NObs:           ds.NObs(),
	}); err != nil {
		log.Errorf("error writing summary_report.txt: %v", err)
	}

	return report.FitSummary{
		Model: modelToken, Method: method,
		AIC: diag.AIC, BIC: diag.BIC, LogLik: result.LogLik, OFV: result.OFV, Converged: result.Converged,
	}, result.Converged, nil
}
