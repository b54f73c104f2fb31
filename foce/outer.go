// Package foce implements the FOCE / FOCE-I driver from spec.md §4.7:
// per-subject empirical-Bayes mode search by damped Gauss-Newton, and an
// outer BFGS (Nelder-Mead fallback) loop over the approximate marginal
// objective. Grounded on the teacher's optimize.BFGS (finite-differenced
// gradient feeding a gonum optimizer) and optimize.DS (downhill simplex)
// for the outer loop shape; the inner Gauss-Newton solve has no teacher
// analog and follows spec.md §4.7 directly.
package foce

import (
	"math"
	"runtime"
	"sync"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/pharmacometric/nmodes/checkpoint"
	"github.com/pharmacometric/nmodes/covmat"
	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/errs"
	"github.com/pharmacometric/nmodes/ode"
	"github.com/pharmacometric/nmodes/structmodel"
)

var log = logging.MustGetLogger("foce")

// Settings configures a FOCE/FOCE-I run, per spec.md §4.7 and the CLI
// default in spec.md §6 (FOCE outer cap: 100 iterations).
type Settings struct {
	OuterIterations int
	Interaction     bool // true selects FOCE-I
}

// DefaultSettings returns spec.md §6's FOCE default: 100 outer iterations.
func DefaultSettings() Settings { return Settings{OuterIterations: 100} }

// Result is the outcome of a FOCE/FOCE-I fit, a subset of spec.md §3's
// EstimationResult populated by this driver.
type Result struct {
	Theta           []float64
	Omega           *mat.SymDense
	Sigma2          float64
	Converged       bool
	LogLik          float64
	OFV             float64
	Eta             map[int][]float64
	Predictions     map[int][]float64
	SE              []float64 // length p, theta standard errors; nil if NonPDHessian
	Covariance      *mat.Dense
	ConditionNumber float64
	NonPDHessian    bool
	Iterations      int
}

// Driver runs the FOCE/FOCE-I outer loop for one structural model
// against one dataset.
type Driver struct {
	model      *structmodel.Model
	integrator *ode.Integrator
	ds         *dataset.Dataset
	settings   Settings
	ckpt       *checkpoint.IO

	p       int
	nChol   int
	nParams int

	mu         sync.Mutex
	lastEta    map[int][]float64
	lastPred   map[int][]float64
	lastTheta  []float64
	lastOmega  *mat.SymDense
	lastSigma2 float64

	etaWarm map[int][]float64

	initTheta  []float64
	initSigma2 float64

	cancel  func() bool
	stopped bool
	iter    int
}

// New creates a FOCE driver for a structural model over a dataset.
func New(model *structmodel.Model, ds *dataset.Dataset, settings Settings) *Driver {
	p := model.NumParameters()
	nChol := covmat.NPackedCholesky(p)
	return &Driver{
		model:      model,
		integrator: ode.New(),
		ds:         ds,
		settings:   settings,
		p:          p,
		nChol:      nChol,
		nParams:    p + nChol + 1,
		etaWarm:    map[int][]float64{},
	}
}

// SetCheckpoint attaches an optional durable checkpoint sink.
func (d *Driver) SetCheckpoint(c *checkpoint.IO) { d.ckpt = c }

// SetInitial overrides the default starting theta/sigma2 (otherwise
// taken from the structural model's Defaults in Run), e.g. to resume a
// run from a checkpoint.IO.Load snapshot. A zero-length theta or a
// non-positive sigma2 leaves the corresponding default in place.
func (d *Driver) SetInitial(theta []float64, sigma2 float64) {
	if len(theta) == d.p {
		d.initTheta = append([]float64(nil), theta...)
	}
	if sigma2 > 0 {
		d.initSigma2 = sigma2
	}
}

// evalSubjects runs every subject's inner mode search in a bounded
// worker pool (spec.md §9: "the natural unit is per subject"),
// returning the pooled OFV and the per-subject eta/prediction maps
// that subjectContribution produced along the way.
func (d *Driver) evalSubjects(theta []float64, sigma2 float64, snap covmat.Snapshot) (total float64, eta map[int][]float64, pred map[int][]float64, ok bool) {
	n := len(d.ds.SubjectIDs)
	nWorkers := runtime.GOMAXPROCS(0)
	if nWorkers > n && n > 0 {
		nWorkers = n
	}
	if nWorkers < 1 {
		nWorkers = 1
	}

	type outcome struct {
		id  int
		ofv float64
		res innerResult
		ok  bool
	}
	outcomes := make([]outcome, n)
	jobs := make(chan int, n)
	for i := range d.ds.SubjectIDs {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ix := range jobs {
				id := d.ds.SubjectIDs[ix]
				subj := d.ds.Subjects[id]
				d.mu.Lock()
				warm := d.etaWarm[id]
				d.mu.Unlock()
				if warm == nil {
					warm = make([]float64, d.p)
				}
				ofv, res, okSubj := d.subjectContribution(subj, theta, sigma2, snap, warm)
				outcomes[ix] = outcome{id: id, ofv: ofv, res: res, ok: okSubj}
			}
		}()
	}
	wg.Wait()

	total = 0
	eta = make(map[int][]float64, n)
	pred = make(map[int][]float64, n)
	for _, o := range outcomes {
		if !o.ok {
			return 0, nil, nil, false
		}
		total += o.ofv
		eta[o.id] = o.res.eta
		pred[o.id] = o.res.pred
	}

	d.mu.Lock()
	for id, e := range eta {
		d.etaWarm[id] = e
	}
	d.mu.Unlock()

	return total, eta, pred, true
}

// cancelledErr is returned from the optimize.Recorder when the caller's
// cancellation predicate fires between outer steps, per spec.md §5.
type cancelledErr struct{}

func (cancelledErr) Error() string { return "foce run cancelled" }

// recorder bridges gonum's optimize.Recorder callback to this driver's
// cancellation poll and checkpoint cadence, mirroring the teacher's
// optimize.BFGS.Record (optimize/bfgs.go): log the current objective at
// every major iteration and check for an external stop signal.
type recorder struct{ d *Driver }

func (r *recorder) Init() error { return nil }

func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op&optimize.MajorIteration == 0 {
		return nil
	}
	r.d.iter = stats.MajorIterations
	log.Infof("outer iteration %d: OFV=%.4f", stats.MajorIterations, loc.F)

	theta, omega, sigma2 := r.d.unpack(loc.X)
	if r.d.ckpt != nil {
		_ = r.d.ckpt.Save(stats.MajorIterations, theta, sigma2, false)
	}
	_ = omega

	if r.d.cancel != nil && r.d.cancel() {
		r.d.stopped = true
		return cancelledErr{}
	}
	return nil
}

// Run executes the FOCE/FOCE-I outer loop and returns a Result, per
// spec.md §4.7's termination rules. cancel, if non-nil, is polled
// between outer steps (spec.md §5); on cancellation the last recorded
// iteration's state is returned with Converged=false.
func (d *Driver) Run(cancel func() bool) (*Result, error) {
	d.cancel = cancel

	theta0 := make([]float64, d.p)
	for i, v := range d.model.Defaults {
		theta0[i] = math.Log(v)
	}
	if d.initTheta != nil {
		theta0 = d.initTheta
	}
	sigma2Init := 0.1
	if d.initSigma2 > 0 {
		sigma2Init = d.initSigma2
	}
	omega0 := mat.NewSymDense(d.p, nil)
	for i := 0; i < d.p; i++ {
		omega0.SetSym(i, i, 0.1)
	}
	x0, err := d.pack(theta0, omega0, sigma2Init)
	if err != nil {
		return nil, err
	}

	problem := optimize.Problem{
		Func: d.objective,
		Grad: d.gradient,
	}

	settings := &optimize.Settings{
		MajorIterations:   d.settings.OuterIterations,
		GradientThreshold: 1e-4,
		Recorder:          &recorder{d: d},
	}

	res, optErr := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if optErr != nil && !d.stopped {
		log.Warningf("BFGS outer loop failed (%v), falling back to Nelder-Mead", optErr)
		d.stopped = false
		res, optErr = optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	}

	var xOpt []float64
	if res != nil {
		xOpt = res.X
	} else {
		xOpt = x0
	}

	// Re-evaluate once at x_opt to lock in final per-subject state,
	// since the last Func call during line search need not be at x_opt.
	finalOFV := d.objective(xOpt)

	d.mu.Lock()
	theta := append([]float64(nil), d.lastTheta...)
	omega := d.lastOmega
	sigma2 := d.lastSigma2
	etaOut := d.lastEta
	predOut := d.lastPred
	d.mu.Unlock()

	converged := optErr == nil && !d.stopped && !math.IsInf(finalOFV, 0)

	sePtr, cov, condNum, nonPD := d.standardErrors(xOpt)

	logL := -0.5 * finalOFV

	return &Result{
		Theta:           theta,
		Omega:           omega,
		Sigma2:          sigma2,
		Converged:       converged,
		LogLik:          logL,
		OFV:             finalOFV,
		Eta:             etaOut,
		Predictions:     predOut,
		SE:              sePtr,
		Covariance:      cov,
		ConditionNumber: condNum,
		NonPDHessian:    nonPD,
		Iterations:      d.iter,
	}, nil
}

// standardErrors inverts the finite-differenced outer Hessian at x to
// produce the covariance matrix and theta standard errors, per
// spec.md §4.7. If the Hessian is not positive definite, reports
// NonPDHessian (errs taxonomy §7) and omits standard errors without
// failing the fit.
func (d *Driver) standardErrors(x []float64) (se []float64, cov *mat.Dense, conditionNumber float64, nonPD bool) {
	hess := d.numericalHessian(x)

	var eig mat.EigenSym
	if eig.Factorize(hess, false) {
		values := eig.Values(nil)
		maxV, minV := values[0], values[0]
		for _, v := range values {
			if v > maxV {
				maxV = v
			}
			if v < minV {
				minV = v
			}
		}
		if minV > 0 {
			conditionNumber = maxV / minV
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(hess) {
		log.Warning(errs.New(errs.NonPDHessian, "outer Hessian is not positive definite at the optimum; standard errors omitted").Error())
		return nil, nil, conditionNumber, true
	}

	// Invert by solving Hessian*x = e_j one column at a time via
	// covmat.Solve, rather than forming the inverse directly.
	n := d.nParams
	covariance := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		e := mat.NewVecDense(n, nil)
		e.SetVec(j, 1)
		col, err := covmat.Solve(hess, e)
		if err != nil {
			log.Warning(errs.Wrap(errs.NonPDHessian, "cannot invert outer Hessian", err).Error())
			return nil, nil, conditionNumber, true
		}
		for i := 0; i < n; i++ {
			// OFV = -2*logL, so the Fisher information is Hessian(OFV)/2;
			// covariance is its inverse, i.e. 2*Hessian^-1.
			covariance.Set(i, j, 2*col.AtVec(i))
		}
	}

	se = make([]float64, d.p)
	for i := 0; i < d.p; i++ {
		v := covariance.At(i, i)
		if v < 0 {
			v = 0
		}
		se[i] = math.Sqrt(v)
	}
	return se, covariance, conditionNumber, false
}
