// Package saem implements the stochastic approximation EM driver from
// spec.md §4.6: an E-step that advances every subject's Metropolis
// chain, decreasing-step-size sufficient-statistic accumulation, and an
// M-step that updates theta, Omega, sigma2. The loop shape follows the
// teacher's mcmc.MH.Run (periodic reporting, single pass per iteration)
// generalized from one chain to one-per-subject with a population-level
// update appended.
package saem

import (
	"math"
	"runtime"
	"sync"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/pharmacometric/nmodes/checkpoint"
	"github.com/pharmacometric/nmodes/covmat"
	"github.com/pharmacometric/nmodes/dataset"
	"github.com/pharmacometric/nmodes/errs"
	"github.com/pharmacometric/nmodes/likelihood"
	"github.com/pharmacometric/nmodes/mcmc"
	"github.com/pharmacometric/nmodes/ode"
	"github.com/pharmacometric/nmodes/predictor"
	"github.com/pharmacometric/nmodes/structmodel"
)

var log = logging.MustGetLogger("saem")

// Settings configures a SAEM run, per spec.md §4.6 and the CLI defaults
// in spec.md §6.
type Settings struct {
	Iterations int
	BurnIn     int
	Chains     int
	MasterSeed int64
}

// DefaultSettings returns spec.md §6's SAEM defaults: 1000 iterations,
// burn-in 200, 4 chains.
func DefaultSettings() Settings {
	return Settings{Iterations: 1000, BurnIn: 200, Chains: 4, MasterSeed: 1}
}

// Result is the outcome of a SAEM fit, a subset of spec.md §3's
// EstimationResult populated by this driver.
type Result struct {
	Theta      []float64
	Omega      *mat.SymDense
	Sigma2     float64
	Converged  bool
	LogLik     float64
	OFV        float64
	Eta        map[int][]float64
	Iterations int
	Trajectory []TrajectoryPoint

	// RHat is the Gelman-Rubin potential scale reduction factor for each
	// eta component, pooled across every subject's C replicate chains,
	// per spec.md §4.6's "Between-chain variance (Gelman-Rubin) computed
	// post hoc". Nil when Settings.Chains < 2, for which R-hat is
	// undefined.
	RHat []float64
}

// TrajectoryPoint is one row of parameter_trajectory.csv.
type TrajectoryPoint struct {
	Iteration int
	Theta     []float64
	LogLik    float64
}

// subjectState holds one subject's chains (one per SAEM replicate chain,
// pooled at every M-step per spec.md §4.6's multi-chain option), plus
// the per-chain running moments gelmanRubin needs.
type subjectState struct {
	chains      []*mcmc.Chain
	welford     []chainWelford
	initialized bool
}

// chainWelford accumulates the online mean and sum-of-squared-deviations
// (Welford's algorithm) of one replicate chain's post-burn-in eta draws,
// so the between/within-chain variances gelmanRubin needs can be formed
// without retaining every draw.
type chainWelford struct {
	n    int
	mean []float64
	m2   []float64
}

func newChainWelford(p int) chainWelford {
	return chainWelford{mean: make([]float64, p), m2: make([]float64, p)}
}

func (w *chainWelford) add(x []float64) {
	w.n++
	for k, v := range x {
		delta := v - w.mean[k]
		w.mean[k] += delta / float64(w.n)
		w.m2[k] += delta * (v - w.mean[k])
	}
}

func (w *chainWelford) variance(k int) float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2[k] / float64(w.n-1)
}

// gelmanRubin computes the potential scale reduction factor R-hat for
// each eta component from every subject's C replicate chains' post-
// burn-in moments, then averages it across subjects into one
// population-level diagnostic per component, per spec.md §4.6.
func gelmanRubin(subjects map[int]*subjectState, p, nChains int) []float64 {
	if nChains < 2 {
		return nil
	}
	sum := make([]float64, p)
	counted := make([]int, p)
	for _, st := range subjects {
		n := st.welford[0].n
		if n < 2 {
			continue
		}
		for k := 0; k < p; k++ {
			chainMeans := make([]float64, nChains)
			within := 0.0
			for c := 0; c < nChains; c++ {
				chainMeans[c] = st.welford[c].mean[k]
				within += st.welford[c].variance(k)
			}
			within /= float64(nChains)
			if within < 1e-12 {
				continue
			}

			grand := 0.0
			for _, m := range chainMeans {
				grand += m / float64(nChains)
			}
			between := 0.0
			for _, m := range chainMeans {
				d := m - grand
				between += d * d
			}
			between *= float64(n) / float64(nChains-1)

			varHat := (float64(n-1)/float64(n))*within + between/float64(n)
			sum[k] += math.Sqrt(varHat / within)
			counted[k]++
		}
	}
	out := make([]float64, p)
	for k := range out {
		if counted[k] > 0 {
			out[k] = sum[k] / float64(counted[k])
		} else {
			out[k] = math.NaN()
		}
	}
	return out
}

type sample struct {
	id  int
	eta []float64
}

// Driver runs the SAEM loop for one structural model against one dataset.
type Driver struct {
	model      *structmodel.Model
	integrator *ode.Integrator
	ds         *dataset.Dataset
	settings   Settings
	ckpt       *checkpoint.IO

	p    int
	n    int
	nObs int

	theta  []float64
	omega  *mat.SymDense
	sigma2 float64

	// shadowEtaEta/shadowEps2 are the running sufficient statistics
	// S_etaeta and S_eps2 from spec.md §4.6 step 3. theta and omega are
	// kept equal to S_eta and S_etaeta-S_eta*S_eta^T (after PSD
	// projection) at all times, per step 4, so only the raw second-moment
	// statistic needs separate storage here.
	shadowEtaEta *mat.SymDense
	shadowEps2   float64

	subjects map[int]*subjectState
}

// New creates a SAEM driver for a structural model over a dataset.
func New(model *structmodel.Model, ds *dataset.Dataset, settings Settings) *Driver {
	p := model.NumParameters()
	theta := make([]float64, p)
	for i, d := range model.Defaults {
		theta[i] = math.Log(d)
	}
	omega := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		omega.SetSym(i, i, 0.1)
	}
	return &Driver{
		model:      model,
		integrator: ode.New(),
		ds:         ds,
		settings:   settings,
		p:          p,
		n:          len(ds.SubjectIDs),
		nObs:       ds.NObs(),
		theta:      theta,
		omega:      omega,
		sigma2:     0.1,
		subjects:   map[int]*subjectState{},
	}
}

// SetCheckpoint attaches an optional durable checkpoint sink.
func (d *Driver) SetCheckpoint(c *checkpoint.IO) { d.ckpt = c }

func (d *Driver) logDensityFor(subj *dataset.Subject, snap covmat.Snapshot) mcmc.LogDensity {
	dv := make([]float64, len(subj.Observations))
	for i, o := range subj.Observations {
		dv[i] = o.Value
	}
	return func(eta []float64) (float64, error) {
		phi, err := predictor.Phi(d.theta, eta)
		if err != nil {
			return math.NaN(), err
		}
		res := predictor.Predict(d.model, d.integrator, subj, phi)
		if res.Failed {
			return math.NaN(), errs.ForSubject(errs.IntegrationDiverged, subj.ID, -1, "predictor failed")
		}
		return likelihood.SubjectLogDensity(dv, res.Predictions, d.sigma2, eta, snap.Inverse, snap.LogDet), nil
	}
}

// Run executes the SAEM loop and returns a Result, per spec.md §4.6's
// termination rules. cancel, if non-nil, is polled at every iteration
// boundary (spec.md §5); on cancellation the last complete iteration's
// state is returned with Converged=false.
func (d *Driver) Run(cancel func() bool) (*Result, error) {
	for _, id := range d.ds.SubjectIDs {
		st := &subjectState{
			chains:  make([]*mcmc.Chain, d.settings.Chains),
			welford: make([]chainWelford, d.settings.Chains),
		}
		for c := 0; c < d.settings.Chains; c++ {
			st.chains[c] = mcmc.NewChain(id, d.p, d.settings.MasterSeed, c)
			st.welford[c] = newChainWelford(d.p)
		}
		d.subjects[id] = st
	}
	d.shadowEtaEta = mat.NewSymDense(d.p, nil)
	d.shadowEps2 = d.sigma2

	var thetaHistory [][]float64
	var trajectory []TrajectoryPoint

	nWorkers := runtime.GOMAXPROCS(0)
	if nWorkers > d.n && d.n > 0 {
		nWorkers = d.n
	}
	if nWorkers < 1 {
		nWorkers = 1
	}

	iter := 0
	converged := false
	for iter = 1; iter <= d.settings.Iterations; iter++ {
		if cancel != nil && cancel() {
			log.Infof("cancelled at iteration %d", iter)
			iter--
			break
		}

		snap, err := covmat.NewSnapshot(d.omega)
		if err != nil {
			return nil, err
		}

		// E-step: advance every subject's chains in parallel; a barrier
		// (the WaitGroup below) separates it from the M-step, which only
		// observes the complete set of new samples, per spec.md §5.
		samples := make([]sample, d.n)
		jobs := make(chan int, d.n)
		for i := range d.ds.SubjectIDs {
			jobs <- i
		}
		close(jobs)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var persistentFailure *errs.Error
		for w := 0; w < nWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ix := range jobs {
					id := d.ds.SubjectIDs[ix]
					subj := d.ds.Subjects[id]
					st := d.subjects[id]
					ld := d.logDensityFor(subj, snap)

					if !st.initialized {
						for _, ch := range st.chains {
							if err := ch.Init(ld); err != nil {
								ch.L = -1e6
							}
						}
						st.initialized = true
					}

					pooled := make([]float64, d.p)
					worstFailures := 0
					for ci, ch := range st.chains {
						eta, _ := ch.Step(ld)
						if iter > d.settings.BurnIn {
							st.welford[ci].add(eta)
						}
						for k := range eta {
							pooled[k] += eta[k] / float64(len(st.chains))
						}
						if ch.ConsecutiveFailures() > worstFailures {
							worstFailures = ch.ConsecutiveFailures()
						}
					}
					if worstFailures > 10 {
						mu.Lock()
						persistentFailure = errs.ForSubject(errs.SubjectIntegrationFailure, id, iter, "persistent integration failure")
						mu.Unlock()
					}
					samples[ix] = sample{id: id, eta: pooled}
				}
			}()
		}
		wg.Wait()

		if persistentFailure != nil {
			return nil, persistentFailure
		}

		// Step weight gamma_k, per spec.md §4.6 step 2.
		gamma := 1.0
		if iter > d.settings.BurnIn {
			gamma = 1.0 / float64(iter-d.settings.BurnIn)
		}

		meanEta, meanEtaEta, meanEps2 := d.sampleMoments(samples)
		d.updateSufficientStats(meanEta, meanEtaEta, meanEps2, gamma)

		thetaHistory = append(thetaHistory, append([]float64(nil), d.theta...))

		if iter%20 == 0 || iter == d.settings.Iterations {
			etaOut := snapshotEta(samples)
			ll := d.finalLogLikelihood(etaOut)
			trajectory = append(trajectory, TrajectoryPoint{Iteration: iter, Theta: append([]float64(nil), d.theta...), LogLik: ll})
			log.Infof("iteration %d: logL=%.4f theta=%v", iter, ll, d.theta)
			if d.ckpt != nil {
				_ = d.ckpt.Save(iter, d.theta, d.sigma2, false)
			}
		}

		if iter > d.settings.BurnIn+100 && relativeThetaStable(thetaHistory) {
			converged = true
			break
		}
	}
	if iter > d.settings.Iterations {
		iter = d.settings.Iterations
	}
	if !converged {
		converged = assessConvergence(thetaHistory)
	}

	etaOut := map[int][]float64{}
	for id, st := range d.subjects {
		pooled := make([]float64, d.p)
		for _, ch := range st.chains {
			for k := range ch.Eta {
				pooled[k] += ch.Eta[k] / float64(len(st.chains))
			}
		}
		etaOut[id] = pooled
	}

	ll := d.finalLogLikelihood(etaOut)
	if d.ckpt != nil {
		_ = d.ckpt.Save(iter, d.theta, d.sigma2, true)
	}

	return &Result{
		Theta:      d.theta,
		Omega:      d.omega,
		Sigma2:     d.sigma2,
		Converged:  converged,
		LogLik:     ll,
		OFV:        -2 * ll,
		Eta:        etaOut,
		Iterations: iter,
		Trajectory: trajectory,
		RHat:       gelmanRubin(d.subjects, d.p, d.settings.Chains),
	}, nil
}

// SetInitial overrides the default starting theta/sigma2 (otherwise
// taken from the structural model's Defaults in New), e.g. to resume a
// run from a checkpoint.IO.Load snapshot. A zero-length theta or a
// non-positive sigma2 leaves the corresponding default in place.
func (d *Driver) SetInitial(theta []float64, sigma2 float64) {
	if len(theta) == d.p {
		d.theta = append([]float64(nil), theta...)
	}
	if sigma2 > 0 {
		d.sigma2 = sigma2
		d.shadowEps2 = sigma2
	}
}

func snapshotEta(samples []sample) map[int][]float64 {
	out := make(map[int][]float64, len(samples))
	for _, s := range samples {
		out[s.id] = s.eta
	}
	return out
}

// sampleMoments computes the across-subjects mean of eta, eta*eta^T, and
// squared log-scale residuals at the current E-step sample, the <T>
// quantity from spec.md §4.6 step 3.
func (d *Driver) sampleMoments(samples []sample) ([]float64, *mat.SymDense, float64) {
	meanEta := make([]float64, d.p)
	meanEtaEta := mat.NewSymDense(d.p, nil)
	sumEps2 := 0.0

	for _, s := range samples {
		for k := 0; k < d.p; k++ {
			meanEta[k] += s.eta[k] / float64(d.n)
		}
		for a := 0; a < d.p; a++ {
			for b := a; b < d.p; b++ {
				meanEtaEta.SetSym(a, b, meanEtaEta.At(a, b)+s.eta[a]*s.eta[b]/float64(d.n))
			}
		}

		subj := d.ds.Subjects[s.id]
		phi, err := predictor.Phi(d.theta, s.eta)
		if err != nil {
			continue
		}
		res := predictor.Predict(d.model, d.integrator, subj, phi)
		if res.Failed {
			continue
		}
		for i, o := range subj.Observations {
			if math.IsNaN(o.Value) || res.Predictions[i] <= 0 {
				continue
			}
			r := math.Log(o.Value) - math.Log(res.Predictions[i])
			sumEps2 += r * r
		}
	}
	meanEps2 := sumEps2 / float64(d.nObs)
	return meanEta, meanEtaEta, meanEps2
}

// updateSufficientStats applies spec.md §4.6 steps 3-4: the recursive
// S <- S + gamma*(<T> - S) update for each sufficient statistic, followed
// by the M-step theta <- S_eta, Omega <- S_etaeta - S_eta S_eta^T
// (projected PSD), sigma2 <- S_eps2.
func (d *Driver) updateSufficientStats(meanEta []float64, meanEtaEta *mat.SymDense, meanEps2, gamma float64) {
	for k := range d.theta {
		d.theta[k] += gamma * (meanEta[k] - d.theta[k])
	}

	p := d.p
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			cur := d.shadowEtaEta.At(a, b)
			d.shadowEtaEta.SetSym(a, b, cur+gamma*(meanEtaEta.At(a, b)-cur))
		}
	}

	omega := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			omega.SetSym(a, b, d.shadowEtaEta.At(a, b)-d.theta[a]*d.theta[b])
		}
	}
	d.omega = covmat.ProjectPSD(omega)

	d.shadowEps2 += gamma * (meanEps2 - d.shadowEps2)
	d.sigma2 = math.Max(1e-10, d.shadowEps2)
}

// relativeThetaStable implements the fast-path termination rule from
// spec.md §4.6: "relative change of every theta component below 1e-4
// over the last 100 iterations (post-burn-in)".
func relativeThetaStable(history [][]float64) bool {
	if len(history) < 100 {
		return false
	}
	window := history[len(history)-100:]
	p := len(window[0])
	for k := 0; k < p; k++ {
		maxRel := 0.0
		for i := 1; i < len(window); i++ {
			denom := math.Max(1e-12, math.Abs(window[i-1][k]))
			rel := math.Abs(window[i][k]-window[i-1][k]) / denom
			if rel > maxRel {
				maxRel = rel
			}
		}
		if maxRel >= 1e-4 {
			return false
		}
	}
	return true
}

// assessConvergence implements spec.md §4.6's convergence assessment:
// max sd of each theta component over the last 10% of iterations,
// relative to |theta|, below 0.01.
func assessConvergence(history [][]float64) bool {
	n := len(history)
	if n < 10 {
		return false
	}
	windowLen := n / 10
	if windowLen < 2 {
		windowLen = 2
	}
	window := history[n-windowLen:]
	p := len(window[0])
	for k := 0; k < p; k++ {
		mean := 0.0
		for _, h := range window {
			mean += h[k]
		}
		mean /= float64(len(window))
		varSum := 0.0
		for _, h := range window {
			dd := h[k] - mean
			varSum += dd * dd
		}
		sd := math.Sqrt(varSum / float64(len(window)-1))
		if math.Abs(mean) < 1e-12 {
			continue
		}
		if sd/math.Abs(mean) >= 0.01 {
			return false
		}
	}
	return true
}

func (d *Driver) finalLogLikelihood(eta map[int][]float64) float64 {
	snap, err := covmat.NewSnapshot(d.omega)
	if err != nil {
		return math.NaN()
	}
	total := 0.0
	for _, id := range d.ds.SubjectIDs {
		subj := d.ds.Subjects[id]
		e := eta[id]
		if e == nil {
			e = make([]float64, d.p)
		}
		phi, err := predictor.Phi(d.theta, e)
		if err != nil {
			continue
		}
		res := predictor.Predict(d.model, d.integrator, subj, phi)
		if res.Failed {
			continue
		}
		dv := make([]float64, len(subj.Observations))
		for i, o := range subj.Observations {
			dv[i] = o.Value
		}
		total += likelihood.SubjectLogDensity(dv, res.Predictions, d.sigma2, e, snap.Inverse, snap.LogDet)
	}
	return total
}
