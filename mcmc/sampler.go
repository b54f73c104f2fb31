// Package mcmc implements the per-subject random-walk Metropolis sampler
// from spec.md §4.5. Each subject owns an independent Chain with its own
// RNG stream, step size, and acceptance bookkeeping; chains are
// embarrassingly parallel across subjects, mirroring the teacher's
// single-chain MH.Run loop (mcmc/mh.go) generalized from "one global
// Optimizable parameter at a time" to "one block Gaussian proposal over a
// subject's eta vector".
package mcmc

import (
	"math"

	"github.com/op/go-logging"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var log = logging.MustGetLogger("mcmc")

// LogDensity evaluates the (unnormalized) log-density of a candidate eta,
// e.g. the subject's conditional log-density from spec.md §4.4. A
// non-nil error indicates an integration failure; the proposal backing
// it must be rejected without changing chain state, per spec.md §4.6's
// failure semantics.
type LogDensity func(eta []float64) (float64, error)

// adaptPeriod is how often the step size is re-tuned, per spec.md §4.5.
const adaptPeriod = 50

// Chain is one subject's independent Metropolis-Hastings chain over eta.
type Chain struct {
	SubjectID int

	Eta      []float64
	L        float64
	stepSize float64

	rng    *rand.Rand
	normal distuv.Normal

	proposals int
	accepted  int

	windowProposals int
	windowAccepted  int

	consecutiveFailures int
}

// NewChain creates a chain for subjectID, seeded deterministically from
// (masterSeed, subjectID, chainIndex) per spec.md §9's determinism rule,
// with eta initialized at 0 per spec.md §4.6.
func NewChain(subjectID int, p int, masterSeed int64, chainIndex int) *Chain {
	seed := masterSeed ^ int64(subjectID)*1000003 ^ int64(chainIndex)*97
	rng := rand.New(rand.NewSource(uint64(seed)))
	return &Chain{
		SubjectID: subjectID,
		Eta:       make([]float64, p),
		stepSize:  1e-1,
		rng:       rng,
		normal:    distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
	}
}

// Init evaluates the log-density at the chain's current eta; must be
// called once before the first Step.
func (c *Chain) Init(ld LogDensity) error {
	l, err := ld(c.Eta)
	if err != nil {
		return err
	}
	c.L = l
	return nil
}

// Step performs one Metropolis-Hastings proposal/accept-reject cycle,
// using an isotropic Gaussian proposal eta' = eta + step*N(0,I), per
// spec.md §4.5. It returns the accepted eta (a copy, safe to retain) and
// whether the proposal was accepted.
func (c *Chain) Step(ld LogDensity) ([]float64, bool) {
	p := len(c.Eta)
	proposal := make([]float64, p)
	for i := 0; i < p; i++ {
		proposal[i] = c.Eta[i] + c.stepSize*c.normal.Rand()
	}

	newL, err := ld(proposal)
	c.proposals++
	c.windowProposals++
	if err != nil {
		c.consecutiveFailures++
		log.Debugf("subject %d: proposal rejected after integration failure (%d consecutive)", c.SubjectID, c.consecutiveFailures)
		c.adapt()
		return append([]float64(nil), c.Eta...), false
	}
	c.consecutiveFailures = 0

	accept := false
	if math.IsNaN(newL) {
		accept = false
	} else {
		logAlpha := newL - c.L
		if logAlpha >= 0 {
			accept = true
		} else if math.Log(c.rng.Float64()) < logAlpha {
			accept = true
		}
	}

	if accept {
		c.Eta = proposal
		c.L = newL
		c.accepted++
		c.windowAccepted++
	}
	c.adapt()
	return append([]float64(nil), c.Eta...), accept
}

// ConsecutiveFailures reports the current run of back-to-back integration
// failures, used by the SAEM driver to detect a persistent subject
// failure per spec.md §4.6/§7.
func (c *Chain) ConsecutiveFailures() int { return c.consecutiveFailures }

// adapt rescales the step size every adaptPeriod proposals to target
// 30-45% acceptance over the most recent window, clamped to [1e-4, 10],
// per spec.md §4.5.
func (c *Chain) adapt() {
	if c.windowProposals < adaptPeriod {
		return
	}
	rate := float64(c.windowAccepted) / float64(c.windowProposals)
	switch {
	case rate > 0.45:
		c.stepSize *= 1.1
	case rate < 0.30:
		c.stepSize *= 0.9
	}
	if c.stepSize < 1e-4 {
		c.stepSize = 1e-4
	}
	if c.stepSize > 10 {
		c.stepSize = 10
	}
	c.windowProposals = 0
	c.windowAccepted = 0
}

// AcceptanceRate returns the chain's overall acceptance fraction so far.
func (c *Chain) AcceptanceRate() float64 {
	if c.proposals == 0 {
		return 0
	}
	return float64(c.accepted) / float64(c.proposals)
}
