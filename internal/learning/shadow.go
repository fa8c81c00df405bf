package learning

import (
	"math/rand"
	"time"
)

// CandidatePolicy proposes an alternative weight set to evaluate in the
// shadow of the live weights. It is an interface so the naive randomized
// policy can be replaced with an error-attribution-driven generator
// without touching the surrounding update loop.
type CandidatePolicy interface {
	Propose(weights map[string]float64) map[string]float64
}

// RandomPerturbation is the default policy: each weight is perturbed by
// uniform noise within +/-Noise of its current value.
type RandomPerturbation struct {
	// Noise is the relative perturbation bound, e.g. 0.1 for +/-10%.
	Noise float64

	rng *rand.Rand
}

// NewRandomPerturbation creates the default candidate policy.
func NewRandomPerturbation(noise float64) *RandomPerturbation {
	if noise <= 0 {
		noise = 0.1
	}
	return &RandomPerturbation{
		Noise: noise,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Propose returns a perturbed copy of the weights.
func (p *RandomPerturbation) Propose(weights map[string]float64) map[string]float64 {
	candidate := make(map[string]float64, len(weights))
	for k, w := range weights {
		candidate[k] = w * (1 + (p.rng.Float64()*2-1)*p.Noise)
	}
	return candidate
}
