package match

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Selector draws weighted random picks. It is safe for concurrent use.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector returns a Selector backed by rng. A nil rng is seeded from the clock.
func NewSelector(rng *rand.Rand) *Selector {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>17|1))
	}
	return &Selector{rng: rng}
}

// Pick returns the index chosen from weights, or -1 when weights is empty.
// Weights that are unset or non-positive count as 1. A uniform value in
// [0, total) is drawn and weights are subtracted in order until it is no
// longer positive.
func (s *Selector) Pick(weights []float64) int {
	if len(weights) == 0 {
		return -1
	}
	total := 0.0
	for _, w := range weights {
		total += normWeight(w)
	}
	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()
	for i, w := range weights {
		r -= normWeight(w)
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

func normWeight(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}

// PickString returns the value chosen by weight, or false when values is empty.
func (s *Selector) PickString(values []string, weights []float64) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	ws := make([]float64, len(values))
	copy(ws, weights)
	return values[s.Pick(ws)], true
}
