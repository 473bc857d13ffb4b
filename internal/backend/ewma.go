package backend

import "sync"

// EWMA is an exponentially weighted moving average of observed latencies.
// A fresh instance reports the configured seed until the first sample.
type EWMA struct {
	mu          sync.Mutex
	alpha       float64
	value       float64
	seed        float64
	initialized bool
}

// NewEWMA creates an average with the given smoothing factor and seed value.
// alpha is the weight of each new sample.
func NewEWMA(alpha, seed float64) *EWMA {
	return &EWMA{alpha: alpha, seed: seed}
}

// Add folds one sample into the average.
func (e *EWMA) Add(sample float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		// First real sample replaces the seed entirely.
		e.value = sample
		e.initialized = true
		return
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
}

// AddWeighted folds one sample in with an explicit weight, overriding the
// configured alpha. Health probes use a low weight so a single probe round
// trip does not swamp real request latencies.
func (e *EWMA) AddWeighted(sample, weight float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		e.value = sample
		e.initialized = true
		return
	}
	e.value = weight*sample + (1-weight)*e.value
}

// Value returns the current average, or the seed before any sample.
func (e *EWMA) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return e.seed
	}
	return e.value
}
