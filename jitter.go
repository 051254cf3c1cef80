package framesync

import (
	"math"

	"github.com/samber/lo"
)

// jitterEstimator tracks how far inter-arrival times deviate from the
// nominal frame interval over a bounded window of samples. All values are
// in seconds.
type jitterEstimator struct {
	expectedInterval float64
	window           int
	samples          []float64
	lastArrival      float64
	hasArrival       bool
	average          float64
}

func newJitterEstimator(expectedInterval float64, window int) *jitterEstimator {
	return &jitterEstimator{
		expectedInterval: expectedInterval,
		window:           window,
		samples:          make([]float64, 0, window),
	}
}

// observe records an arrival and updates the running average. The first
// arrival only seeds the baseline and produces no sample.
func (je *jitterEstimator) observe(arrival float64) {
	if !je.hasArrival {
		je.lastArrival = arrival
		je.hasArrival = true
		return
	}

	interArrival := arrival - je.lastArrival
	je.lastArrival = arrival

	je.samples = append(je.samples, math.Abs(interArrival-je.expectedInterval))
	if len(je.samples) > je.window {
		je.samples = je.samples[1:]
	}
	je.average = lo.Sum(je.samples) / float64(len(je.samples))
}

// averageJitter returns the current mean deviation in seconds.
func (je *jitterEstimator) averageJitter() float64 {
	return je.average
}

// reset discards all samples and the arrival baseline.
func (je *jitterEstimator) reset() {
	je.samples = je.samples[:0]
	je.lastArrival = 0
	je.hasArrival = false
	je.average = 0
}
