package router

import (
	"math"
	"sync"
)

const (
	calibratorMaxObservations = 200
	calibratorMinForECE       = 100
	calibratorBins            = 10
)

type observation struct {
	predicted float64
	correct   bool
}

// Calibrator applies temperature scaling to a rule/intent match's raw
// confidence score based on observed routing outcomes (spec.md §4.7). A
// fresh Calibrator starts at temperature 1 (no adjustment) until enough
// observations accumulate to estimate a calibration error.
type Calibrator struct {
	mu           sync.Mutex
	observations []observation
	temperature  float64
}

// NewCalibrator returns a Calibrator at the neutral temperature.
func NewCalibrator() *Calibrator {
	return &Calibrator{temperature: 1.0}
}

// Record folds in one (predicted confidence, was this routing decision
// correct) outcome, keeping at most the most recent 200 observations.
// Once 100 or more have accumulated it recomputes the Expected
// Calibration Error across 10 bins and, if it exceeds 0.1, scales the
// temperature by 1+0.1·ECE, clamped to [0.1, 10].
func (c *Calibrator) Record(predicted float64, correct bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = append(c.observations, observation{predicted: predicted, correct: correct})
	if len(c.observations) > calibratorMaxObservations {
		c.observations = c.observations[len(c.observations)-calibratorMaxObservations:]
	}
	if len(c.observations) < calibratorMinForECE {
		return
	}
	ece := expectedCalibrationError(c.observations)
	if ece > 0.1 {
		c.temperature = clamp(c.temperature*(1+0.1*ece), 0.1, 10)
	}
}

// Calibrate temperature-scales raw: clamp to [1e-3, 1-1e-3], take the
// logit, divide by the current temperature, and re-sigmoid. At raw=0.5
// this always returns 0.5 regardless of temperature (testable property
// 13); it is monotone non-decreasing in raw for any fixed temperature.
func (c *Calibrator) Calibrate(raw float64) float64 {
	c.mu.Lock()
	t := c.temperature
	c.mu.Unlock()

	p := clamp(raw, 1e-3, 1-1e-3)
	logit := math.Log(p / (1 - p))
	return sigmoid(logit / t)
}

// Temperature returns the calibrator's current scaling factor, mostly
// for the routing explanation's calibration-state narrative.
func (c *Calibrator) Temperature() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temperature
}

// Observations reports how many outcomes this calibrator has folded in.
func (c *Calibrator) Observations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observations)
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// expectedCalibrationError bins observations into `calibratorBins`
// equal-width confidence buckets and returns the count-weighted average
// gap between each bucket's mean predicted confidence and its observed
// accuracy.
func expectedCalibrationError(obs []observation) float64 {
	counts := make([]int, calibratorBins)
	correct := make([]int, calibratorBins)
	confSum := make([]float64, calibratorBins)

	for _, o := range obs {
		idx := int(o.predicted * calibratorBins)
		if idx >= calibratorBins {
			idx = calibratorBins - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
		confSum[idx] += o.predicted
		if o.correct {
			correct[idx]++
		}
	}

	total := len(obs)
	var ece float64
	for i := 0; i < calibratorBins; i++ {
		if counts[i] == 0 {
			continue
		}
		avgConf := confSum[i] / float64(counts[i])
		acc := float64(correct[i]) / float64(counts[i])
		weight := float64(counts[i]) / float64(total)
		ece += weight * math.Abs(avgConf-acc)
	}
	return ece
}
