package endpoint

import "math"

// Classifier decides whether a frame is speech by comparing its RMS loudness
// to an adaptive threshold. The threshold follows an exponentially smoothed
// noise floor that only moves while the engine is idle, so a long utterance
// cannot drag the floor up and desensitise detection.
//
// The zero value is not usable; use [NewClassifier].
type Classifier struct {
	alpha      float64
	multiplier float64
	floor      float64

	noiseFloor float64
}

// NewClassifier returns a classifier with the given smoothing constant,
// threshold multiplier and absolute threshold floor.
func NewClassifier(alpha, multiplier, floor float64) *Classifier {
	return &Classifier{alpha: alpha, multiplier: multiplier, floor: floor}
}

// Decision is the outcome of classifying one frame.
type Decision struct {
	Speech     bool
	RMS        float64
	Threshold  float64
	NoiseFloor float64 // after this frame's update
}

// Classify decides whether frame is speech. While state is [StateIdle] the
// frame's RMS is folded into the noise floor before the decision is made.
func (c *Classifier) Classify(frame []float32, state State) Decision {
	r := RMS(frame)
	if state == StateIdle {
		// An exactly-zero floor is treated as unseeded, so digital silence at
		// stream start does not bias the estimate toward zero.
		if c.noiseFloor == 0 {
			c.noiseFloor = r
		}
		c.noiseFloor = (1-c.alpha)*c.noiseFloor + c.alpha*r
	}
	thr := c.Threshold()
	return Decision{
		Speech:     r > thr,
		RMS:        r,
		Threshold:  thr,
		NoiseFloor: c.noiseFloor,
	}
}

// Threshold returns the current decision threshold.
func (c *Classifier) Threshold() float64 {
	return math.Max(c.floor, c.noiseFloor*c.multiplier)
}

// NoiseFloor returns the current noise-floor estimate.
func (c *Classifier) NoiseFloor() float64 { return c.noiseFloor }

// Reset forgets the noise-floor estimate.
func (c *Classifier) Reset() { c.noiseFloor = 0 }

// RMS returns the root-mean-square of frame, or 0 for an empty frame. NaN
// samples count as 0 and infinities as full scale, so the result is always
// finite and one corrupt sample cannot poison the noise floor.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case math.IsInf(v, 0):
			v = 1
		}
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
