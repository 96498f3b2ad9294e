package endpoint

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is wrapped by every configuration error returned from
// [Config.Validate] and [New].
var ErrInvalidConfig = errors.New("endpoint: invalid configuration")

// Defaults tuned for close-talking microphones in a browser.
const (
	DefaultFrameMs             = 30
	DefaultSilenceHoldMs       = 500
	DefaultPrerollMs           = 250
	DefaultStartTriggerFrames  = 5
	DefaultMinUtteranceMs      = 200
	DefaultMaxUtteranceMs      = 20000
	DefaultNoiseAlpha          = 0.02
	DefaultThresholdMultiplier = 3.0
	DefaultThresholdFloor      = 0.008
)

// Config holds the tunables of an [Engine]. Durations are in milliseconds and
// are converted to frame counts once, at construction.
type Config struct {
	// FrameMs is the duration of one classification frame.
	FrameMs int `yaml:"frame_ms"`

	// SilenceHoldMs is how long silence must last before an active utterance
	// ends (hang time). Rounded up to whole frames.
	SilenceHoldMs int `yaml:"silence_hold_ms"`

	// PrerollMs is how much audio before the speech onset is kept and
	// prepended to the utterance. Rounded down to whole frames, minimum one.
	PrerollMs int `yaml:"preroll_ms"`

	// StartTriggerFrames is the number of consecutive speech frames needed
	// to start an utterance.
	StartTriggerFrames int `yaml:"start_trigger_frames"`

	// MinUtteranceMs drops utterances shorter than this (clicks, bumps).
	// Rounded up to whole frames.
	MinUtteranceMs int `yaml:"min_utterance_ms"`

	// MaxUtteranceMs force-ends utterances that reach this length even while
	// speech continues. Rounded up to whole frames.
	MaxUtteranceMs int `yaml:"max_utterance_ms"`

	// NoiseAlpha is the smoothing constant of the noise-floor estimate, in
	// (0, 1]. Small values favour long-run stability.
	NoiseAlpha float64 `yaml:"noise_alpha"`

	// ThresholdMultiplier is how many times louder than the noise floor a
	// frame must be to count as speech.
	ThresholdMultiplier float64 `yaml:"threshold_multiplier"`

	// ThresholdFloor is the absolute minimum RMS threshold. Keeps near-silent
	// rooms from triggering on hiss.
	ThresholdFloor float64 `yaml:"threshold_floor"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		FrameMs:             DefaultFrameMs,
		SilenceHoldMs:       DefaultSilenceHoldMs,
		PrerollMs:           DefaultPrerollMs,
		StartTriggerFrames:  DefaultStartTriggerFrames,
		MinUtteranceMs:      DefaultMinUtteranceMs,
		MaxUtteranceMs:      DefaultMaxUtteranceMs,
		NoiseAlpha:          DefaultNoiseAlpha,
		ThresholdMultiplier: DefaultThresholdMultiplier,
		ThresholdFloor:      DefaultThresholdFloor,
	}
}

// WithDefaults returns a copy of c where every zero-valued field that Validate
// would reject is replaced by its default. PrerollMs, MinUtteranceMs and
// ThresholdFloor accept zero and are kept as they are; negative values are
// kept so that Validate can reject them. The zero Config maps to
// [DefaultConfig].
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c == (Config{}) {
		return d
	}
	if c.FrameMs == 0 {
		c.FrameMs = d.FrameMs
	}
	if c.SilenceHoldMs == 0 {
		c.SilenceHoldMs = d.SilenceHoldMs
	}
	if c.StartTriggerFrames == 0 {
		c.StartTriggerFrames = d.StartTriggerFrames
	}
	if c.MaxUtteranceMs == 0 {
		c.MaxUtteranceMs = d.MaxUtteranceMs
	}
	if c.NoiseAlpha == 0 {
		c.NoiseAlpha = d.NoiseAlpha
	}
	if c.ThresholdMultiplier == 0 {
		c.ThresholdMultiplier = d.ThresholdMultiplier
	}
	return c
}

// Validate checks c for values that would make the engine degenerate:
// non-terminating loops, division by zero, or utterances that can never be
// emitted. sampleRate is the rate the engine will run at. All failures are
// reported together and each wraps [ErrInvalidConfig].
func (c Config) Validate(sampleRate int) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if sampleRate <= 0 {
		bad("sample rate %d must be positive", sampleRate)
	}
	if c.FrameMs <= 0 {
		bad("frame_ms %d must be positive", c.FrameMs)
	} else if sampleRate > 0 && frameSize(sampleRate, c.FrameMs) < 1 {
		bad("frame_ms %d at %d Hz yields an empty frame", c.FrameMs, sampleRate)
	}
	if c.SilenceHoldMs <= 0 {
		bad("silence_hold_ms %d must be positive", c.SilenceHoldMs)
	}
	if c.PrerollMs < 0 {
		bad("preroll_ms %d must not be negative", c.PrerollMs)
	}
	if c.StartTriggerFrames < 1 {
		bad("start_trigger_frames %d must be at least 1", c.StartTriggerFrames)
	}
	if c.MinUtteranceMs < 0 {
		bad("min_utterance_ms %d must not be negative", c.MinUtteranceMs)
	}
	if c.MaxUtteranceMs <= 0 {
		bad("max_utterance_ms %d must be positive", c.MaxUtteranceMs)
	} else if c.FrameMs > 0 && ceilDiv(c.MaxUtteranceMs, c.FrameMs) < ceilDiv(max(c.MinUtteranceMs, 0), c.FrameMs) {
		bad("max_utterance_ms %d is shorter than min_utterance_ms %d", c.MaxUtteranceMs, c.MinUtteranceMs)
	}
	if math.IsNaN(c.NoiseAlpha) || c.NoiseAlpha <= 0 || c.NoiseAlpha > 1 {
		bad("noise_alpha %v must be in (0, 1]", c.NoiseAlpha)
	}
	if math.IsNaN(c.ThresholdMultiplier) || math.IsInf(c.ThresholdMultiplier, 0) || c.ThresholdMultiplier <= 0 {
		bad("threshold_multiplier %v must be a positive number", c.ThresholdMultiplier)
	}
	if math.IsNaN(c.ThresholdFloor) || math.IsInf(c.ThresholdFloor, 0) || c.ThresholdFloor < 0 {
		bad("threshold_floor %v must be a non-negative number", c.ThresholdFloor)
	}

	return errors.Join(errs...)
}

// Timing is a [Config] resolved into frame counts for one sample rate.
type Timing struct {
	SampleRate         int
	FrameSize          int // samples per frame
	SilenceFrames      int // hang time
	PrerollFrames      int // pre-roll ring capacity, ≥ 1
	StartTriggerFrames int
	MinFrames          int
	MaxFrames          int
}

// Timing resolves c for sampleRate. It does not validate; call
// [Config.Validate] first.
func (c Config) Timing(sampleRate int) Timing {
	return Timing{
		SampleRate:         sampleRate,
		FrameSize:          frameSize(sampleRate, c.FrameMs),
		SilenceFrames:      ceilDiv(c.SilenceHoldMs, c.FrameMs),
		PrerollFrames:      max(1, c.PrerollMs/c.FrameMs),
		StartTriggerFrames: c.StartTriggerFrames,
		MinFrames:          ceilDiv(c.MinUtteranceMs, c.FrameMs),
		MaxFrames:          ceilDiv(c.MaxUtteranceMs, c.FrameMs),
	}
}

// frameSize is round(sampleRate·frameMs/1000), halves rounded up.
func frameSize(sampleRate, frameMs int) int {
	return (sampleRate*frameMs + 500) / 1000
}

// ceilDiv assumes a ≥ 0 and b > 0.
func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
