package endpoint

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Engine is the streaming endpointing state machine. See the package
// documentation for the algorithm. An Engine is not safe for concurrent use.
type Engine struct {
	cfg    Config
	timing Timing
	sink   Sink
	obs    Observer
	log    *slog.Logger
	now    func() time.Time

	cls   *Classifier
	state State

	carry []float32 // samples not yet framed; always < FrameSize between calls
	pcm   []int16   // scratch: the current frame quantized
	frame []byte    // scratch: pcm as little-endian bytes
	ring  *frameRing

	acc       []byte // utterance being built; nil while idle
	accFrames int

	speechRun int
	silentRun int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithObserver attaches an [Observer] for metrics or debugging.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.obs = o
		}
	}
}

// WithLogger sets the logger used for debug output. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the clock used to stamp emitted utterances.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine running at sampleRate that emits into sink. The
// configuration is validated; degenerate values yield an error wrapping
// [ErrInvalidConfig].
func New(cfg Config, sampleRate int, sink Sink, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(sampleRate); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: sink must not be nil", ErrInvalidConfig)
	}
	t := cfg.Timing(sampleRate)
	e := &Engine{
		cfg:    cfg,
		timing: t,
		sink:   sink,
		obs:    NopObserver{},
		log:    slog.Default(),
		now:    time.Now,
		cls:    NewClassifier(cfg.NoiseAlpha, cfg.ThresholdMultiplier, cfg.ThresholdFloor),
		carry:  make([]float32, 0, t.FrameSize*2),
		pcm:    make([]int16, t.FrameSize),
		frame:  make([]byte, t.FrameSize*2),
		ring:   newFrameRing(t.PrerollFrames, t.FrameSize*2),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Ingest feeds a chunk of mono samples in [-1, 1] (out-of-range values are
// clamped). Every complete frame is processed before Ingest returns; a
// partial frame stays buffered for the next call. An empty chunk is a no-op.
func (e *Engine) Ingest(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	e.carry = append(e.carry, chunk...)

	size := e.timing.FrameSize
	off := 0
	for len(e.carry)-off >= size {
		e.step(e.carry[off : off+size])
		off += size
	}
	n := copy(e.carry, e.carry[off:])
	e.carry = e.carry[:n]
}

// ForceEnd ends the current utterance immediately, as if the hang time had
// elapsed, without trimming trailing silence. The minimum-length policy still
// applies. It is a no-op while idle.
func (e *Engine) ForceEnd() {
	if e.state != StateInUtterance {
		return
	}
	e.finish(EndForced)
}

// Reset drops all state, including buffered samples and the noise-floor
// estimate, without emitting. Use it when the input stream restarts.
func (e *Engine) Reset() {
	e.resetUtterance()
	e.cls.Reset()
	e.carry = e.carry[:0]
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Timing returns the resolved frame counts.
func (e *Engine) Timing() Timing { return e.timing }

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// NoiseFloor returns the classifier's current noise-floor estimate.
func (e *Engine) NoiseFloor() float64 { return e.cls.NoiseFloor() }

// Buffered returns the number of samples waiting for a complete frame.
func (e *Engine) Buffered() int { return len(e.carry) }

// PendingFrames returns the length of the utterance being built, in frames.
func (e *Engine) PendingFrames() int { return e.accFrames }

// step classifies, quantizes and advances the state machine for one frame.
func (e *Engine) step(samples []float32) {
	d := e.cls.Classify(samples, e.state)
	e.obs.FrameClassified(d.Speech, d.RMS, d.Threshold)

	e.pcm = audio.Quantize(samples, e.pcm)
	audio.PutInt16s(e.frame, e.pcm)

	switch e.state {
	case StateIdle:
		e.ring.push(e.frame)
		if d.Speech {
			e.speechRun++
		} else {
			e.speechRun = 0
		}
		if e.speechRun >= e.timing.StartTriggerFrames {
			e.start()
		}

	case StateInUtterance:
		e.acc = append(e.acc, e.frame...)
		e.accFrames++
		if d.Speech {
			e.silentRun = 0
		} else {
			e.silentRun++
		}
		switch {
		case e.silentRun >= e.timing.SilenceFrames:
			e.finish(EndSilence)
		case e.accFrames >= e.timing.MaxFrames:
			e.finish(EndMaxDuration)
		}
	}
}

// start enters StateInUtterance, seeding the utterance with the pre-roll.
func (e *Engine) start() {
	n := e.ring.len()
	e.acc = e.ring.appendTo(make([]byte, 0, (n+e.timing.SilenceFrames+1)*len(e.frame)))
	e.accFrames = n
	e.state = StateInUtterance
	e.silentRun = 0
	e.speechRun = 0
	e.obs.UtteranceStarted(n)
	e.log.Debug("endpoint: utterance started", "preroll_frames", n, "noise_floor", e.cls.NoiseFloor())
}

// finish terminates the current utterance, emits or discards it, and resets.
func (e *Engine) finish(reason EndReason) {
	// Drop the hang-time padding; never trim the utterance away entirely.
	if reason == EndSilence && e.silentRun < e.accFrames {
		e.accFrames -= e.silentRun
		e.acc = e.acc[:e.accFrames*len(e.frame)]
	}

	frames := e.accFrames
	emitted := frames >= e.timing.MinFrames
	if emitted {
		u := audio.Utterance{
			PCM:        e.acc,
			SampleRate: e.timing.SampleRate,
			EmittedAt:  e.now(),
		}
		// Hand off ownership before calling out so a re-entrant sink sees a
		// clean engine.
		e.acc = nil
		e.resetUtterance()
		e.sink.Emit(u)
	} else {
		e.resetUtterance()
	}

	e.obs.UtteranceEnded(reason, frames, emitted)
	e.log.Debug("endpoint: utterance ended",
		"reason", reason.String(),
		"frames", frames,
		"emitted", emitted,
	)
}

// resetUtterance returns the machine to StateIdle. Every termination path
// goes through here.
func (e *Engine) resetUtterance() {
	e.state = StateIdle
	e.acc = nil
	e.accFrames = 0
	e.silentRun = 0
	e.speechRun = 0
	e.ring.clear()
}
