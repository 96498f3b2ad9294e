package endpoint

import "github.com/MrWong99/voxgate/pkg/audio"

// Sink receives completed utterances. Emit is called synchronously from
// [Engine.Ingest] or [Engine.ForceEnd] and must not block; a sink that does
// slow work (network sends, disk writes) must hand the utterance off to
// another goroutine. Ownership of u.PCM passes to the sink.
type Sink interface {
	Emit(u audio.Utterance)
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(u audio.Utterance)

// Emit calls f(u).
func (f SinkFunc) Emit(u audio.Utterance) { f(u) }

// Observer receives per-frame and per-utterance notifications from an
// [Engine]. Like [Sink], every method runs on the engine's goroutine and must
// return quickly. Embed [NopObserver] to implement only part of it.
type Observer interface {
	// FrameClassified is called once per frame after classification.
	FrameClassified(speech bool, rms, threshold float64)

	// UtteranceStarted is called when the engine enters [StateInUtterance].
	// prerollFrames is the number of frames seeded from the pre-roll ring.
	UtteranceStarted(prerollFrames int)

	// UtteranceEnded is called on every termination, after trimming.
	// emitted is false when the utterance was discarded as too short.
	UtteranceEnded(reason EndReason, frames int, emitted bool)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) FrameClassified(bool, float64, float64) {}
func (NopObserver) UtteranceStarted(int)                   {}
func (NopObserver) UtteranceEnded(EndReason, int, bool)    {}
