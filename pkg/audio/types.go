package audio

import "time"

// Utterance is one completed span of speech as produced by the endpointing
// engine: 16-bit signed little-endian mono PCM at SampleRate.
//
// The PCM slice is owned by whoever holds the Utterance. Producers never
// retain a reference after handing it off.
type Utterance struct {
	// ID correlates the utterance across delivery targets (relay framing,
	// archive rows, file names). Assigned by the gateway, may be empty for
	// utterances emitted directly by an engine.
	ID string

	// PCM holds 16-bit signed little-endian mono samples.
	PCM []byte

	// SampleRate in Hz, fixed for the lifetime of the engine that produced it.
	SampleRate int

	// SessionID identifies the ingest session the utterance came from.
	SessionID string

	// EmittedAt is the wall-clock time the engine handed the utterance off.
	EmittedAt time.Time
}

// Samples returns the number of PCM16 samples in the utterance.
func (u Utterance) Samples() int {
	return len(u.PCM) / 2
}

// Duration returns the playback length of the utterance. It is zero when the
// sample rate is unknown.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(u.Samples()) * time.Second / time.Duration(u.SampleRate)
}
