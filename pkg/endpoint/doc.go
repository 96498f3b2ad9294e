// Package endpoint implements streaming voice-activity endpointing: it turns
// an unbounded stream of float audio samples into discrete, self-contained
// utterances.
//
// Samples of any chunk size are reframed into fixed-duration frames. Each
// frame is classified as speech or silence by comparing its RMS loudness to
// an adaptive threshold derived from a smoothed noise floor. A two-state
// machine (idle / in utterance) starts an utterance after a run of speech
// frames, seeds it with a short pre-roll so the onset is not clipped, and
// ends it after a configurable silence hang time, a hard duration cap, or an
// explicit [Engine.ForceEnd]. Completed utterances that meet the minimum
// length are handed to a [Sink] as PCM16 mono buffers exactly once.
//
// An [Engine] is single-threaded: Ingest and ForceEnd must be called from
// one goroutine (typically the audio callback or the reader loop of a
// stream). The engine never blocks and never allocates without bound; the
// pre-roll ring and the maximum utterance length cap all buffering.
//
// Usage:
//
//	eng, err := endpoint.New(endpoint.DefaultConfig(), 48000,
//	    endpoint.SinkFunc(func(u audio.Utterance) { ... }))
//	if err != nil { … }
//	eng.Ingest(samples) // repeatedly, any chunk size
//	eng.ForceEnd()      // e.g. when a push-to-talk control is released
package endpoint
