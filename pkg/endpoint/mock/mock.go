// Package mock provides test doubles for the endpoint package interfaces.
//
// Use Sink to capture emitted utterances and Observer to inspect the
// per-frame and per-utterance notifications of an engine.
//
// Example:
//
//	sink := &mock.Sink{}
//	eng, _ := endpoint.New(endpoint.DefaultConfig(), 16000, sink)
//	eng.Ingest(samples)
//	got := sink.Utterances()
package mock

import (
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/endpoint"
)

// Sink is a mock implementation of endpoint.Sink that records every emission.
type Sink struct {
	mu sync.Mutex

	// OnEmit, if non-nil, is called after the utterance has been recorded.
	OnEmit func(u audio.Utterance)

	emitted []audio.Utterance
}

// Emit records u and calls OnEmit.
func (s *Sink) Emit(u audio.Utterance) {
	s.mu.Lock()
	s.emitted = append(s.emitted, u)
	fn := s.OnEmit
	s.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// Utterances returns a copy of every recorded utterance in emission order.
func (s *Sink) Utterances() []audio.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Utterance, len(s.emitted))
	copy(out, s.emitted)
	return out
}

// Count returns the number of recorded utterances.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emitted)
}

// Reset clears all recorded utterances. Thread-safe.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = nil
}

// Ensure Sink implements endpoint.Sink at compile time.
var _ endpoint.Sink = (*Sink)(nil)

// EndCall records a single invocation of Observer.UtteranceEnded.
type EndCall struct {
	Reason  endpoint.EndReason
	Frames  int
	Emitted bool
}

// Observer is a mock implementation of endpoint.Observer.
type Observer struct {
	mu sync.Mutex

	// SpeechFrames and SilenceFrames count FrameClassified calls by outcome.
	SpeechFrames  int
	SilenceFrames int

	// Starts records the prerollFrames argument of each UtteranceStarted call.
	Starts []int

	// Ends records every UtteranceEnded call in order.
	Ends []EndCall
}

func (o *Observer) FrameClassified(speech bool, _, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if speech {
		o.SpeechFrames++
	} else {
		o.SilenceFrames++
	}
}

func (o *Observer) UtteranceStarted(prerollFrames int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Starts = append(o.Starts, prerollFrames)
}

func (o *Observer) UtteranceEnded(reason endpoint.EndReason, frames int, emitted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Ends = append(o.Ends, EndCall{Reason: reason, Frames: frames, Emitted: emitted})
}

// Ensure Observer implements endpoint.Observer at compile time.
var _ endpoint.Observer = (*Observer)(nil)
