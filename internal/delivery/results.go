package delivery

import (
	"sync"
	"time"
)

// Result is text produced by a target for one utterance: a transcript, and
// for relay upstreams possibly a translation.
type Result struct {
	// UtteranceID matches [audio.Utterance.ID].
	UtteranceID string

	// SessionID matches [audio.Utterance.SessionID].
	SessionID string

	// Target is the name of the target that produced the result.
	Target string

	// Text is the recognised text.
	Text string

	// Translation is set by upstreams that also translate.
	Translation string

	// At is when the result arrived.
	At time.Time
}

// Results routes [Result] values to per-session subscribers. Targets publish;
// the gateway subscribes each websocket session so the client sees what was
// recognised. A nil *Results discards everything.
type Results struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]func(Result)
	all  map[uint64]func(Result)
}

// NewResults returns an empty hub.
func NewResults() *Results {
	return &Results{
		subs: make(map[string]map[uint64]func(Result)),
		all:  make(map[uint64]func(Result)),
	}
}

// Publish hands r to every subscriber of r.SessionID and to every global
// subscriber. Subscribers are called synchronously and must not block.
func (h *Results) Publish(r Result) {
	if h == nil {
		return
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.subs[r.SessionID] {
		fn(r)
	}
	for _, fn := range h.all {
		fn(r)
	}
}

// Subscribe registers fn for results of sessionID. An empty sessionID
// subscribes to all sessions. The returned func removes the subscription.
func (h *Results) Subscribe(sessionID string, fn func(Result)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if sessionID == "" {
		h.all[id] = fn
		return func() {
			h.mu.Lock()
			delete(h.all, id)
			h.mu.Unlock()
		}
	}
	m := h.subs[sessionID]
	if m == nil {
		m = make(map[uint64]func(Result))
		h.subs[sessionID] = m
	}
	m[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[sessionID], id)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
}
