package gateway

import "sync"

// Gate implements push-to-talk: utterances pass while the talk control is
// held, plus the single utterance completed by releasing it. A disabled gate
// passes everything. Safe for concurrent use.
type Gate struct {
	mu        sync.Mutex
	enabled   bool
	pressed   bool
	allowNext bool
}

// NewGate returns a released gate.
func NewGate(enabled bool) *Gate {
	return &Gate{enabled: enabled}
}

// SetEnabled turns gating on or off.
func (g *Gate) SetEnabled(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = on
}

// Enabled reports whether gating is on.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Press marks the talk control as held. A pending release allowance is
// cleared.
func (g *Gate) Press() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pressed = true
	g.allowNext = false
}

// Release marks the talk control as released and lets the next utterance
// through. The caller force-ends the engine right after, then calls Settle.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pressed = false
	g.allowNext = true
}

// Settle withdraws an unused release allowance. Without it a release with
// nothing in flight would let the next unrelated utterance through.
func (g *Gate) Settle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowNext = false
}

// Pressed reports whether the talk control is held.
func (g *Gate) Pressed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pressed
}

// Allow decides whether an utterance completed now may pass. Any passing
// utterance consumes the release allowance.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return true
	}
	if !g.pressed && !g.allowNext {
		return false
	}
	g.allowNext = false
	return true
}
