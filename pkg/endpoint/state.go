package endpoint

// State is the engine's position in the endpointing state machine.
type State int

const (
	// StateIdle: waiting for a run of speech frames; frames go to the
	// pre-roll ring and the noise floor adapts.
	StateIdle State = iota

	// StateInUtterance: frames are accumulated until hang time, the length
	// cap, or a forced end.
	StateInUtterance
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUtterance:
		return "in_utterance"
	}
	return "unknown"
}

// EndReason says why an utterance terminated.
type EndReason int

const (
	// EndSilence: the silence hang time elapsed.
	EndSilence EndReason = iota

	// EndMaxDuration: the utterance hit the hard length cap.
	EndMaxDuration

	// EndForced: [Engine.ForceEnd] was called.
	EndForced
)

// String implements fmt.Stringer.
func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence"
	case EndMaxDuration:
		return "max_duration"
	case EndForced:
		return "forced"
	}
	return "unknown"
}
