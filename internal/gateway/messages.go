package gateway

// Control message types sent by clients as text frames.
const (
	MsgForceEnd = "force_end"
	MsgPTTDown  = "ptt_down"
	MsgPTTUp    = "ptt_up"
	MsgReset    = "reset"
	MsgPing     = "ping"
)

// Message types sent by the server.
const (
	MsgReady     = "ready"
	MsgUtterance = "utterance"
	MsgResult    = "result"
	MsgError     = "error"
	MsgPong      = "pong"
)

// Codecs accepted in the ?codec= query parameter.
const (
	CodecFloat32 = "f32"
	CodecPCM16   = "pcm16"
	CodecOpus    = "opus"
)

type controlMessage struct {
	Type string `json:"type"`
}

// readyMessage is the first message of every session.
type readyMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	SampleRate int    `json:"sampleRate"`
	Codec      string `json:"codec"`
	FrameSize  int    `json:"frameSize"`
	PushToTalk bool   `json:"pushToTalk"`
}

// utteranceMessage acknowledges an utterance handed to delivery.
type utteranceMessage struct {
	Type       string `json:"type"`
	UttID      string `json:"uttId"`
	Samples    int    `json:"samples"`
	SampleRate int    `json:"sampleRate"`
	DurationMs int64  `json:"durationMs"`
}

// resultMessage carries a transcript back to the client. The en/tl keys
// match the relay upstream protocol.
type resultMessage struct {
	Type   string `json:"type"`
	UttID  string `json:"uttId"`
	En     string `json:"en"`
	Tl     string `json:"tl,omitempty"`
	Target string `json:"target"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
}
