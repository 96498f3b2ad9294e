package gateway_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/endpoint"
	"github.com/MrWong99/voxgate/pkg/endpoint/mock"
)

const (
	testRate  = 16000
	frameSize = 160 // 10 ms at 16 kHz
)

// testEndpoint uses 10 ms frames: a two-frame trigger, 20 ms of pre-roll and
// a 30 ms hang time.
func testEndpoint() endpoint.Config {
	return endpoint.Config{
		FrameMs:             10,
		SilenceHoldMs:       30,
		PrerollMs:           20,
		StartTriggerFrames:  2,
		MinUtteranceMs:      30,
		MaxUtteranceMs:      5000,
		NoiseAlpha:          0.02,
		ThresholdMultiplier: 3,
		ThresholdFloor:      0.008,
	}
}

// frames returns n frames at constant level.
func frames(n int, level float32) []float32 {
	out := make([]float32, n*frameSize)
	for i := range out {
		out[i] = level
	}
	return out
}

// speech is 10 quiet frames, 10 loud frames and 10 quiet frames. With
// testEndpoint it yields one utterance of 10 frames (1600 samples) once the
// hang time has passed.
func speech() []float32 {
	var s []float32
	s = append(s, frames(10, 0.001)...)
	s = append(s, frames(10, 0.5)...)
	s = append(s, frames(10, 0.001)...)
	return s
}

type harness struct {
	t    *testing.T
	srv  *gateway.Server
	http *httptest.Server
	sink *mock.Sink
	hub  *delivery.Results
}

func newHarness(t *testing.T, pushToTalk bool) *harness {
	t.Helper()
	var n atomic.Int64
	h := &harness{t: t, sink: &mock.Sink{}, hub: delivery.NewResults()}
	srv, err := gateway.NewServer(gateway.Config{
		DefaultSampleRate: testRate,
		MaxSampleRate:     48000,
		PushToTalk:        pushToTalk,
		ReadLimit:         1 << 20,
		Endpoint:          testEndpoint(),
	}, h.sink,
		gateway.WithResults(h.hub),
		gateway.WithIDGenerator(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h.srv = srv
	h.http = httptest.NewServer(srv)
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) dial(query string) *websocket.Conn {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// message is the union of all server messages.
type message struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	SampleRate int    `json:"sampleRate"`
	FrameSize  int    `json:"frameSize"`
	PushToTalk bool   `json:"pushToTalk"`
	UttID      string `json:"uttId"`
	Samples    int    `json:"samples"`
	DurationMs int64  `json:"durationMs"`
	En         string `json:"en"`
	Tl         string `json:"tl"`
	Message    string `json:"message"`
}

func read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m message
	if err := wsjson.Read(ctx, conn, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func expect(t *testing.T, conn *websocket.Conn, typ string) message {
	t.Helper()
	m := read(t, conn)
	if m.Type != typ {
		t.Fatalf("expected %q message, got %+v", typ, m)
	}
	return m
}

// float32LE encodes samples the way a browser sends a Float32Array.
func float32LE(samples []float32) []byte {
	b := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
	return b
}

func sendAudio(t *testing.T, conn *websocket.Conn, samples []float32) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageBinary, float32LE(samples)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
}

func sendControl(t *testing.T, conn *websocket.Conn, typ string) {
	t.Helper()
	if err := wsjson.Write(context.Background(), conn, map[string]string{"type": typ}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func TestSession_EmitsAndAcknowledges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	conn := h.dial("")

	ready := expect(t, conn, gateway.MsgReady)
	if ready.SampleRate != testRate || ready.FrameSize != frameSize || ready.SessionID == "" {
		t.Fatalf("ready: %+v", ready)
	}

	sendAudio(t, conn, speech())
	ack := expect(t, conn, gateway.MsgUtterance)
	if ack.Samples != 1600 || ack.DurationMs != 100 || ack.UttID == "" {
		t.Errorf("ack: %+v", ack)
	}

	got := h.sink.Utterances()
	if len(got) != 1 {
		t.Fatalf("sink: got %d utterances, want 1", len(got))
	}
	u := got[0]
	if u.ID != ack.UttID || u.SessionID != ready.SessionID || u.SampleRate != testRate {
		t.Errorf("utterance: id=%q session=%q rate=%d", u.ID, u.SessionID, u.SampleRate)
	}
	if len(u.PCM) != 1600*2 {
		t.Errorf("pcm bytes: got %d, want %d", len(u.PCM), 1600*2)
	}
}

func TestSession_ChunkedIngest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	conn := h.dial("?sample_rate=16000")
	expect(t, conn, gateway.MsgReady)

	// Odd chunk sizes exercise the engine's carry buffer.
	s := speech()
	for len(s) > 0 {
		n := min(97, len(s))
		sendAudio(t, conn, s[:n])
		s = s[n:]
	}
	if ack := expect(t, conn, gateway.MsgUtterance); ack.Samples != 1600 {
		t.Errorf("ack samples: got %d, want 1600", ack.Samples)
	}
}

func TestSession_PCM16Codec(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	conn := h.dial("?codec=pcm16")
	expect(t, conn, gateway.MsgReady)

	pcm := make([]int16, 0, 30*frameSize)
	for _, x := range speech() {
		pcm = append(pcm, audio.QuantizeSample(x))
	}
	if err := conn.Write(context.Background(), websocket.MessageBinary, audio.Int16sToBytes(pcm)); err != nil {
		t.Fatal(err)
	}
	if ack := expect(t, conn, gateway.MsgUtterance); ack.Samples != 1600 {
		t.Errorf("ack samples: got %d, want 1600", ack.Samples)
	}
}

func TestSession_ForceEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	conn := h.dial("")
	expect(t, conn, gateway.MsgReady)

	var s []float32
	s = append(s, frames(10, 0.001)...)
	s = append(s, frames(6, 0.5)...)
	sendAudio(t, conn, s)
	sendControl(t, conn, gateway.MsgForceEnd)

	// Two pre-roll frames plus four more: no trailing trim on a forced end.
	if ack := expect(t, conn, gateway.MsgUtterance); ack.Samples != 6*frameSize {
		t.Errorf("ack samples: got %d, want %d", ack.Samples, 6*frameSize)
	}
}

func TestSession_PushToTalk(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	conn := h.dial("")
	if ready := expect(t, conn, gateway.MsgReady); !ready.PushToTalk {
		t.Fatal("ready should report push-to-talk")
	}

	// Not pressed: the utterance is gated. The pong proves it was processed.
	sendAudio(t, conn, speech())
	sendControl(t, conn, gateway.MsgPing)
	expect(t, conn, gateway.MsgPong)
	if n := h.sink.Count(); n != 0 {
		t.Fatalf("gated utterance reached the sink: %d", n)
	}

	// Pressed: passes.
	sendControl(t, conn, gateway.MsgPTTDown)
	sendAudio(t, conn, speech())
	expect(t, conn, gateway.MsgUtterance)

	// Release mid-utterance: the forced end passes exactly once.
	var s []float32
	s = append(s, frames(10, 0.001)...)
	s = append(s, frames(6, 0.5)...)
	sendAudio(t, conn, s)
	sendControl(t, conn, gateway.MsgPTTUp)
	expect(t, conn, gateway.MsgUtterance)

	// Released with nothing in flight: the allowance is withdrawn.
	sendControl(t, conn, gateway.MsgPTTDown)
	sendControl(t, conn, gateway.MsgPTTUp)
	sendAudio(t, conn, speech())
	sendControl(t, conn, gateway.MsgPing)
	expect(t, conn, gateway.MsgPong)

	if n := h.sink.Count(); n != 2 {
		t.Errorf("sink: got %d utterances, want 2", n)
	}
}

func TestSession_DisconnectForcesEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	conn := h.dial("")
	expect(t, conn, gateway.MsgReady)

	var s []float32
	s = append(s, frames(10, 0.001)...)
	s = append(s, frames(8, 0.5)...)
	sendAudio(t, conn, s)
	sendControl(t, conn, gateway.MsgPing)
	expect(t, conn, gateway.MsgPong)
	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for h.sink.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("in-flight utterance was not emitted on disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.sink.Utterances()[0].Samples(); got != 8*frameSize {
		t.Errorf("samples: got %d, want %d", got, 8*frameSize)
	}
}

func TestSession_ResultsRoutedToSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	a := h.dial("")
	b := h.dial("")
	readyA := expect(t, a, gateway.MsgReady)
	expect(t, b, gateway.MsgReady)

	h.hub.Publish(delivery.Result{SessionID: readyA.SessionID, UtteranceID: "u-9", Text: "hello", Translation: "hallo", Target: "relay"})
	res := expect(t, a, gateway.MsgResult)
	if res.UttID != "u-9" || res.En != "hello" || res.Tl != "hallo" {
		t.Errorf("result: %+v", res)
	}

	// b sees only its own pong.
	sendControl(t, b, gateway.MsgPing)
	expect(t, b, gateway.MsgPong)
}

func TestSession_ControlErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	conn := h.dial("")
	expect(t, conn, gateway.MsgReady)

	if err := conn.Write(context.Background(), websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if m := expect(t, conn, gateway.MsgError); !strings.Contains(m.Message, "malformed") {
		t.Errorf("message: %q", m.Message)
	}
	sendControl(t, conn, "dance")
	if m := expect(t, conn, gateway.MsgError); !strings.Contains(m.Message, "dance") {
		t.Errorf("message: %q", m.Message)
	}
}

func TestServeHTTP_RejectsBadParams(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	tests := []struct {
		name  string
		query string
	}{
		{"non-numeric rate", "?sample_rate=fast"},
		{"zero rate", "?sample_rate=0"},
		{"rate above max", "?sample_rate=96000"},
		{"unknown codec", "?codec=mp3"},
		{"opus at unsupported rate", "?codec=opus&sample_rate=44100"},
		{"frame shorter than a sample", "?sample_rate=10"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(h.http.URL + "/ws" + tc.query)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestServer_HotReload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)

	bad := testEndpoint()
	bad.StartTriggerFrames = 0
	if err := h.srv.SetEndpointConfig(bad); err == nil {
		t.Error("invalid endpoint config should be rejected")
	}

	next := testEndpoint()
	next.FrameMs = 20
	if err := h.srv.SetEndpointConfig(next); err != nil {
		t.Fatalf("SetEndpointConfig: %v", err)
	}
	conn := h.dial("")
	if ready := expect(t, conn, gateway.MsgReady); ready.FrameSize != 320 {
		t.Errorf("new session frame size: got %d, want 320", ready.FrameSize)
	}

	h.srv.SetPushToTalk(true)
	sendAudio(t, conn, frames(60, 0))
	sendControl(t, conn, gateway.MsgPing)
	expect(t, conn, gateway.MsgPong)
}

func TestServer_Shutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	conn := h.dial("")
	expect(t, conn, gateway.MsgReady)

	var s []float32
	s = append(s, frames(10, 0.001)...)
	s = append(s, frames(8, 0.5)...)
	sendAudio(t, conn, s)
	sendControl(t, conn, gateway.MsgPing)
	expect(t, conn, gateway.MsgPong)

	// Keep reading so the client answers the server's close handshake.
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.srv.Sessions() != 0 {
		t.Errorf("sessions after shutdown: %d", h.srv.Sessions())
	}
	if h.sink.Count() != 1 {
		t.Errorf("in-flight utterance should be emitted on shutdown, got %d", h.sink.Count())
	}

	resp, err := http.Get(h.http.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown: got %d, want 503", resp.StatusCode)
	}
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()
	if _, err := gateway.NewServer(gateway.Config{DefaultSampleRate: testRate, Endpoint: testEndpoint()}, nil); err == nil {
		t.Error("nil sink should be rejected")
	}
	if _, err := gateway.NewServer(gateway.Config{Endpoint: testEndpoint()}, &mock.Sink{}); err == nil {
		t.Error("zero sample rate should be rejected")
	}
	bad := testEndpoint()
	bad.NoiseAlpha = 2
	if _, err := gateway.NewServer(gateway.Config{DefaultSampleRate: testRate, Endpoint: bad}, &mock.Sink{}); err == nil {
		t.Error("invalid endpoint config should be rejected")
	}
}
