// Package relay forwards utterances to an upstream websocket service using
// the framing of the browser client voxgate replaces:
//
//	→ {"type":"utt_start","uttId":"…","sampleRate":48000}   (text)
//	→ <PCM16 LE mono>                                        (binary)
//	→ {"type":"utt_end","uttId":"…"}                         (text)
//	← {"type":"result","uttId":"…","en":"…","tl":"…"}        (text)
//
// One connection is shared by all sessions; frames of one utterance are never
// interleaved with another's. The connection is dialled lazily and redialled
// after a write failure. Results are published to a [delivery.Results] hub
// and to the [Target.Results] channel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrClosed is returned after [Target.Close].
var ErrClosed = errors.New("relay: target is closed")

// ErrUnauthorized is returned once the upstream has rejected the credentials.
var ErrUnauthorized = errors.New("relay: upstream rejected credentials")

const (
	defaultDialTimeout  = 10 * time.Second
	defaultResultBuffer = 16
	maxPending          = 1024
)

var (
	_ delivery.Target  = (*Target)(nil)
	_ delivery.Checker = (*Target)(nil)
)

// Option configures a [Target].
type Option func(*Target)

// WithName overrides the target name.
func WithName(name string) Option { return func(t *Target) { t.name = name } }

// WithHeaders adds headers to the websocket handshake.
func WithHeaders(h map[string]string) Option {
	return func(t *Target) {
		for k, v := range h {
			t.header.Set(k, v)
		}
	}
}

// WithToken appends ?token=<token> to the upstream URL.
func WithToken(token string) Option { return func(t *Target) { t.token = token } }

// WithResults publishes upstream results to hub.
func WithResults(hub *delivery.Results) Option { return func(t *Target) { t.hub = hub } }

// WithResultBuffer sets the capacity of the [Target.Results] channel.
// Results are dropped when it is full.
func WithResultBuffer(n int) Option { return func(t *Target) { t.resultBuf = n } }

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option { return func(t *Target) { t.dialTimeout = d } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(t *Target) { t.log = l } }

// Target is a websocket relay delivery target.
type Target struct {
	url         string
	token       string
	name        string
	header      http.Header
	hub         *delivery.Results
	resultBuf   int
	dialTimeout time.Duration
	log         *slog.Logger

	results chan delivery.Result

	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	unauthorized bool
	pending      map[string]string // uttId → sessionId
	order        []string

	wg sync.WaitGroup
}

// New validates rawURL and returns a [Target]. No connection is made until the
// first delivery or check.
func New(rawURL string, opts ...Option) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay: url %q must use ws or wss", rawURL)
	}
	t := &Target{
		url:         rawURL,
		name:        "relay",
		header:      http.Header{},
		resultBuf:   defaultResultBuffer,
		dialTimeout: defaultDialTimeout,
		log:         slog.Default(),
		pending:     make(map[string]string),
	}
	for _, o := range opts {
		o(t)
	}
	if t.token != "" {
		q := u.Query()
		q.Set("token", t.token)
		u.RawQuery = q.Encode()
		t.url = u.String()
	}
	t.results = make(chan delivery.Result, t.resultBuf)
	return t, nil
}

// Name returns the target name.
func (t *Target) Name() string { return t.name }

// Results returns upstream results. The channel is closed by [Target.Close].
func (t *Target) Results() <-chan delivery.Result { return t.results }

type startFrame struct {
	Type       string `json:"type"`
	UttID      string `json:"uttId"`
	SampleRate int    `json:"sampleRate"`
}

type endFrame struct {
	Type  string `json:"type"`
	UttID string `json:"uttId"`
}

type inbound struct {
	Type    string `json:"type"`
	UttID   string `json:"uttId"`
	En      string `json:"en"`
	Tl      string `json:"tl"`
	Message string `json:"message"`
}

// Deliver sends u as one framed utterance.
func (t *Target) Deliver(ctx context.Context, u audio.Utterance) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return err
	}
	t.trackLocked(u.ID, u.SessionID)

	err = wsjson.Write(ctx, conn, startFrame{Type: "utt_start", UttID: u.ID, SampleRate: u.SampleRate})
	if err == nil {
		err = conn.Write(ctx, websocket.MessageBinary, u.PCM)
	}
	if err == nil {
		err = wsjson.Write(ctx, conn, endFrame{Type: "utt_end", UttID: u.ID})
	}
	if err != nil {
		// A half-written utterance leaves the upstream mid-frame; start over.
		t.dropConnLocked(websocket.StatusInternalError, "write failed")
		return fmt.Errorf("relay: send %q: %w", u.ID, err)
	}
	return nil
}

// Check dials the upstream if there is no live connection.
func (t *Target) Check(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.connLocked(ctx)
	return err
}

// Close closes the connection, waits for the reader and closes the results
// channel. Further calls return nil.
func (t *Target) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.dropConnLocked(websocket.StatusNormalClosure, "closing")
	t.mu.Unlock()

	t.wg.Wait()
	close(t.results)
	return nil
}

func (t *Target) connLocked(ctx context.Context) (*websocket.Conn, error) {
	switch {
	case t.closed:
		return nil, ErrClosed
	case t.unauthorized:
		return nil, ErrUnauthorized
	case t.conn != nil:
		return t.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{HTTPHeader: t.header})
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	t.conn = conn
	t.log.Info("relay connected", "target", t.name)

	t.wg.Add(1)
	go t.readLoop(conn)
	return conn, nil
}

// dropConnLocked closes the current connection. The reader exits on its own.
func (t *Target) dropConnLocked(code websocket.StatusCode, reason string) {
	if t.conn == nil {
		return
	}
	_ = t.conn.Close(code, reason)
	t.conn = nil
}

func (t *Target) trackLocked(uttID, sessionID string) {
	if uttID == "" {
		return
	}
	if len(t.order) >= maxPending {
		delete(t.pending, t.order[0])
		t.order = t.order[1:]
	}
	t.pending[uttID] = sessionID
	t.order = append(t.order, uttID)
}

func (t *Target) sessionFor(uttID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	sid, ok := t.pending[uttID]
	if ok {
		delete(t.pending, uttID)
	}
	return sid
}

func (t *Target) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				if !t.closed {
					t.log.Warn("relay connection lost", "target", t.name, "err", err)
				}
			}
			t.mu.Unlock()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Debug("relay: ignoring malformed message", "target", t.name, "err", err)
			continue
		}
		t.handle(conn, msg)
	}
}

func (t *Target) handle(conn *websocket.Conn, msg inbound) {
	switch msg.Type {
	case "result":
		r := delivery.Result{
			UtteranceID: msg.UttID,
			SessionID:   t.sessionFor(msg.UttID),
			Target:      t.name,
			Text:        msg.En,
			Translation: msg.Tl,
			At:          time.Now(),
		}
		t.hub.Publish(r)
		select {
		case t.results <- r:
		default:
			t.log.Debug("relay: results channel full, dropping", "target", t.name, "utt_id", msg.UttID)
		}
	case "error":
		if msg.Message == "unauthorized" {
			t.log.Error("relay upstream rejected credentials", "target", t.name)
			t.mu.Lock()
			t.unauthorized = true
			if t.conn == conn {
				t.dropConnLocked(websocket.StatusPolicyViolation, "unauthorized")
			}
			t.mu.Unlock()
			return
		}
		t.log.Warn("relay upstream error", "target", t.name, "message", msg.Message, "utt_id", msg.UttID)
	}
}
