// Package gateway serves the websocket ingest endpoint.
//
// A client opens GET /ws?sample_rate=N&codec=f32|pcm16|opus and streams audio
// as binary messages. Each connection gets its own endpointing engine; every
// completed utterance passes the session's push-to-talk [Gate], receives an ID
// and goes to the shared sink (normally a [delivery.Dispatcher]). The client
// is sent an acknowledgement and, later, any transcripts published for its
// session.
//
// Text messages are JSON control messages:
//
//	{"type":"force_end"}  finish the current utterance now
//	{"type":"ptt_down"}   talk control pressed
//	{"type":"ptt_up"}     talk control released (also force-ends)
//	{"type":"reset"}      drop buffered audio and the noise floor estimate
//	{"type":"ping"}       answered with {"type":"pong"}
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/endpoint"
)

// ErrShuttingDown is reported to clients that connect during shutdown.
var ErrShuttingDown = errors.New("gateway: server is shutting down")

// Config holds the gateway settings.
type Config struct {
	// DefaultSampleRate applies when the client omits ?sample_rate=.
	DefaultSampleRate int

	// MaxSampleRate rejects higher rates. Zero means no limit.
	MaxSampleRate int

	// PushToTalk enables the push-to-talk gate for every session.
	PushToTalk bool

	// ReadLimit caps a single websocket message in bytes.
	ReadLimit int64

	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string

	// Endpoint holds the engine tunables for new sessions.
	Endpoint endpoint.Config
}

// Option configures a [Server].
type Option func(*Server)

// WithResults routes published results to the matching sessions.
func WithResults(h *delivery.Results) Option { return func(s *Server) { s.results = h } }

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// WithIDGenerator replaces uuid.NewString for session and utterance IDs.
func WithIDGenerator(fn func() string) Option { return func(s *Server) { s.newID = fn } }

// Server is the websocket ingest handler. Mount it on a mux; it serves any
// path it is mounted at.
type Server struct {
	cfg     Config
	sink    endpoint.Sink
	results *delivery.Results
	metrics *observe.Metrics
	log     *slog.Logger
	newID   func() string

	endpointCfg atomic.Pointer[endpoint.Config]
	pushToTalk  atomic.Bool

	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
	wg       sync.WaitGroup
}

// NewServer validates cfg and returns a [Server] that emits into sink.
func NewServer(cfg Config, sink endpoint.Sink, opts ...Option) (*Server, error) {
	if sink == nil {
		return nil, errors.New("gateway: sink must not be nil")
	}
	if cfg.DefaultSampleRate <= 0 {
		return nil, fmt.Errorf("gateway: default sample rate %d must be positive", cfg.DefaultSampleRate)
	}
	if err := cfg.Endpoint.Validate(cfg.DefaultSampleRate); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		sink:     sink,
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
		newID:    uuid.NewString,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(s)
	}
	ep := cfg.Endpoint
	s.endpointCfg.Store(&ep)
	s.pushToTalk.Store(cfg.PushToTalk)
	return s, nil
}

// SetEndpointConfig replaces the engine tunables for sessions opened from now
// on. Open sessions keep their engine.
func (s *Server) SetEndpointConfig(cfg endpoint.Config) error {
	if err := cfg.Validate(s.cfg.DefaultSampleRate); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	s.endpointCfg.Store(&cfg)
	return nil
}

// EndpointConfig returns the tunables new sessions will use.
func (s *Server) EndpointConfig() endpoint.Config { return *s.endpointCfg.Load() }

// SetPushToTalk switches the push-to-talk gate for new and open sessions.
func (s *Server) SetPushToTalk(on bool) {
	s.pushToTalk.Store(on)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.gate.SetEnabled(on)
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ServeHTTP upgrades the request to a websocket and runs a session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sampleRate, codec, err := s.parseParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := s.newID()
	log := observe.LoggerFrom(r.Context(), s.log).With("session_id", id)
	sess := &session{
		id:         id,
		codec:      codec,
		sampleRate: sampleRate,
		gate:       NewGate(s.pushToTalk.Load()),
		sink:       s.sink,
		newID:      s.newID,
		metrics:    s.metrics,
		log:        log,
		out:        make(chan any, outboundBuffer),
		done:       make(chan struct{}),
	}

	epCfg := s.EndpointConfig()
	frame := time.Duration(epCfg.FrameMs) * time.Millisecond
	sess.engine, err = endpoint.New(epCfg, sampleRate, sess,
		endpoint.WithObserver(s.metrics.EndpointObserver(frame)),
		endpoint.WithLogger(log),
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if codec == CodecOpus {
		if sess.opus, err = audio.NewOpusDecoder(sampleRate); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if s.isClosing() {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}
	sess.conn = conn

	if !s.register(sess) {
		conn.Close(websocket.StatusGoingAway, ErrShuttingDown.Error())
		return
	}
	defer s.deregister(sess)

	log.Info("session opened", "sample_rate", sampleRate, "codec", codec, "remote", r.RemoteAddr)
	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	// The request context is cancelled when the server shuts down hard; a
	// graceful Shutdown closes the connection instead.
	if err := sess.run(r.Context(), s.results); err != nil {
		log.Warn("session ended with error", "err", err)
		conn.Close(websocket.StatusInternalError, "read failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("session closed")
}

func (s *Server) parseParams(r *http.Request) (int, string, error) {
	q := r.URL.Query()
	sampleRate := s.cfg.DefaultSampleRate
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, "", fmt.Errorf("invalid sample_rate %q", v)
		}
		sampleRate = n
	}
	if s.cfg.MaxSampleRate > 0 && sampleRate > s.cfg.MaxSampleRate {
		return 0, "", fmt.Errorf("sample_rate %d exceeds maximum %d", sampleRate, s.cfg.MaxSampleRate)
	}
	codec := q.Get("codec")
	if codec == "" {
		codec = CodecFloat32
	}
	if !slices.Contains([]string{CodecFloat32, CodecPCM16, CodecOpus}, codec) {
		return 0, "", fmt.Errorf("unsupported codec %q", codec)
	}
	return sampleRate, codec, nil
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) deregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown refuses new sessions, closes every open one (which force-ends its
// engine) and waits for them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.stopping.Store(true)
		// Close performs the closing handshake and makes the read loop
		// return, so it must not block this goroutine on a slow peer.
		go sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %d sessions still open: %w", s.Sessions(), ctx.Err())
	}
}
