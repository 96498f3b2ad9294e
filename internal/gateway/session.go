package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/endpoint"
)

const (
	outboundBuffer = 64
	writeTimeout   = 5 * time.Second
)

// session is one websocket connection. The read loop is the only goroutine
// that touches the engine; a second goroutine drains outbound messages.
type session struct {
	id         string
	codec      string
	sampleRate int
	conn       *websocket.Conn
	engine     *endpoint.Engine
	gate       *Gate
	opus       *audio.OpusDecoder
	sink       endpoint.Sink
	newID      func() string
	metrics    *observe.Metrics
	log        *slog.Logger

	out      chan any
	done     chan struct{}
	stopping atomic.Bool // set by Server.Shutdown before closing conn
}

// Emit implements [endpoint.Sink] for the session's engine: it applies the
// push-to-talk gate, stamps IDs and forwards to the shared sink.
func (s *session) Emit(u audio.Utterance) {
	if !s.gate.Allow() {
		s.metrics.RecordDiscarded(context.Background(), "push_to_talk")
		s.log.Debug("utterance gated by push-to-talk", "samples", u.Samples())
		return
	}
	u.ID = s.newID()
	u.SessionID = s.id
	ack := utteranceMessage{
		Type:       MsgUtterance,
		UttID:      u.ID,
		Samples:    u.Samples(),
		SampleRate: u.SampleRate,
		DurationMs: u.Duration().Milliseconds(),
	}
	s.sink.Emit(u)
	s.send(ack)
	s.log.Info("utterance emitted", "utt_id", ack.UttID, "samples", ack.Samples, "duration_ms", ack.DurationMs)
}

// send queues msg for the writer without blocking.
func (s *session) send(msg any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- msg:
	default:
		s.log.Warn("outbound queue full, dropping message", "type", fmt.Sprintf("%T", msg))
	}
}

// run serves the connection until the client goes away or ctx is done. The
// engine is force-ended on the way out so a trailing utterance is not lost.
func (s *session) run(ctx context.Context, results *delivery.Results) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	if results != nil {
		unsubscribe := results.Subscribe(s.id, func(r delivery.Result) {
			s.send(resultMessage{Type: MsgResult, UttID: r.UtteranceID, En: r.Text, Tl: r.Translation, Target: r.Target})
		})
		defer unsubscribe()
	}

	s.send(readyMessage{
		Type:       MsgReady,
		SessionID:  s.id,
		SampleRate: s.sampleRate,
		Codec:      s.codec,
		FrameSize:  s.engine.Timing().FrameSize,
		PushToTalk: s.gate.Enabled(),
	})

	err := s.readLoop(ctx)
	s.engine.ForceEnd()

	close(s.done)
	cancel()
	<-writerDone
	return err
}

func (s *session) readLoop(ctx context.Context) error {
	codecAttr := metric.WithAttributes(observe.Attr("codec", s.codec))
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway {
				return nil
			}
			if s.stopping.Load() || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("gateway: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			s.metrics.IngestBytes.Add(ctx, int64(len(data)), codecAttr)
			samples, err := s.decode(data)
			if err != nil {
				s.log.Warn("dropping undecodable audio", "err", err)
				s.send(errorMessage{Type: MsgError, Message: err.Error()})
				continue
			}
			s.engine.Ingest(samples)
		case websocket.MessageText:
			s.control(data)
		}
	}
}

func (s *session) decode(data []byte) ([]float32, error) {
	switch s.codec {
	case CodecOpus:
		return s.opus.Decode(data)
	case CodecPCM16:
		return audio.PCM16ToFloat32(data), nil
	default:
		return audio.DecodeFloat32LE(data), nil
	}
}

func (s *session) control(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(errorMessage{Type: MsgError, Message: "malformed control message"})
		return
	}
	switch msg.Type {
	case MsgForceEnd:
		s.engine.ForceEnd()
	case MsgPTTDown:
		s.gate.Press()
	case MsgPTTUp:
		s.gate.Release()
		s.engine.ForceEnd()
		s.gate.Settle()
	case MsgReset:
		s.engine.Reset()
	case MsgPing:
		s.send(pongMessage{Type: MsgPong})
	default:
		s.send(errorMessage{Type: MsgError, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-s.out:
			if err := s.write(ctx, msg); err != nil {
				s.log.Debug("write failed", "err", err)
				return
			}
		case <-ctx.Done():
			// Flush what the read loop queued before it stopped (the final
			// acknowledgement of a forced end, typically).
			for {
				select {
				case msg := <-s.out:
					if err := s.write(context.Background(), msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *session) write(ctx context.Context, msg any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, msg)
}
