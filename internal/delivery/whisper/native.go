// This file contains the NativeTarget implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// modelSampleRate is the only rate whisper models accept.
const modelSampleRate = 16000

var _ delivery.Target = (*NativeTarget)(nil)

// NativeTarget transcribes utterances in-process with whisper.cpp. The model
// is loaded once and shared; every delivery gets its own inference context,
// so concurrent deliveries do not interfere.
type NativeTarget struct {
	model    whisperlib.Model
	name     string
	language string
	hub      *delivery.Results
	log      *slog.Logger
}

// NativeOption is a functional option for configuring a [NativeTarget].
type NativeOption func(*NativeTarget)

// WithNativeName overrides the target name. Default: "whisper-native".
func WithNativeName(name string) NativeOption { return func(t *NativeTarget) { t.name = name } }

// WithNativeLanguage sets the language code passed to whisper.cpp
// (e.g., "en", "de"). Empty lets the model auto-detect.
func WithNativeLanguage(lang string) NativeOption {
	return func(t *NativeTarget) { t.language = lang }
}

// WithNativeResults publishes transcripts to hub.
func WithNativeResults(hub *delivery.Results) NativeOption {
	return func(t *NativeTarget) { t.hub = hub }
}

// WithNativeLogger sets the logger. Default: slog.Default().
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(t *NativeTarget) { t.log = l }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the target is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeTarget, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	t := &NativeTarget{
		model: model,
		name:  "whisper-native",
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Name returns the target name.
func (t *NativeTarget) Name() string { return t.name }

// Deliver transcribes u and publishes non-empty text.
func (t *NativeTarget) Deliver(ctx context.Context, u audio.Utterance) error {
	text, err := t.Transcribe(ctx, u)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	t.log.Debug("whisper transcript", "target", t.name, "utt_id", u.ID, "text", text)
	t.hub.Publish(delivery.Result{
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		Target:      t.name,
		Text:        text,
	})
	return nil
}

// Transcribe runs inference over u, resampled to 16 kHz, and returns the
// segments joined by spaces. Inference itself cannot be interrupted; ctx is
// checked before it starts.
func (t *NativeTarget) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	samples := audio.ResampleFloat32(audio.PCM16ToFloat32(u.PCM), u.SampleRate, modelSampleRate)

	// A context is not safe for concurrent use; the model is.
	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if t.language != "" {
		if err := wctx.SetLanguage(t.language); err != nil {
			t.log.Warn("whisper: failed to set language, using default", "language", t.language, "err", err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the model.
func (t *NativeTarget) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}
