// Package whisper transcribes utterances with a whisper.cpp server.
//
// Each utterance is wrapped in a WAV container and POSTed as multipart form
// data to <server>/inference. The transcript is published to a
// [delivery.Results] hub so the originating session can display it.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8081", whisper.WithLanguage("en"))
//	err = t.Deliver(ctx, utt)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

const defaultTimeout = 60 * time.Second

var (
	_ delivery.Target  = (*Target)(nil)
	_ delivery.Checker = (*Target)(nil)
)

// Option is a functional option for configuring a [Target].
type Option func(*Target)

// WithName overrides the target name.
func WithName(name string) Option { return func(t *Target) { t.name = name } }

// WithModel sets the model identifier forwarded to the server. When empty the
// server uses whichever model it was started with.
func WithModel(model string) Option { return func(t *Target) { t.model = model } }

// WithLanguage sets the language hint (e.g., "en", "de"). When empty the
// server auto-detects.
func WithLanguage(lang string) Option { return func(t *Target) { t.language = lang } }

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(t *Target) {
		for k, v := range h {
			t.header.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the default client (60 s timeout).
func WithHTTPClient(c *http.Client) Option { return func(t *Target) { t.client = c } }

// WithResults publishes transcripts to hub.
func WithResults(hub *delivery.Results) Option { return func(t *Target) { t.hub = hub } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(t *Target) { t.log = l } }

// Target is a whisper.cpp transcription target.
type Target struct {
	serverURL string
	name      string
	model     string
	language  string
	header    http.Header
	client    *http.Client
	hub       *delivery.Results
	log       *slog.Logger
}

// New creates a [Target] for the whisper.cpp server at serverURL.
func New(serverURL string, opts ...Option) (*Target, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Target{
		serverURL: strings.TrimRight(serverURL, "/"),
		name:      "whisper",
		header:    http.Header{},
		client:    &http.Client{Timeout: defaultTimeout},
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Name returns the target name.
func (t *Target) Name() string { return t.name }

// Deliver transcribes u and publishes the text. Empty transcripts are not
// published.
func (t *Target) Deliver(ctx context.Context, u audio.Utterance) error {
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

// Transcribe sends u to the server and returns the trimmed transcript.
func (t *Target) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(u.PCM, u.SampleRate, 1)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := [][2]string{{"response_format", "json"}}
	if t.language != "" {
		fields = append(fields, [2]string{"language", t.language})
	}
	if t.model != "" {
		fields = append(fields, [2]string{"model", t.model})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", result.Error)
	}
	return strings.TrimSpace(result.Text), nil
}

// Check reports whether the server answers HTTP at all.
func (t *Target) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: create request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (t *Target) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
