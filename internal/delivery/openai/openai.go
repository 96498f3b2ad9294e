// Package openai transcribes utterances with the OpenAI audio transcription
// API, or any server that implements it (set a base URL).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// DefaultModel is used when no model is configured.
const DefaultModel = string(oai.AudioModelWhisper1)

var _ delivery.Target = (*Target)(nil)

// Target implements delivery.Target using the OpenAI API.
type Target struct {
	client   oai.Client
	name     string
	model    string
	language string
	hub      *delivery.Results
	log      *slog.Logger
}

// config holds optional configuration for the target.
type config struct {
	name       string
	baseURL    string
	language   string
	timeout    time.Duration
	maxRetries int
	headers    map[string]string
	hub        *delivery.Results
	log        *slog.Logger
}

// Option is a functional option for Target.
type Option func(*config)

// WithName overrides the target name.
func WithName(name string) Option { return func(c *config) { c.name = name } }

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option { return func(c *config) { c.baseURL = url } }

// WithLanguage sets an ISO-639-1 language hint.
func WithLanguage(lang string) Option { return func(c *config) { c.language = lang } }

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// WithMaxRetries sets the SDK retry count. Negative keeps the SDK default.
func WithMaxRetries(n int) Option { return func(c *config) { c.maxRetries = n } }

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) Option { return func(c *config) { c.headers = h } }

// WithResults publishes transcripts to hub.
func WithResults(hub *delivery.Results) Option { return func(c *config) { c.hub = hub } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.log = l } }

// New constructs a transcription target. An empty apiKey falls back to the
// OPENAI_API_KEY environment variable, as the SDK does. If model is empty,
// DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Target, error) {
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{name: "openai", maxRetries: -1, log: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	for k, v := range cfg.headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}

	return &Target{
		client:   oai.NewClient(reqOpts...),
		name:     cfg.name,
		model:    model,
		language: cfg.language,
		hub:      cfg.hub,
		log:      cfg.log,
	}, nil
}

// Name returns the target name.
func (t *Target) Name() string { return t.name }

// Model returns the transcription model.
func (t *Target) Model() string { return t.model }

// Deliver transcribes u and publishes non-empty text.
func (t *Target) Deliver(ctx context.Context, u audio.Utterance) error {
	text, err := t.Transcribe(ctx, u)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	t.log.Debug("openai transcript", "target", t.name, "utt_id", u.ID, "text", text)
	t.hub.Publish(delivery.Result{
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		Target:      t.name,
		Text:        text,
	})
	return nil
}

// Transcribe uploads u as a WAV file and returns the trimmed transcript.
func (t *Target) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.EncodeWAV(u.PCM, u.SampleRate, 1)), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(t.model),
	}
	if t.language != "" {
		params.Language = param.NewOpt(t.language)
	}
	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (t *Target) Close() error { return nil }
