package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/internal/delivery/openai"
	"github.com/MrWong99/voxgate/internal/delivery/pgarchive"
	"github.com/MrWong99/voxgate/internal/delivery/relay"
	"github.com/MrWong99/voxgate/internal/delivery/wavdir"
	"github.com/MrWong99/voxgate/internal/delivery/whisper"
	"github.com/MrWong99/voxgate/internal/resilience"
)

// connectTimeout bounds the connection attempt of targets that dial at
// construction time.
const connectTimeout = 10 * time.Second

// RegisterBuiltinTargets wires the delivery targets that ship with voxgate
// into reg. Transcribing targets publish into hub.
//
// Target-specific knobs come from the entry's Options map:
//
//	wavdir:   session_dirs (bool)
//	relay:    token (string), result_buffer (int)
//	whisper:  (none)
//	whisper-native: (none; model is the model file path)
//	openai:   max_retries (int)
//	postgres: store_audio (bool, default true), record_results (bool, default true)
func RegisterBuiltinTargets(reg *config.Registry, hub *delivery.Results, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	reg.Register(config.TargetWAVDir, func(e config.TargetEntry) (delivery.Target, error) {
		return wavdir.New(e.Dir,
			wavdir.WithName(e.Name),
			wavdir.WithSessionDirs(optBool(e.Options, "session_dirs", false)),
		)
	})

	reg.Register(config.TargetRelay, func(e config.TargetEntry) (delivery.Target, error) {
		opts := []relay.Option{
			relay.WithName(e.Name),
			relay.WithHeaders(e.Headers),
			relay.WithResults(hub),
			relay.WithLogger(logger.With("target", e.Name)),
		}
		if token := optString(e.Options, "token"); token != "" {
			opts = append(opts, relay.WithToken(token))
		}
		if n := optInt(e.Options, "result_buffer", 0); n > 0 {
			opts = append(opts, relay.WithResultBuffer(n))
		}
		return relay.New(e.URL, opts...)
	})

	reg.Register(config.TargetWhisper, func(e config.TargetEntry) (delivery.Target, error) {
		return whisper.New(e.URL,
			whisper.WithName(e.Name),
			whisper.WithModel(e.Model),
			whisper.WithLanguage(e.Language),
			whisper.WithHeaders(e.Headers),
			whisper.WithResults(hub),
			whisper.WithLogger(logger.With("target", e.Name)),
		)
	})

	reg.Register(config.TargetWhisperNative, func(e config.TargetEntry) (delivery.Target, error) {
		return whisper.NewNative(e.Model,
			whisper.WithNativeName(e.Name),
			whisper.WithNativeLanguage(e.Language),
			whisper.WithNativeResults(hub),
			whisper.WithNativeLogger(logger.With("target", e.Name)),
		)
	})

	reg.Register(config.TargetOpenAI, func(e config.TargetEntry) (delivery.Target, error) {
		opts := []openai.Option{
			openai.WithName(e.Name),
			openai.WithBaseURL(e.BaseURL),
			openai.WithLanguage(e.Language),
			openai.WithHeaders(e.Headers),
			openai.WithResults(hub),
			openai.WithLogger(logger.With("target", e.Name)),
		}
		if n := optInt(e.Options, "max_retries", -1); n >= 0 {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})

	reg.Register(config.TargetPostgres, func(e config.TargetEntry) (delivery.Target, error) {
		opts := []pgarchive.Option{
			pgarchive.WithName(e.Name),
			pgarchive.WithLogger(logger.With("target", e.Name)),
		}
		if !optBool(e.Options, "store_audio", true) {
			opts = append(opts, pgarchive.WithoutAudio())
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		arch, err := pgarchive.New(ctx, e.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if optBool(e.Options, "record_results", true) {
			arch.Attach(hub)
		}
		return arch, nil
	})
}

// BuildTargets creates the configured delivery targets. Entries with a
// fallback list become a [resilience.Fallback]; every other target is wrapped
// in its own circuit breaker unless breakers are disabled. On error the
// targets built so far are closed.
func BuildTargets(cfg config.DeliveryConfig, reg *config.Registry, logger *slog.Logger) ([]delivery.Target, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cb := breakerConfig(cfg.CircuitBreaker, logger)

	targets := make([]delivery.Target, 0, len(cfg.Targets))
	for _, entry := range cfg.Targets {
		t, err := buildTarget(entry, reg, cb, cfg.CircuitBreaker.Disabled)
		if err != nil {
			return nil, errors.Join(err, closeAll(targets))
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func buildTarget(entry config.TargetEntry, reg *config.Registry, cb resilience.CircuitBreakerConfig, noBreaker bool) (delivery.Target, error) {
	primary, err := reg.Create(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallback) == 0 {
		if noBreaker {
			return primary, nil
		}
		return resilience.Guard(primary, cb), nil
	}

	chain := []delivery.Target{primary}
	for _, fb := range flatten(entry.Fallback) {
		t, err := reg.Create(fb)
		if err != nil {
			return nil, errors.Join(err, closeAll(chain))
		}
		chain = append(chain, t)
	}
	if noBreaker {
		// A breaker that never opens keeps the fallback order without
		// skipping targets.
		cb.MaxFailures = int(^uint(0) >> 1)
	}
	return resilience.NewFallback(entry.Name, cb, chain...), nil
}

// flatten lists fallback entries depth first, so fallbacks of fallbacks join
// the same chain right after their parent.
func flatten(entries []config.TargetEntry) []config.TargetEntry {
	var out []config.TargetEntry
	for _, e := range entries {
		out = append(out, e)
		out = append(out, flatten(e.Fallback)...)
	}
	return out
}

func breakerConfig(c config.BreakerConfig, logger *slog.Logger) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
		HalfOpenMax:  c.HalfOpenMax,
		Logger:       logger,
	}
}

func closeAll(targets []delivery.Target) error {
	var errs []error
	for _, t := range targets {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a target Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool extracts a bool value, returning def when the key is absent or not
// a bool.
func optBool(opts map[string]any, key string, def bool) bool {
	b, ok := opts[key].(bool)
	if !ok {
		return def
	}
	return b
}

// optInt extracts an integer value. YAML decodes small integers as int, but
// float64 is accepted too for maps built from JSON.
func optInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
