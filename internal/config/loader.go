package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxgate/pkg/endpoint"
)

// Built-in delivery target names.
const (
	TargetWAVDir   = "wavdir"
	TargetRelay    = "relay"
	TargetWhisper  = "whisper"
	TargetOpenAI   = "openai"
	TargetPostgres = "postgres"

	// TargetWhisperNative runs whisper.cpp in-process. Its model field is
	// the path to the model file.
	TargetWhisperNative = "whisper-native"
)

// ValidTargetNames lists the delivery targets shipped with voxgate.
// Used by [Validate] to warn about unrecognised target names.
var ValidTargetNames = []string{TargetWAVDir, TargetRelay, TargetWhisper, TargetWhisperNative, TargetOpenAI, TargetPostgres}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration. Endpoint
// keys missing from the document keep their defaults; explicit zeros survive.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{Endpoint: endpoint.DefaultConfig()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("server.read_limit_bytes %d must not be negative", cfg.Server.ReadLimitBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Gateway
	gw := cfg.Gateway
	if gw.DefaultSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("gateway.default_sample_rate %d must be positive", gw.DefaultSampleRate))
	}
	if gw.MaxSampleRate > 0 && gw.DefaultSampleRate > gw.MaxSampleRate {
		errs = append(errs, fmt.Errorf("gateway.default_sample_rate %d exceeds gateway.max_sample_rate %d", gw.DefaultSampleRate, gw.MaxSampleRate))
	}

	// Endpoint tunables are checked at the default rate; sessions at other
	// rates are checked again when their engine is built.
	if gw.DefaultSampleRate > 0 {
		if err := cfg.Endpoint.Validate(gw.DefaultSampleRate); err != nil {
			errs = append(errs, fmt.Errorf("endpoint: %w", err))
		}
	}

	// Delivery
	if cfg.Delivery.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("delivery.queue_size %d must not be negative", cfg.Delivery.QueueSize))
	}
	if cfg.Delivery.Timeout < 0 {
		errs = append(errs, fmt.Errorf("delivery.timeout %s must not be negative", cfg.Delivery.Timeout))
	}
	if len(cfg.Delivery.Targets) == 0 {
		slog.Warn("delivery.targets is empty; utterances will be acknowledged but not delivered anywhere")
	}

	cb := cfg.Delivery.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("delivery.circuit_breaker values must not be negative"))
	}

	seen := make(map[string]int, len(cfg.Delivery.Targets))
	for i, t := range cfg.Delivery.Targets {
		prefix := fmt.Sprintf("delivery.targets[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of delivery.targets[%d]", prefix, t.Name, prev))
		}
		seen[t.Name] = i
		errs = append(errs, validateTarget(prefix, t)...)
	}

	return errors.Join(errs...)
}

// validateTarget checks the fields a built-in target needs, then recurses
// into its fallbacks.
func validateTarget(prefix string, t TargetEntry) []error {
	var errs []error
	if t.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	validateTargetName(t.Name)

	switch t.Name {
	case TargetWAVDir:
		if t.Dir == "" {
			errs = append(errs, fmt.Errorf("%s.dir is required for target %q", prefix, t.Name))
		}
	case TargetRelay:
		if err := requireURL(t.URL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("%s.url: %w", prefix, err))
		}
	case TargetWhisper:
		if err := requireURL(t.URL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("%s.url: %w", prefix, err))
		}
	case TargetWhisperNative:
		if t.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model (model file path) is required for target %q", prefix, t.Name))
		}
	case TargetOpenAI:
		if t.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
			slog.Warn("openai target has no api_key and OPENAI_API_KEY is unset; requests will fail", "target", prefix)
		}
	case TargetPostgres:
		if t.DSN == "" {
			errs = append(errs, fmt.Errorf("%s.dsn is required for target %q", prefix, t.Name))
		}
	}

	for i, fb := range t.Fallback {
		errs = append(errs, validateTarget(fmt.Sprintf("%s.fallback[%d]", prefix, i), fb)...)
	}
	return errs
}

// requireURL checks that raw is an absolute URL with one of the schemes.
func requireURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, strings.ToLower(u.Scheme)) || u.Host == "" {
		return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
	}
	return nil
}

// validateTargetName logs a warning if name is not in [ValidTargetNames].
// Custom targets registered by embedders are allowed.
func validateTargetName(name string) {
	if slices.Contains(ValidTargetNames, name) {
		return
	}
	slog.Warn("unknown delivery target name; may be a typo or a custom target",
		"name", name,
		"known", ValidTargetNames,
	)
}
