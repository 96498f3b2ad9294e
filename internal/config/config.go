// Package config provides the configuration schema, loader, hot-reload watcher
// and delivery target registry for the voxgate server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxgate/pkg/endpoint"
)

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching slog level. Unknown levels map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultReadLimitBytes    = 1 << 20
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultSampleRate        = 48000
	DefaultMaxSampleRate     = 192000
	DefaultQueueSize         = 32
	DefaultDeliveryTimeout   = 30 * time.Second
	DefaultServiceName       = "voxgate"
	DefaultMetricsPath       = "/metrics"
	DefaultOpenAIModel       = "whisper-1"
	DefaultRelayResultBuffer = 16
)

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Endpoint  endpoint.Config `yaml:"endpoint"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ReadLimitBytes caps the size of a single websocket message.
	ReadLimitBytes int64 `yaml:"read_limit_bytes"`

	// ShutdownTimeout bounds graceful shutdown, including the delivery drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GatewayConfig controls the websocket ingest endpoint.
type GatewayConfig struct {
	// DefaultSampleRate is used when a client does not send ?sample_rate=.
	DefaultSampleRate int `yaml:"default_sample_rate"`

	// MaxSampleRate rejects sessions that ask for more.
	MaxSampleRate int `yaml:"max_sample_rate"`

	// PushToTalk gates emissions on the client's talk control. When false,
	// every utterance is delivered.
	PushToTalk bool `yaml:"push_to_talk"`

	// OriginPatterns lists host patterns allowed to open a websocket from a
	// browser. Empty means same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// DeliveryConfig declares where completed utterances go.
type DeliveryConfig struct {
	// QueueSize bounds the number of utterances waiting for delivery. When
	// the queue is full new utterances are dropped.
	QueueSize int `yaml:"queue_size"`

	// Timeout bounds a single delivery to one target.
	Timeout time.Duration `yaml:"timeout"`

	// Targets lists the delivery targets. Each utterance is sent to all of them.
	Targets []TargetEntry `yaml:"targets"`

	// CircuitBreaker tunes the breaker placed in front of every target.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the per-target circuit breakers. Zero values select
// the resilience package defaults.
type BreakerConfig struct {
	// Disabled removes the breakers entirely.
	Disabled bool `yaml:"disabled"`

	// MaxFailures is the number of consecutive failures that open a breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of successful probes that close a breaker.
	HalfOpenMax int `yaml:"half_open_max"`
}

// TargetEntry is the common configuration block shared by all delivery
// targets. The Name field is used to look up the constructor in the [Registry].
type TargetEntry struct {
	// Name selects the registered target implementation (e.g., "wavdir", "relay").
	Name string `yaml:"name"`

	// URL is the upstream address for network targets.
	URL string `yaml:"url"`

	// Headers are sent with every upstream request or handshake.
	Headers map[string]string `yaml:"headers"`

	// APIKey authenticates against hosted APIs.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides a hosted API's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a transcription model where the target supports it. For
	// whisper-native it is the path to the model file.
	Model string `yaml:"model"`

	// Language is a BCP-47 hint for transcription targets.
	Language string `yaml:"language"`

	// Dir is the output directory of file-based targets.
	Dir string `yaml:"dir"`

	// DSN is a database connection string.
	DSN string `yaml:"dsn"`

	// Options holds target-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`

	// Fallback lists targets tried in order when this one fails. The group
	// reports under this entry's name.
	Fallback []TargetEntry `yaml:"fallback"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus scrape endpoint is mounted.
	MetricsPath string `yaml:"metrics_path"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ReadLimitBytes == 0 {
		cfg.Server.ReadLimitBytes = DefaultReadLimitBytes
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	cfg.Endpoint = cfg.Endpoint.WithDefaults()
	if cfg.Gateway.DefaultSampleRate == 0 {
		cfg.Gateway.DefaultSampleRate = DefaultSampleRate
	}
	if cfg.Gateway.MaxSampleRate == 0 {
		cfg.Gateway.MaxSampleRate = DefaultMaxSampleRate
	}
	if cfg.Delivery.QueueSize == 0 {
		cfg.Delivery.QueueSize = DefaultQueueSize
	}
	if cfg.Delivery.Timeout == 0 {
		cfg.Delivery.Timeout = DefaultDeliveryTimeout
	}
	applyTargetDefaults(cfg.Delivery.Targets)
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

func applyTargetDefaults(targets []TargetEntry) {
	for i := range targets {
		t := &targets[i]
		if t.Name == TargetOpenAI && t.Model == "" {
			t.Model = DefaultOpenAIModel
		}
		applyTargetDefaults(t.Fallback)
	}
}
