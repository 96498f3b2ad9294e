package config

import (
	"reflect"

	"github.com/MrWong99/voxgate/pkg/endpoint"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported with their new value; everything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EndpointChanged is set when any endpoint tunable changed. New sessions
	// pick up NewEndpoint; running sessions keep their engine.
	EndpointChanged bool
	NewEndpoint     endpoint.Config

	PushToTalkChanged bool
	NewPushToTalk     bool

	// RestartRequired names the top-level keys that changed but only take
	// effect after a restart (e.g. "server.listen_addr").
	RestartRequired []string
}

// Changed reports whether d contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.EndpointChanged || d.PushToTalkChanged || len(d.RestartRequired) > 0
}

// Keys lists the changed keys, hot-reloadable ones first.
func (d ConfigDiff) Keys() []string {
	var keys []string
	if d.LogLevelChanged {
		keys = append(keys, "server.log_level")
	}
	if d.EndpointChanged {
		keys = append(keys, "endpoint")
	}
	if d.PushToTalkChanged {
		keys = append(keys, "gateway.push_to_talk")
	}
	return append(keys, d.RestartRequired...)
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Endpoint != new.Endpoint {
		d.EndpointChanged = true
		d.NewEndpoint = new.Endpoint
	}
	if old.Gateway.PushToTalk != new.Gateway.PushToTalk {
		d.PushToTalkChanged = true
		d.NewPushToTalk = new.Gateway.PushToTalk
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.ReadLimitBytes != new.Server.ReadLimitBytes {
		d.RestartRequired = append(d.RestartRequired, "server.read_limit_bytes")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Gateway.DefaultSampleRate != new.Gateway.DefaultSampleRate ||
		old.Gateway.MaxSampleRate != new.Gateway.MaxSampleRate ||
		!reflect.DeepEqual(old.Gateway.OriginPatterns, new.Gateway.OriginPatterns) {
		d.RestartRequired = append(d.RestartRequired, "gateway")
	}
	if !reflect.DeepEqual(old.Delivery, new.Delivery) {
		d.RestartRequired = append(d.RestartRequired, "delivery")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
