// Package config provides the configuration schema, loader, and validation
// for the Quartz voice client and relay daemon.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quartzchat/quartz-voice/pkg/voice/gate"
)

// Duration wraps [time.Duration] so YAML configs can use human-readable
// values like "5m" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity.
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

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Network NetworkConfig `yaml:"network"`
	Audio   AudioConfig   `yaml:"audio"`
	Gate    GateConfig    `yaml:"gate"`
	Jitter  JitterConfig  `yaml:"jitter"`
	Relay   RelayConfig   `yaml:"relay"`

	// Volumes holds per-user linear output volume overrides keyed by
	// sender ID. 1.0 is unity; absent users default to 1.0.
	Volumes map[int32]float64 `yaml:"volumes"`
}

// ServerConfig holds logging and metrics settings shared by both binaries.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the HTTP address serving /metrics and /healthz.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// NetworkConfig identifies this client on the relay.
type NetworkConfig struct {
	// RelayAddr is the UDP address of the voice relay (host:port).
	RelayAddr string `yaml:"relay_addr"`

	// SenderID is this client's unique ID within the channel.
	SenderID int32 `yaml:"sender_id"`

	// ChannelID is the voice channel to register on.
	ChannelID int32 `yaml:"channel_id"`
}

// AudioConfig holds the local capture/encode settings.
type AudioConfig struct {
	// Bitrate is the Opus target bitrate in bits per second.
	// 0 keeps the codec default.
	Bitrate int `yaml:"bitrate"`

	// InputGain is a linear gain applied to captured audio before the
	// gate. 0 means unity.
	InputGain float64 `yaml:"input_gain"`
}

// GateConfig selects and tunes the transmit gate. Zero numeric fields take
// the gate package defaults.
type GateConfig struct {
	// Mode is "level" or "push-to-talk". Default: level.
	Mode gate.Mode `yaml:"mode"`

	// OpenThreshold and CloseThreshold are full-scale RMS levels; open
	// must be above close so the gate has a hysteresis band.
	OpenThreshold  float64 `yaml:"open_threshold"`
	CloseThreshold float64 `yaml:"close_threshold"`

	// HoldFrames is how many consecutive quiet frames close the gate.
	HoldFrames int `yaml:"hold_frames"`

	// RampSamples is the fade-in/out length in samples.
	RampSamples int `yaml:"ramp_samples"`
}

// JitterConfig bounds the adaptive jitter buffer depth, in 20 ms frames.
type JitterConfig struct {
	MinDepth     int `yaml:"min_depth"`
	InitialDepth int `yaml:"initial_depth"`
	MaxDepth     int `yaml:"max_depth"`
}

// RelayConfig configures the quartz-relay daemon. Ignored by the client.
type RelayConfig struct {
	// ListenAddr is the UDP address the relay binds (e.g. ":4500").
	ListenAddr string `yaml:"listen_addr"`

	// IdleTimeout expires registrations that have sent nothing for this
	// long. 0 means the default (5 minutes).
	IdleTimeout Duration `yaml:"idle_timeout"`
}
