package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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

	// Gate
	if cfg.Gate.Mode != "" && !cfg.Gate.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("gate.mode %q is invalid; valid values: level, push-to-talk", cfg.Gate.Mode))
	}
	if cfg.Gate.OpenThreshold < 0 || cfg.Gate.OpenThreshold > 1 {
		errs = append(errs, fmt.Errorf("gate.open_threshold %.3f is out of range [0, 1]", cfg.Gate.OpenThreshold))
	}
	if cfg.Gate.CloseThreshold < 0 || cfg.Gate.CloseThreshold > 1 {
		errs = append(errs, fmt.Errorf("gate.close_threshold %.3f is out of range [0, 1]", cfg.Gate.CloseThreshold))
	}
	if cfg.Gate.OpenThreshold != 0 && cfg.Gate.CloseThreshold != 0 &&
		cfg.Gate.CloseThreshold >= cfg.Gate.OpenThreshold {
		errs = append(errs, fmt.Errorf("gate.close_threshold %.3f must be below gate.open_threshold %.3f (hysteresis band)", cfg.Gate.CloseThreshold, cfg.Gate.OpenThreshold))
	}
	if cfg.Gate.HoldFrames < 0 {
		errs = append(errs, fmt.Errorf("gate.hold_frames %d must not be negative", cfg.Gate.HoldFrames))
	}
	if cfg.Gate.RampSamples < 0 {
		errs = append(errs, fmt.Errorf("gate.ramp_samples %d must not be negative", cfg.Gate.RampSamples))
	}

	// Jitter
	if cfg.Jitter.MinDepth < 0 || cfg.Jitter.InitialDepth < 0 || cfg.Jitter.MaxDepth < 0 {
		errs = append(errs, errors.New("jitter depths must not be negative"))
	}
	if cfg.Jitter.MinDepth > 0 && cfg.Jitter.MaxDepth > 0 && cfg.Jitter.MinDepth > cfg.Jitter.MaxDepth {
		errs = append(errs, fmt.Errorf("jitter.min_depth %d exceeds jitter.max_depth %d", cfg.Jitter.MinDepth, cfg.Jitter.MaxDepth))
	}
	if d := cfg.Jitter.InitialDepth; d > 0 {
		if cfg.Jitter.MinDepth > 0 && d < cfg.Jitter.MinDepth {
			errs = append(errs, fmt.Errorf("jitter.initial_depth %d is below jitter.min_depth %d", d, cfg.Jitter.MinDepth))
		}
		if cfg.Jitter.MaxDepth > 0 && d > cfg.Jitter.MaxDepth {
			errs = append(errs, fmt.Errorf("jitter.initial_depth %d exceeds jitter.max_depth %d", d, cfg.Jitter.MaxDepth))
		}
	}

	// Audio
	if cfg.Audio.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("audio.bitrate %d must not be negative", cfg.Audio.Bitrate))
	}
	if cfg.Audio.Bitrate > 0 && (cfg.Audio.Bitrate < 6000 || cfg.Audio.Bitrate > 510000) {
		slog.Warn("audio.bitrate outside the usual Opus range", "bitrate", cfg.Audio.Bitrate)
	}
	if cfg.Audio.InputGain < 0 {
		errs = append(errs, fmt.Errorf("audio.input_gain %.2f must not be negative", cfg.Audio.InputGain))
	}
	if cfg.Audio.InputGain > 4 {
		slog.Warn("audio.input_gain is very high; expect clipping", "input_gain", cfg.Audio.InputGain)
	}

	// Volumes
	for id, v := range cfg.Volumes {
		if v < 0 {
			errs = append(errs, fmt.Errorf("volumes[%d] %.2f must not be negative", id, v))
		} else if v > 2 {
			slog.Warn("per-user volume above 2.0 will clip", "sender_id", id, "volume", v)
		}
	}

	// Relay
	if cfg.Relay.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.idle_timeout %s must not be negative", cfg.Relay.IdleTimeout.Std()))
	}

	return errors.Join(errs...)
}
