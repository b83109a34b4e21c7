package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  log_level: debug
  metrics_addr: ":9102"
network:
  relay_addr: "127.0.0.1:4500"
  sender_id: 1
  channel_id: 100
audio:
  bitrate: 32000
  input_gain: 1.0
gate:
  mode: level
  open_threshold: 0.02
  close_threshold: 0.01
  hold_frames: 10
  ramp_samples: 480
jitter:
  min_depth: 1
  initial_depth: 2
  max_depth: 10
relay:
  listen_addr: ":4500"
  idle_timeout: 5m
volumes:
  2: 0.8
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Network.RelayAddr != "127.0.0.1:4500" {
		t.Errorf("relay_addr = %q", cfg.Network.RelayAddr)
	}
	if cfg.Audio.Bitrate != 32000 {
		t.Errorf("bitrate = %d, want 32000", cfg.Audio.Bitrate)
	}
	if cfg.Jitter.MaxDepth != 10 {
		t.Errorf("max_depth = %d, want 10", cfg.Jitter.MaxDepth)
	}
	if cfg.Relay.IdleTimeout.Std() != 5*time.Minute {
		t.Errorf("idle_timeout = %s, want 5m", cfg.Relay.IdleTimeout.Std())
	}
	if v := cfg.Volumes[2]; v != 0.8 {
		t.Errorf("volumes[2] = %v, want 0.8", v)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  log_levle: info\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadFromReaderRejectsBadDuration(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("relay:\n  idle_timeout: banana\n"))
	if err == nil {
		t.Fatal("unparseable duration accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantSub: "log_level",
		},
		{
			name:    "bad gate mode",
			mutate:  func(c *Config) { c.Gate.Mode = "vox" },
			wantSub: "gate.mode",
		},
		{
			name:    "inverted thresholds",
			mutate:  func(c *Config) { c.Gate.OpenThreshold = 0.01; c.Gate.CloseThreshold = 0.02 },
			wantSub: "hysteresis",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Gate.OpenThreshold = 1.5 },
			wantSub: "open_threshold",
		},
		{
			name:    "negative hold",
			mutate:  func(c *Config) { c.Gate.HoldFrames = -1 },
			wantSub: "hold_frames",
		},
		{
			name:    "min depth above max",
			mutate:  func(c *Config) { c.Jitter.MinDepth = 5; c.Jitter.MaxDepth = 2 },
			wantSub: "min_depth",
		},
		{
			name:    "initial depth out of bounds",
			mutate:  func(c *Config) { c.Jitter.InitialDepth = 20; c.Jitter.MaxDepth = 10 },
			wantSub: "initial_depth",
		},
		{
			name:    "negative bitrate",
			mutate:  func(c *Config) { c.Audio.Bitrate = -1 },
			wantSub: "bitrate",
		},
		{
			name:    "negative volume",
			mutate:  func(c *Config) { c.Volumes = map[int32]float64{3: -0.5} },
			wantSub: "volumes",
		},
		{
			name:    "negative idle timeout",
			mutate:  func(c *Config) { c.Relay.IdleTimeout = Duration(-time.Second) },
			wantSub: "idle_timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateJoinsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Gate.Mode = "vox"
	cfg.Audio.InputGain = -1
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, sub := range []string{"log_level", "gate.mode", "input_gain"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error missing %q: %v", sub, err)
		}
	}
}

func TestValidateZeroConfigIsValid(t *testing.T) {
	// A zero config means "all defaults" and must pass validation.
	if err := Validate(&Config{}); err != nil {
		t.Errorf("Validate(zero) = %v, want nil", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("testdata/does-not-exist.yaml"); err == nil {
		t.Fatal("Load accepted a missing file")
	}
}
