// Package config loads the broker's YAML configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a running broker. Zero values left after
// Load are filled in from the package defaults.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	FrontendPort int `yaml:"frontend_port"`
	BackendPort  int `yaml:"backend_port"`
	MonitorPort  int `yaml:"monitor_port"`

	AckDeadline         Duration `yaml:"ack_deadline"`
	MaxRetries          int      `yaml:"max_retries"`
	DedupWindow         Duration `yaml:"dedup_window"`
	HeartbeatPeriod     Duration `yaml:"heartbeat_period"`
	DedupGCPeriod       Duration `yaml:"dedup_gc_period"`
	AckSweepPeriod      Duration `yaml:"ack_sweep_period"`
	PeerLivenessTimeout Duration `yaml:"peer_liveness_timeout"`
	ShutdownGrace       Duration `yaml:"shutdown_grace"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig selects and configures the broker's telemetry sink.
type TelemetryConfig struct {
	// Backend is one of "noop", "logr", or "otel". Defaults to "logr".
	Backend string `yaml:"backend"`
}

const (
	DefaultFrontendPort = 5570
	DefaultBackendPort  = 5571
	DefaultMonitorPort  = 5572

	DefaultMaxRetries = 3
)

var (
	DefaultAckDeadline         = Duration(5 * time.Second)
	DefaultDedupWindow         = Duration(10 * time.Minute)
	DefaultHeartbeatPeriod     = Duration(1 * time.Second)
	DefaultDedupGCPeriod       = Duration(60 * time.Second)
	DefaultAckSweepPeriod      = Duration(1 * time.Second)
	DefaultPeerLivenessTimeout = Duration(3 * time.Second)
	DefaultShutdownGrace       = Duration(5 * time.Second)
)

// Default returns a Config with every field set to its package default,
// for callers (e.g. brokerd with no -config flag) that want to run without
// a YAML file on disk.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and parses the YAML file at filename, rejecting any field the
// schema above does not recognize, then applies defaults for anything left
// unset.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a Config, applying the same strict
// field checking and defaulting as Load. Exposed separately so tests and
// callers that already have the bytes in hand (e.g. embedded defaults)
// don't need a file on disk.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.FrontendPort == 0 {
		c.FrontendPort = DefaultFrontendPort
	}
	if c.BackendPort == 0 {
		c.BackendPort = DefaultBackendPort
	}
	if c.MonitorPort == 0 {
		c.MonitorPort = DefaultMonitorPort
	}
	if c.AckDeadline == 0 {
		c.AckDeadline = DefaultAckDeadline
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.DedupGCPeriod == 0 {
		c.DedupGCPeriod = DefaultDedupGCPeriod
	}
	if c.AckSweepPeriod == 0 {
		c.AckSweepPeriod = DefaultAckSweepPeriod
	}
	if c.PeerLivenessTimeout == 0 {
		c.PeerLivenessTimeout = DefaultPeerLivenessTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Telemetry.Backend == "" {
		c.Telemetry.Backend = "logr"
	}
}

func (c *Config) validate() error {
	if c.FrontendPort == c.BackendPort || c.FrontendPort == c.MonitorPort || c.BackendPort == c.MonitorPort {
		return fmt.Errorf("frontend, backend, and monitor ports must be distinct: %d, %d, %d",
			c.FrontendPort, c.BackendPort, c.MonitorPort)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", c.MaxRetries)
	}
	switch c.Telemetry.Backend {
	case "noop", "logr", "otel":
	default:
		return fmt.Errorf("unknown telemetry backend %q", c.Telemetry.Backend)
	}
	return nil
}
