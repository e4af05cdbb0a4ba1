// Package config loads client startup configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the opaque startup configuration the client core accepts: where
// the clearing authority lives and how the connection should behave.
type Config struct {
	// Endpoint is the authority's WebSocket URL, e.g. wss://clearing.example/ws.
	Endpoint string `yaml:"endpoint"`
	// ChainID selects the settlement chain the authority anchors on.
	ChainID uint64 `yaml:"chain_id"`
	// Environment tags the deployment (mainnet, testnet, local).
	Environment string `yaml:"environment"`
	// Application identifies the app-session namespace this client acts in.
	Application string `yaml:"application"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	// SessionTTL bounds how long the authorised session key stays valid.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// ReconnectDelays is the bounded backoff schedule after involuntary
	// closes; the last entry is the cap.
	ReconnectDelays []time.Duration `yaml:"reconnect_delays"`

	Logging LoggingConfig `yaml:"logging"`
}

// UnmarshalYAML decodes duration fields from strings like "30s" and merges
// set fields over whatever the receiver already holds, so defaults survive a
// partial file.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Endpoint          string        `yaml:"endpoint"`
		ChainID           uint64        `yaml:"chain_id"`
		Environment       string        `yaml:"environment"`
		Application       string        `yaml:"application"`
		RequestTimeout    string        `yaml:"request_timeout"`
		HeartbeatInterval string        `yaml:"heartbeat_interval"`
		HandshakeTimeout  string        `yaml:"handshake_timeout"`
		SessionTTL        string        `yaml:"session_ttl"`
		ReconnectDelays   []string      `yaml:"reconnect_delays"`
		Logging           LoggingConfig `yaml:"logging"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.Endpoint != "" {
		c.Endpoint = raw.Endpoint
	}
	if raw.ChainID != 0 {
		c.ChainID = raw.ChainID
	}
	if raw.Environment != "" {
		c.Environment = raw.Environment
	}
	if raw.Application != "" {
		c.Application = raw.Application
	}
	for _, f := range []struct {
		src string
		dst *time.Duration
	}{
		{raw.RequestTimeout, &c.RequestTimeout},
		{raw.HeartbeatInterval, &c.HeartbeatInterval},
		{raw.HandshakeTimeout, &c.HandshakeTimeout},
		{raw.SessionTTL, &c.SessionTTL},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", f.src, err)
		}
		*f.dst = d
	}
	if len(raw.ReconnectDelays) > 0 {
		delays := make([]time.Duration, len(raw.ReconnectDelays))
		for i, s := range raw.ReconnectDelays {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("parse reconnect delay %q: %w", s, err)
			}
			delays[i] = d
		}
		c.ReconnectDelays = delays
	}
	if raw.Logging.Level != "" {
		c.Logging.Level = raw.Logging.Level
	}
	if raw.Logging.Format != "" {
		c.Logging.Format = raw.Logging.Format
	}
	if raw.Logging.Output != "" {
		c.Logging.Output = raw.Logging.Output
	}
	if raw.Logging.FilePrefix != "" {
		c.Logging.FilePrefix = raw.Logging.FilePrefix
	}
	return nil
}

// LoggingConfig mirrors pkg/logger's construction knobs.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Endpoint:          "wss://clearing.local/ws",
		ChainID:           137,
		Environment:       "local",
		Application:       "clearing_client",
		RequestTimeout:    30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SessionTTL:        time.Hour,
		ReconnectDelays: []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads a YAML config file, fills gaps with defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file if it exists, otherwise returns defaults with
// environment overrides applied.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = Default()
		applyEnv(cfg)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLEARING_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("CLEARING_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}
	if v := os.Getenv("CLEARING_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("CLEARING_APPLICATION"); v != "" {
		cfg.Application = v
	}
	if v := os.Getenv("CLEARING_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations the connection layer cannot run with.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if len(c.ReconnectDelays) == 0 {
		return fmt.Errorf("reconnect_delays must not be empty")
	}
	for i := 1; i < len(c.ReconnectDelays); i++ {
		if c.ReconnectDelays[i] < c.ReconnectDelays[i-1] {
			return fmt.Errorf("reconnect_delays must be non-decreasing")
		}
	}
	return nil
}
