// ABOUTME: Configuration loading and parsing for courier-gateway.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete courier-gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Routes   RoutesConfig    `yaml:"routes"`
	Channels []ChannelConfig `yaml:"channels"`
	Bridge   BridgeConfig    `yaml:"bridge"`
	Dedupe   DedupeConfig    `yaml:"dedupe"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds route persistence configuration. An empty path keeps
// routes in memory only.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RoutesConfig holds route lifecycle timing.
type RoutesConfig struct {
	MaxIdle       time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MaxIdleRaw       string `yaml:"max_idle"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ChannelConfig describes one channel handler registered at boot.
type ChannelConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "echo" or "webhook"
	URL  string `yaml:"url"`  // webhook only

	// Timeout bounds a single dispatch on this channel.
	Timeout time.Duration `yaml:"-"`

	// MaxInFlight bounds concurrent outstanding sends. Zero means unbounded.
	MaxInFlight int64 `yaml:"max_in_flight"`

	TimeoutRaw string `yaml:"timeout"`
}

// BridgeConfig holds legacy bridge delegate configuration. An empty endpoint
// disables the bridge.
type BridgeConfig struct {
	Endpoint string `yaml:"endpoint"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DedupeConfig holds stream duplicate-suppression configuration.
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when fields are absent.
const (
	DefaultMaxIdle       = 24 * time.Hour
	DefaultSweepInterval = time.Minute
	DefaultBridgeTimeout = 30 * time.Second
	DefaultDedupeTTL     = 5 * time.Minute
	DefaultDedupeSize    = 100_000
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Routes.MaxIdle == 0 {
		c.Routes.MaxIdle = DefaultMaxIdle
	}
	if c.Routes.SweepInterval == 0 {
		c.Routes.SweepInterval = DefaultSweepInterval
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = DefaultBridgeTimeout
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeSize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channels[%d]: duplicate channel name %q", i, ch.Name)
		}
		seen[ch.Name] = true

		switch ch.Type {
		case "echo":
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channels[%d] (%s): url is required for webhook channels", i, ch.Name)
			}
		default:
			return fmt.Errorf("channels[%d] (%s): unknown type %q (expected echo or webhook)", i, ch.Name, ch.Type)
		}
	}

	if len(c.Channels) == 0 && c.Bridge.Endpoint == "" {
		return fmt.Errorf("no channels configured and no bridge endpoint: the gateway would reject every message")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Routes.MaxIdleRaw != "" {
		cfg.Routes.MaxIdle, err = time.ParseDuration(cfg.Routes.MaxIdleRaw)
		if err != nil {
			return fmt.Errorf("parsing routes.max_idle %q: %w", cfg.Routes.MaxIdleRaw, err)
		}
	}

	if cfg.Routes.SweepIntervalRaw != "" {
		cfg.Routes.SweepInterval, err = time.ParseDuration(cfg.Routes.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing routes.sweep_interval %q: %w", cfg.Routes.SweepIntervalRaw, err)
		}
	}

	if cfg.Bridge.TimeoutRaw != "" {
		cfg.Bridge.Timeout, err = time.ParseDuration(cfg.Bridge.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing bridge.timeout %q: %w", cfg.Bridge.TimeoutRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe.ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.TimeoutRaw == "" {
			continue
		}
		ch.Timeout, err = time.ParseDuration(ch.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing channels[%d].timeout %q: %w", i, ch.TimeoutRaw, err)
		}
	}

	return nil
}
