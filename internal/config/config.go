// ABOUTME: Configuration loading and parsing for handoff-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Routing   RoutingConfig   `yaml:"routing" toml:"routing"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve HTTP on :443 with tailnet certificates
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default), sqlite3, pgx
	Path   string `yaml:"path" toml:"path"`     // SQLite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // overrides path; required for pgx
}

// Source returns the DSN, or the file path for SQLite.
func (d DatabaseConfig) Source() string {
	if d.DSN != "" {
		return d.DSN
	}
	return d.Path
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RoutingConfig holds handoff timing and capacity defaults
type RoutingConfig struct {
	TransferTimeout      time.Duration `yaml:"-" toml:"-"`
	DrainInterval        time.Duration `yaml:"-" toml:"-"`
	SweepInterval        time.Duration `yaml:"-" toml:"-"`
	MaxClaimAttempts     int           `yaml:"max_claim_attempts" toml:"max_claim_attempts"`
	DefaultMaxConcurrent int           `yaml:"default_max_concurrent" toml:"default_max_concurrent"`

	// Raw string values for unmarshaling
	TransferTimeoutRaw string `yaml:"transfer_timeout" toml:"transfer_timeout"`
	DrainIntervalRaw   string `yaml:"drain_interval" toml:"drain_interval"`
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// EventsConfig selects where routing events are published besides the
// in-process stream
type EventsConfig struct {
	Driver   string   `yaml:"driver" toml:"driver"` // none, log, nats, amqp, redis, kafka
	URL      string   `yaml:"url" toml:"url"`
	Subject  string   `yaml:"subject" toml:"subject"`   // nats subject prefix
	Exchange string   `yaml:"exchange" toml:"exchange"` // amqp exchange
	Channel  string   `yaml:"channel" toml:"channel"`   // redis channel prefix
	Topic    string   `yaml:"topic" toml:"topic"`       // kafka topic
	Brokers  []string `yaml:"brokers" toml:"brokers"`   // kafka brokers
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults for optional settings.
const (
	DefaultTransferTimeout = 2 * time.Minute
	DefaultDrainInterval   = 5 * time.Second
	DefaultSweepInterval   = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Routing.TransferTimeout == 0 {
		c.Routing.TransferTimeout = DefaultTransferTimeout
	}
	if c.Routing.DrainInterval == 0 {
		c.Routing.DrainInterval = DefaultDrainInterval
	}
	if c.Routing.SweepInterval == 0 {
		c.Routing.SweepInterval = DefaultSweepInterval
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
		if c.Database.Source() == "" {
			return fmt.Errorf("database.path is required")
		}
	case "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the pgx driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, sqlite3, pgx)", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Routing.TransferTimeout < 0 || c.Routing.DrainInterval < 0 || c.Routing.SweepInterval < 0 {
		return fmt.Errorf("routing intervals must not be negative")
	}
	if c.Routing.MaxClaimAttempts < 0 {
		return fmt.Errorf("routing.max_claim_attempts must not be negative")
	}
	if c.Routing.DefaultMaxConcurrent < 0 {
		return fmt.Errorf("routing.default_max_concurrent must not be negative")
	}

	switch c.Events.Driver {
	case "none", "log":
	case "nats", "amqp", "redis":
		if c.Events.URL == "" {
			return fmt.Errorf("events.url is required for the %s driver", c.Events.Driver)
		}
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("events.driver %q is not supported", c.Events.Driver)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Routing.TransferTimeoutRaw != "" {
		cfg.Routing.TransferTimeout, err = time.ParseDuration(cfg.Routing.TransferTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing transfer_timeout %q: %w", cfg.Routing.TransferTimeoutRaw, err)
		}
	}

	if cfg.Routing.DrainIntervalRaw != "" {
		cfg.Routing.DrainInterval, err = time.ParseDuration(cfg.Routing.DrainIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing drain_interval %q: %w", cfg.Routing.DrainIntervalRaw, err)
		}
	}

	if cfg.Routing.SweepIntervalRaw != "" {
		cfg.Routing.SweepInterval, err = time.ParseDuration(cfg.Routing.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Routing.SweepIntervalRaw, err)
		}
	}

	return nil
}
