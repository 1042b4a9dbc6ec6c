// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Bus      BusConfig      `yaml:"bus"`
	Channels ChannelsConfig `yaml:"channels"`
	Relay    RelayConfig    `yaml:"relay"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"` // persistence REST API
	WSAddr   string `yaml:"ws_addr"`   // websocket gateway
}

// DatabaseConfig holds relational store configuration.
// Driver selects the implementation: "sqlite" uses Path, "postgres" uses DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig holds bearer token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BusConfig selects the Broadcaster implementation.
// "memory" is single-instance only; "redis" is required once more than one
// gateway process serves sockets.
type BusConfig struct {
	Driver    string `yaml:"driver"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// ChannelsConfig names the bus channels used by the pipeline
type ChannelsConfig struct {
	Ingest   string `yaml:"ingest"`
	Outbound string `yaml:"outbound"`
}

// RelayConfig controls the gateway's HTTP calls to the persistence API
type RelayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// KafkaConfig holds the optional Kafka ingestion source configuration
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default channel names and relay timeout, applied when the config omits them.
const (
	DefaultIngestChannel   = "chat.incoming"
	DefaultOutboundChannel = "chat.messages"
	DefaultRelayTimeout    = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in optional fields that have sensible defaults
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Channels.Ingest == "" {
		c.Channels.Ingest = DefaultIngestChannel
	}
	if c.Channels.Outbound == "" {
		c.Channels.Outbound = DefaultOutboundChannel
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = DefaultRelayTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be \"sqlite\" or \"postgres\", got %q", c.Database.Driver)
	}

	switch c.Bus.Driver {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("bus.driver must be \"memory\" or \"redis\", got %q", c.Bus.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.TimeoutRaw != "" {
		cfg.Relay.Timeout, err = time.ParseDuration(cfg.Relay.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing relay timeout %q: %w", cfg.Relay.TimeoutRaw, err)
		}
	}

	return nil
}
