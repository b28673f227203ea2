// ABOUTME: Configuration loading and parsing for tether-runner
// ABOUTME: Supports TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the complete tether-runner configuration
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Database DatabaseConfig `toml:"database"`
	Agent    AgentConfig    `toml:"agent"`
	Blob     BlobConfig     `toml:"blob"`
	Identity IdentityConfig `toml:"identity"`
	Runner   RunnerConfig   `toml:"runner"`
	Logging  LoggingConfig  `toml:"logging"`
}

// NATSConfig holds the connection settings for the coordination substrate
type NATSConfig struct {
	URL string `toml:"url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AgentConfig holds the agent pipeline endpoint configuration
type AgentConfig struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"-"`

	TimeoutRaw string `toml:"timeout"`
}

// BlobConfig holds attachment blob storage configuration
type BlobConfig struct {
	Dir     string `toml:"dir"`
	BaseURL string `toml:"base_url"`
}

// IdentityConfig holds identity-link token configuration
type IdentityConfig struct {
	LinkBaseURL string        `toml:"link_base_url"`
	TokenSecret string        `toml:"token_secret"`
	TokenTTL    time.Duration `toml:"-"`

	TokenTTLRaw string `toml:"token_ttl"`
}

// RunnerConfig holds runner coordination and connection timing configuration
type RunnerConfig struct {
	HeartbeatInterval   time.Duration `toml:"-"`
	LeaseTTL            time.Duration `toml:"-"`
	ReconnectMinBackoff time.Duration `toml:"-"`
	ReconnectMaxBackoff time.Duration `toml:"-"`
	HistoryLimit        int           `toml:"history_limit"`
	MaxPostWords        int           `toml:"max_post_words"`

	// Raw string values for TOML unmarshaling
	HeartbeatIntervalRaw   string `toml:"heartbeat_interval"`
	LeaseTTLRaw            string `toml:"lease_ttl"`
	ReconnectMinBackoffRaw string `toml:"reconnect_min_backoff"`
	ReconnectMaxBackoffRaw string `toml:"reconnect_max_backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults applied when the corresponding config field is absent.
const (
	DefaultHeartbeatInterval   = 20 * time.Second
	DefaultLeaseTTL            = 60 * time.Second
	DefaultReconnectMinBackoff = time.Second
	DefaultReconnectMaxBackoff = time.Minute
	DefaultAgentTimeout        = 2 * time.Minute
	DefaultTokenTTL            = 24 * time.Hour
	DefaultHistoryLimit        = 20
	DefaultMaxPostWords        = 100
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw TOML content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

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
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Runner.HeartbeatIntervalRaw, &cfg.Runner.HeartbeatInterval, "runner.heartbeat_interval"},
		{cfg.Runner.LeaseTTLRaw, &cfg.Runner.LeaseTTL, "runner.lease_ttl"},
		{cfg.Runner.ReconnectMinBackoffRaw, &cfg.Runner.ReconnectMinBackoff, "runner.reconnect_min_backoff"},
		{cfg.Runner.ReconnectMaxBackoffRaw, &cfg.Runner.ReconnectMaxBackoff, "runner.reconnect_max_backoff"},
		{cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout, "agent.timeout"},
		{cfg.Identity.TokenTTLRaw, &cfg.Identity.TokenTTL, "identity.token_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// applyDefaults fills in zero-valued fields with their defaults
func applyDefaults(cfg *Config) {
	if cfg.Runner.HeartbeatInterval == 0 {
		cfg.Runner.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Runner.LeaseTTL == 0 {
		cfg.Runner.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Runner.ReconnectMinBackoff == 0 {
		cfg.Runner.ReconnectMinBackoff = DefaultReconnectMinBackoff
	}
	if cfg.Runner.ReconnectMaxBackoff == 0 {
		cfg.Runner.ReconnectMaxBackoff = DefaultReconnectMaxBackoff
	}
	if cfg.Runner.HistoryLimit == 0 {
		cfg.Runner.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Runner.MaxPostWords == 0 {
		cfg.Runner.MaxPostWords = DefaultMaxPostWords
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = DefaultAgentTimeout
	}
	if cfg.Identity.TokenTTL == 0 {
		cfg.Identity.TokenTTL = DefaultTokenTTL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required")
	}
	u, err := url.Parse(c.Agent.URL)
	if err != nil {
		return fmt.Errorf("agent.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("agent.url must use http or https scheme")
	}

	if c.Blob.Dir == "" {
		return fmt.Errorf("blob.dir is required")
	}
	if c.Blob.BaseURL == "" {
		return fmt.Errorf("blob.base_url is required")
	}

	if c.Identity.TokenSecret == "" {
		return fmt.Errorf("identity.token_secret is required")
	}
	if len(c.Identity.TokenSecret) < 32 {
		return fmt.Errorf("identity.token_secret must be at least 32 bytes")
	}
	if c.Identity.LinkBaseURL == "" {
		return fmt.Errorf("identity.link_base_url is required")
	}

	return nil
}
