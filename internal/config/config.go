// ABOUTME: Configuration loading and parsing for polylog-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete polylog-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Conversation ConversationConfig `yaml:"conversation"`
	Session      SessionConfig      `yaml:"session"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AssistantConfig holds the LLM participant configuration
type AssistantConfig struct {
	Provider          string   `yaml:"provider"`
	APIKey            string   `yaml:"api_key"`
	Model             string   `yaml:"model"`
	Name              string   `yaml:"name"`
	MentionTokens     []string `yaml:"mention_tokens"`
	ContextWindowSize int      `yaml:"context_window_size"`
	MaxTokens         int      `yaml:"max_tokens"`

	LullTimeout   time.Duration `yaml:"-"`
	InvokeTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LullTimeoutRaw   string `yaml:"lull_timeout"`
	InvokeTimeoutRaw string `yaml:"invoke_timeout"`
}

// ConversationConfig holds message ingestion limits
type ConversationConfig struct {
	MaxMessageLength       int `yaml:"max_message_length"`
	RateLimitPerUserPerMin int `yaml:"rate_limit_per_user_per_minute"`

	DedupeWindow time.Duration `yaml:"-"`

	DedupeWindowRaw string `yaml:"dedupe_window"`
}

// SessionConfig holds presence and heartbeat timing configuration
type SessionConfig struct {
	HeartbeatMisses int `yaml:"heartbeat_misses"`

	HeartbeatInterval time.Duration `yaml:"-"`
	GracePeriod       time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	GracePeriodRaw       string `yaml:"grace_period"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

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
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with production defaults.
func (c *Config) applyDefaults() {
	if c.Assistant.Name == "" {
		c.Assistant.Name = "AI Assistant"
	}
	if c.Assistant.LullTimeout == 0 {
		c.Assistant.LullTimeout = 30 * time.Second
	}
	if c.Assistant.InvokeTimeout == 0 {
		c.Assistant.InvokeTimeout = 60 * time.Second
	}
	if c.Assistant.ContextWindowSize == 0 {
		c.Assistant.ContextWindowSize = 50
	}
	if c.Assistant.MaxTokens == 0 {
		c.Assistant.MaxTokens = 1024
	}
	if c.Conversation.MaxMessageLength == 0 {
		c.Conversation.MaxMessageLength = 4000
	}
	if c.Conversation.DedupeWindow == 0 {
		c.Conversation.DedupeWindow = 30 * time.Second
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = 30 * time.Second
	}
	if c.Session.HeartbeatMisses == 0 {
		c.Session.HeartbeatMisses = 2
	}
	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = 60 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Assistant.Provider != "" {
		switch c.Assistant.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("assistant.provider must be openai or anthropic, got %q", c.Assistant.Provider)
		}
		if c.Assistant.APIKey == "" {
			return fmt.Errorf("assistant.api_key is required when a provider is set")
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"assistant.lull_timeout", cfg.Assistant.LullTimeoutRaw, &cfg.Assistant.LullTimeout},
		{"assistant.invoke_timeout", cfg.Assistant.InvokeTimeoutRaw, &cfg.Assistant.InvokeTimeout},
		{"conversation.dedupe_window", cfg.Conversation.DedupeWindowRaw, &cfg.Conversation.DedupeWindow},
		{"session.heartbeat_interval", cfg.Session.HeartbeatIntervalRaw, &cfg.Session.HeartbeatInterval},
		{"session.grace_period", cfg.Session.GracePeriodRaw, &cfg.Session.GracePeriod},
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
