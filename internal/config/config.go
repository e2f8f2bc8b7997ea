// ABOUTME: Configuration loading and parsing for coven-coordinator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the coordinator config leaves a field empty.
const (
	DefaultRequestTTL    = 120 * time.Second
	DefaultTokenTTL      = 30 * 24 * time.Hour
	DefaultSweepInterval = 30 * time.Second
	DefaultRetention     = 10 * time.Minute
	DefaultCodeLength    = 6
	DefaultCreateRate    = 6 // device requests per minute per identifier
	DefaultCreateBurst   = 3
)

// Config represents the complete coven-coordinator configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Devices  DevicesConfig  `yaml:"devices"`
	Push     PushConfig     `yaml:"push"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token signing configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// DevicesConfig holds device login request timing and limits
type DevicesConfig struct {
	RequestTTL    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	Retention     time.Duration `yaml:"-"` // how long resolved requests stay pollable after expiry
	CodeLength    int           `yaml:"code_length"`
	CreateRate    int           `yaml:"create_rate"`
	CreateBurst   int           `yaml:"create_burst"`

	// Raw string values for YAML unmarshaling
	RequestTTLRaw    string `yaml:"request_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	RetentionRaw     string `yaml:"retention"`
}

// PushConfig selects how new device requests reach the approver's devices
type PushConfig struct {
	Provider        string `yaml:"provider"` // "log" or "fcm"
	CredentialsFile string `yaml:"credentials_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Devices.RequestTTL == 0 {
		c.Devices.RequestTTL = DefaultRequestTTL
	}
	if c.Devices.SweepInterval == 0 {
		c.Devices.SweepInterval = DefaultSweepInterval
	}
	if c.Devices.Retention == 0 {
		c.Devices.Retention = DefaultRetention
	}
	if c.Devices.CodeLength == 0 {
		c.Devices.CodeLength = DefaultCodeLength
	}
	if c.Devices.CreateRate == 0 {
		c.Devices.CreateRate = DefaultCreateRate
	}
	if c.Devices.CreateBurst == 0 {
		c.Devices.CreateBurst = DefaultCreateBurst
	}
	if c.Push.Provider == "" {
		c.Push.Provider = "log"
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
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Devices.CodeLength < 4 || c.Devices.CodeLength > 10 {
		return fmt.Errorf("devices.code_length must be between 4 and 10")
	}
	switch c.Push.Provider {
	case "log":
	case "fcm":
		if c.Push.CredentialsFile == "" {
			return fmt.Errorf("push.credentials_file is required when push.provider is fcm")
		}
	default:
		return fmt.Errorf("push.provider must be log or fcm, got %q", c.Push.Provider)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Devices.RequestTTLRaw != "" {
		cfg.Devices.RequestTTL, err = time.ParseDuration(cfg.Devices.RequestTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing request_ttl %q: %w", cfg.Devices.RequestTTLRaw, err)
		}
	}

	if cfg.Devices.SweepIntervalRaw != "" {
		cfg.Devices.SweepInterval, err = time.ParseDuration(cfg.Devices.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Devices.SweepIntervalRaw, err)
		}
	}

	if cfg.Devices.RetentionRaw != "" {
		cfg.Devices.Retention, err = time.ParseDuration(cfg.Devices.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing retention %q: %w", cfg.Devices.RetentionRaw, err)
		}
	}

	return nil
}
