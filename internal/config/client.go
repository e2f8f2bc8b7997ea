// ABOUTME: Client profile loading for the coven-approve CLI
// ABOUTME: Loads TOML with ${VAR} expansion, optional .env, and handshake timing defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration that decodes from strings like "2.5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Countdown sources for the approver's on-screen timer.
const (
	CountdownFromExpiry  = "expires_at"
	CountdownFromCreated = "created_at"
)

// ClientConfig is the profile shared by the requester, approver and background surfaces.
type ClientConfig struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Timeouts    TimeoutsConfig    `toml:"timeouts"`
	Requester   RequesterConfig   `toml:"requester"`
	Realtime    RealtimeConfig    `toml:"realtime"`
	Approver    ApproverConfig    `toml:"approver"`
	Background  BackgroundConfig  `toml:"background"`
	Vault       VaultConfig       `toml:"vault"`
	Logging     LoggingConfig     `toml:"logging"`
}

type CoordinatorConfig struct {
	URL string `toml:"url"`
}

// TimeoutsConfig separates the long cold-start timeout from the normal one.
type TimeoutsConfig struct {
	Request Duration `toml:"request"`
	Login   Duration `toml:"login"`
}

type RequesterConfig struct {
	PollInterval Duration `toml:"poll_interval"`
}

type RealtimeConfig struct {
	BackoffFloor   Duration `toml:"backoff_floor"`
	BackoffCeiling Duration `toml:"backoff_ceiling"`
	StableAfter    Duration `toml:"stable_after"`
}

type ApproverConfig struct {
	CountdownWindow Duration `toml:"countdown_window"`
	CountdownSource string   `toml:"countdown_source"`
	SuccessDismiss  Duration `toml:"success_dismiss"`
	ExpiryGrace     Duration `toml:"expiry_grace"`
}

type BackgroundConfig struct {
	TimeLimit Duration `toml:"time_limit"`
}

type VaultConfig struct {
	Dir     string `toml:"dir"`
	PINHash string `toml:"pin_hash"` // bcrypt hash; empty means y/N confirmation
}

// DefaultClientConfig returns a profile with every default filled in.
func DefaultClientConfig() *ClientConfig {
	cfg := &ClientConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.Coordinator.URL == "" {
		c.Coordinator.URL = "http://localhost:8080"
	}
	setDefault(&c.Timeouts.Request, 10*time.Second)
	setDefault(&c.Timeouts.Login, 90*time.Second)
	setDefault(&c.Requester.PollInterval, 2500*time.Millisecond)
	setDefault(&c.Realtime.BackoffFloor, time.Second)
	setDefault(&c.Realtime.BackoffCeiling, 30*time.Second)
	setDefault(&c.Realtime.StableAfter, 5*time.Second)
	setDefault(&c.Approver.CountdownWindow, 15*time.Second)
	setDefault(&c.Approver.SuccessDismiss, 1500*time.Millisecond)
	setDefault(&c.Approver.ExpiryGrace, time.Second)
	setDefault(&c.Background.TimeLimit, 25*time.Second)
	if c.Approver.CountdownSource == "" {
		c.Approver.CountdownSource = CountdownFromExpiry
	}
	if c.Vault.Dir == "" {
		c.Vault.Dir = DefaultVaultDir()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
}

func setDefault(d *Duration, v time.Duration) {
	if d.Duration == 0 {
		d.Duration = v
	}
}

// LoadClient reads the TOML profile at path. A missing file yields defaults.
// A .env file in the working directory is loaded first when present so that
// ${VAR} references resolve.
func LoadClient(path string) (*ClientConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &ClientConfig{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks that required profile fields are present and valid.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.Coordinator.URL)
	if err != nil {
		return fmt.Errorf("coordinator.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("coordinator.url must use http or https scheme")
	}
	if c.Timeouts.Login.Duration < c.Timeouts.Request.Duration {
		return fmt.Errorf("timeouts.login must not be shorter than timeouts.request")
	}
	if c.Realtime.BackoffCeiling.Duration < c.Realtime.BackoffFloor.Duration {
		return fmt.Errorf("realtime.backoff_ceiling must not be below realtime.backoff_floor")
	}
	switch c.Approver.CountdownSource {
	case CountdownFromExpiry, CountdownFromCreated:
	default:
		return fmt.Errorf("approver.countdown_source must be %s or %s", CountdownFromExpiry, CountdownFromCreated)
	}
	return nil
}

// ClientConfigPath returns the profile path.
// Priority: COVEN_APPROVE_CONFIG env var > XDG_CONFIG_HOME/coven/approve.toml > ~/.config/coven/approve.toml
func ClientConfigPath() string {
	if envPath := os.Getenv("COVEN_APPROVE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "approve.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "approve.toml")
}

// DefaultVaultDir returns XDG_DATA_HOME/coven/vault or ~/.local/share/coven/vault.
func DefaultVaultDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("data", "vault")
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven", "vault")
}
