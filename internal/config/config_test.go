// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML coordinator config, TOML client profile, env expansion, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "`+testSecret+`"
  token_ttl: "24h"

devices:
  request_ttl: "90s"
  sweep_interval: "10s"
  retention: "5m"
  code_length: 8

push:
  provider: "log"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 24h", cfg.Auth.TokenTTL)
	}
	if cfg.Devices.RequestTTL != 90*time.Second {
		t.Errorf("Devices.RequestTTL = %v, want 90s", cfg.Devices.RequestTTL)
	}
	if cfg.Devices.SweepInterval != 10*time.Second {
		t.Errorf("Devices.SweepInterval = %v, want 10s", cfg.Devices.SweepInterval)
	}
	if cfg.Devices.Retention != 5*time.Minute {
		t.Errorf("Devices.Retention = %v, want 5m", cfg.Devices.Retention)
	}
	if cfg.Devices.CodeLength != 8 {
		t.Errorf("Devices.CodeLength = %d, want 8", cfg.Devices.CodeLength)
	}
	if cfg.Devices.CreateRate != DefaultCreateRate {
		t.Errorf("Devices.CreateRate = %d, want default %d", cfg.Devices.CreateRate, DefaultCreateRate)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Devices.RequestTTL != DefaultRequestTTL {
		t.Errorf("RequestTTL = %v, want %v", cfg.Devices.RequestTTL, DefaultRequestTTL)
	}
	if cfg.Devices.CodeLength != DefaultCodeLength {
		t.Errorf("CodeLength = %d, want %d", cfg.Devices.CodeLength, DefaultCodeLength)
	}
	if cfg.Push.Provider != "log" {
		t.Errorf("Push.Provider = %q, want log", cfg.Push.Provider)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_COORDINATOR_SECRET", testSecret)
	path := writeFile(t, "coordinator.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_COORDINATOR_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "database:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "short secret",
			content: "server:\n  http_addr: \":1\"\ndatabase:\n  path: x.db\nauth:\n  jwt_secret: short\n",
			wantErr: "jwt_secret",
		},
		{
			name:    "fcm without credentials",
			content: "server:\n  http_addr: \":1\"\ndatabase:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\npush:\n  provider: fcm\n",
			wantErr: "credentials_file",
		},
		{
			name:    "bad duration",
			content: "server:\n  http_addr: \":1\"\ndatabase:\n  path: x.db\nauth:\n  jwt_secret: \"" + testSecret + "\"\ndevices:\n  request_ttl: soon\n",
			wantErr: "request_ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadClient_MissingFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Requester.PollInterval.Duration != 2500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 2.5s", cfg.Requester.PollInterval.Duration)
	}
	if cfg.Timeouts.Login.Duration < time.Minute {
		t.Errorf("Login timeout = %v, want at least a minute", cfg.Timeouts.Login.Duration)
	}
	if cfg.Realtime.BackoffFloor.Duration != time.Second || cfg.Realtime.BackoffCeiling.Duration != 30*time.Second {
		t.Errorf("backoff = %v..%v, want 1s..30s", cfg.Realtime.BackoffFloor.Duration, cfg.Realtime.BackoffCeiling.Duration)
	}
	if cfg.Approver.CountdownSource != CountdownFromExpiry {
		t.Errorf("CountdownSource = %q, want %q", cfg.Approver.CountdownSource, CountdownFromExpiry)
	}
}

func TestLoadClient_TOML(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TEST_COORDINATOR_URL", "https://coord.example.com")

	path := writeFile(t, "approve.toml", `
[coordinator]
url = "${TEST_COORDINATOR_URL}"

[requester]
poll_interval = "1s"

[approver]
countdown_window = "20s"
countdown_source = "created_at"

[vault]
dir = "/tmp/vault"
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Coordinator.URL != "https://coord.example.com" {
		t.Errorf("Coordinator.URL = %q", cfg.Coordinator.URL)
	}
	if cfg.Requester.PollInterval.Duration != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Requester.PollInterval.Duration)
	}
	if cfg.Approver.CountdownWindow.Duration != 20*time.Second {
		t.Errorf("CountdownWindow = %v, want 20s", cfg.Approver.CountdownWindow.Duration)
	}
	if cfg.Approver.CountdownSource != CountdownFromCreated {
		t.Errorf("CountdownSource = %q", cfg.Approver.CountdownSource)
	}
	if cfg.Vault.Dir != "/tmp/vault" {
		t.Errorf("Vault.Dir = %q", cfg.Vault.Dir)
	}
}

func TestLoadClient_Invalid(t *testing.T) {
	chdir(t, t.TempDir())

	path := writeFile(t, "approve.toml", `
[coordinator]
url = "ftp://nope"
`)
	if _, err := LoadClient(path); err == nil {
		t.Fatal("expected scheme validation error")
	}

	path = writeFile(t, "approve.toml", `
[approver]
countdown_source = "whenever"
`)
	if _, err := LoadClient(path); err == nil {
		t.Fatal("expected countdown_source validation error")
	}
}

func TestClientConfigPath_EnvOverride(t *testing.T) {
	t.Setenv("COVEN_APPROVE_CONFIG", "/etc/coven/approve.toml")
	if got := ClientConfigPath(); got != "/etc/coven/approve.toml" {
		t.Errorf("ClientConfigPath() = %q", got)
	}

	t.Setenv("COVEN_APPROVE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ClientConfigPath(); got != filepath.Join("/xdg", "coven", "approve.toml") {
		t.Errorf("ClientConfigPath() = %q", got)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (stand-in for testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
