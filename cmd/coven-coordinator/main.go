// ABOUTME: Entry point for coven-coordinator, the reference device login server
// ABOUTME: Runs the HTTP/WebSocket API and the expiry sweeper, and manages users

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-approve/internal/auth"
	"github.com/2389/coven-approve/internal/config"
	"github.com/2389/coven-approve/internal/coordinator"
	"github.com/2389/coven-approve/internal/hub"
	"github.com/2389/coven-approve/internal/logging"
	"github.com/2389/coven-approve/internal/push"
	"github.com/2389/coven-approve/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                      _ _             _
  ___ _____   _____ _ __         ___ ___   ___  _ __ __| (_)_ __   __ _| |_ ___  _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \ / _ \| '__/ _' | | '_ \ / _' | __/ _ \| '__|
| (_| (_) \ V /  __/ | | |_____| (_| (_) | (_) | | | (_| | | | | | (_| | || (_) | |
 \___\___/ \_/ \___|_| |_|      \___\___/ \___/|_|  \__,_|_|_| |_|\__,_|\__\___/|_|
`

const shutdownTimeout = 5 * time.Second

// getConfigPath returns the path to the coordinator config file.
// Priority: COVEN_COORDINATOR_CONFIG env var > XDG_CONFIG_HOME/coven/coordinator.yaml > ~/.config/coven/coordinator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_COORDINATOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "coordinator.yaml")
}

// getDataPath returns XDG_DATA_HOME/coven or ~/.local/share/coven.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "user":
		err = runUser(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: coven-coordinator <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                   Start the coordinator")
	fmt.Println("  init                                    Write a config file with a fresh signing secret")
	fmt.Println("  user add <identifier> [--role R] [--password P] [--permissions a,b]")
	fmt.Println("                                          Create a user")
	fmt.Println("  health                                  Check coordinator health")
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Push:      %s\n", cfg.Push.Provider)
	fmt.Println()

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	sender, err := newSender(ctx, cfg.Push, logger)
	if err != nil {
		return err
	}

	h := hub.New(nil, logger)
	defer h.Close()

	coord := coordinator.New(s, auth.NewJWTIssuer([]byte(cfg.Auth.JWTSecret)), h, sender, coordinator.Options{
		RequestTTL:    cfg.Devices.RequestTTL,
		TokenTTL:      cfg.Auth.TokenTTL,
		CodeLength:    cfg.Devices.CodeLength,
		SweepInterval: cfg.Devices.SweepInterval,
		Retention:     cfg.Devices.Retention,
		CreateRate:    cfg.Devices.CreateRate,
		CreateBurst:   cfg.Devices.CreateBurst,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           coord.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting coven-coordinator", "config", configPath, "http_addr", cfg.Server.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return coord.RunSweeper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down coordinator")
		// The parent context is already done; shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		h.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newSender(ctx context.Context, cfg config.PushConfig, logger *slog.Logger) (push.Sender, error) {
	switch cfg.Provider {
	case "fcm":
		sender, err := push.NewFCMSender(ctx, cfg.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing fcm: %w", err)
		}
		return sender, nil
	default:
		return push.NewLogSender(logger), nil
	}
}

func runUser(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return fmt.Errorf("usage: coven-coordinator user add <identifier> [--role R] [--password P] [--permissions a,b]")
	}

	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	role := fs.String("role", store.RoleUser, "user or admin")
	password := fs.String("password", "", "password (generated when omitted)")
	perms := fs.String("permissions", "", "comma-separated permission names")

	// Allow the identifier before or after the flags.
	rest := args[1:]
	var identifier string
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		identifier, rest = rest[0], rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if identifier == "" {
		identifier = fs.Arg(0)
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if *role != store.RoleUser && *role != store.RoleAdmin {
		return fmt.Errorf("role must be %s or %s", store.RoleUser, store.RoleAdmin)
	}

	generated := false
	secret := *password
	if secret == "" {
		var err error
		if secret, err = randomSecret(12); err != nil {
			return err
		}
		generated = true
	}

	var permissions []string
	for _, p := range strings.Split(*perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			permissions = append(permissions, p)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	coord := coordinator.New(s, auth.NewJWTIssuer([]byte(cfg.Auth.JWTSecret)), hub.New(nil, nil), nil, coordinator.Options{})
	if err := coord.CreateUser(ctx, identifier, secret, *role, permissions); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("user %s already exists", identifier)
		}
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created %s user %s\n", *role, identifier)
	if generated {
		fmt.Printf("  Password: %s\n", secret)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInit writes a config with a random signing secret unless one exists.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secret, err := randomSecret(32)
	if err != nil {
		return err
	}
	dbPath := filepath.Join(getDataPath(), "coordinator.db")

	content := fmt.Sprintf(`# coven-coordinator configuration
# Generated by coven-coordinator init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  token_ttl: "720h"

devices:
  request_ttl: "120s"
  sweep_interval: "30s"
  retention: "10m"
  code_length: 6

push:
  provider: "log"

logging:
  level: "info"
  format: "text"
`, dbPath, secret)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	yellow.Println("  Next:")
	fmt.Println("    coven-coordinator user add <identifier> --role admin")
	fmt.Println("    coven-coordinator serve")
	return nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
