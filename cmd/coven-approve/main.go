// ABOUTME: Entry point for coven-approve, the device login CLI
// ABOUTME: Hosts the requester, the foreground approver, and the background action handler

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-approve/internal/background"
	"github.com/2389/coven-approve/internal/biometric"
	"github.com/2389/coven-approve/internal/client"
	"github.com/2389/coven-approve/internal/config"
	"github.com/2389/coven-approve/internal/logging"
	"github.com/2389/coven-approve/internal/notify"
	"github.com/2389/coven-approve/internal/session"
	"github.com/2389/coven-approve/internal/vault"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                                    
  ___ _____   _____ _ __         __ _ _ __  _ __  _ __ _____   _____ 
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | '_ \| '_ \| '__/ _ \ \ / / _ \
| (_| (_) \ V /  __/ | | |_____| (_| | |_) | |_) | | | (_) \ V /  __/
 \___\___/ \_/ \___|_| |_|      \__,_| .__/| .__/|_|  \___/ \_/ \___|
                                     |_|   |_|                       
`

// app is everything a command needs, built once per process.
type app struct {
	cfg      *config.ClientConfig
	logger   *slog.Logger
	vault    *vault.Vault
	session  *session.State
	client   *client.Client
	gate     biometric.Gate
	notifier notify.Scheduler
	outbox   *notify.Outbox
}

func newApp() (*app, error) {
	cfg, err := config.LoadClient(config.ClientConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	v, err := vault.Open(cfg.Vault.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening vault: %w", err)
	}
	state := session.New(v, logger)

	cl := client.New(cfg.Coordinator.URL,
		client.WithTokenSource(client.TokenFunc(state.Token)),
		client.WithUnauthorizedHandler(func() {
			if err := state.Clear("coordinator rejected session"); err != nil {
				logger.Error("clearing session failed", "error", err)
			}
		}),
		client.WithTimeouts(cfg.Timeouts.Request.Duration, cfg.Timeouts.Login.Duration),
		client.WithLogger(logger),
	)

	outbox := notify.NewOutbox(filepath.Join(cfg.Vault.Dir, notify.OutboxFile))
	a := &app{
		cfg:      cfg,
		logger:   logger,
		vault:    v,
		session:  state,
		client:   cl,
		gate:     biometric.NewPromptGate(cfg.Vault.PINHash),
		notifier: notify.Multi{notify.NewConsole(), outbox},
		outbox:   outbox,
	}

	// The action handler is registered at process start so that a tap on a
	// notification can be handled no matter which command is running.
	proc := background.NewProcessor(cl, v, a.notifier, cfg.Background.TimeLimit.Duration, logger)
	background.Default().Register(background.TaskDeviceAction, proc.Task())
	return a, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}
	if cmd == "version" {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "login":
		err = a.cmdLogin(ctx, args)
	case "password-login":
		err = a.cmdPasswordLogin(ctx, args)
	case "approve":
		err = a.cmdApprove(ctx, args)
	case "resume":
		err = a.cmdResume(ctx)
	case "action":
		err = a.cmdAction(ctx, args)
	case "watch":
		err = a.cmdWatch(ctx)
	case "passkey":
		err = a.cmdPasskey(ctx, args)
	case "push-token":
		err = a.cmdPushToken(ctx, args)
	case "status":
		err = a.cmdStatus(ctx)
	case "logout":
		err = a.cmdLogout()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-approve <command> [args]")
	fmt.Println()
	yellow.Println("Sign in on this device:")
	fmt.Println("  login <identifier>              Ask another signed-in device to approve this one")
	fmt.Println("  password-login <identifier>     Sign in directly with a password")
	fmt.Println()
	yellow.Println("Approve other devices:")
	fmt.Println("  approve [--code C] [--request-id R]")
	fmt.Println("                                  Review a pending request (oldest pending if none given)")
	fmt.Println("  watch                           Stay connected and prompt for each new request")
	fmt.Println("  resume                          Finish an action handed off from a notification")
	fmt.Println("  action <approve|deny> --request-id R [--code C]")
	fmt.Println("                                  Handle a notification action button without prompting")
	fmt.Println()
	yellow.Println("Account:")
	fmt.Println("  passkey add|remove|status       Manage the passkey used to sign in after a presence check")
	fmt.Println("  push-token register <token> [--platform P]")
	fmt.Println("                                  Register this device for approval pushes")
	fmt.Println("  status                          Show the session, passkey and push registration")
	fmt.Println("  logout                          Clear the stored session")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_APPROVE_CONFIG            Profile path (default: ~/.config/coven/approve.toml)")
	fmt.Println()
}
