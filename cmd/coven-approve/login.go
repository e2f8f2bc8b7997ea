// ABOUTME: Requester commands: device login with live code display, and password login
// ABOUTME: Ctrl-C cancels the pending request on the coordinator before exiting

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-approve/internal/biometric"
	"github.com/2389/coven-approve/internal/requester"
)

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	password := fs.String("password", "", "password (prompted when omitted)")
	viaSession := fs.Bool("session", false, "vouch with this device's current session instead of a password")
	if err := fs.Parse(reorder(args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: coven-approve login <identifier> [--password P | --session]")
	}
	identifier := strings.TrimSpace(fs.Arg(0))

	secret := *password
	if !*viaSession && secret == "" {
		var err error
		if secret, err = readSecret("Password"); err != nil {
			return err
		}
	}

	flow := requester.New(a.client, a.session, requester.Options{
		PollInterval: a.cfg.Requester.PollInterval.Duration,
		Watcher: &requester.RealtimeWatcher{
			BaseURL:        a.cfg.Coordinator.URL,
			BackoffFloor:   a.cfg.Realtime.BackoffFloor.Duration,
			BackoffCeiling: a.cfg.Realtime.BackoffCeiling.Duration,
			StableAfter:    a.cfg.Realtime.StableAfter.Duration,
			Logger:         a.logger,
		},
		Logger: a.logger,
	})
	unsubscribe := flow.Subscribe(printSnapshot)
	defer unsubscribe()

	if err := flow.Start(ctx, identifier, secret); err != nil {
		return describeRequesterError(flow.Snapshot(), err)
	}

	final := flow.Wait(ctx)
	if ctx.Err() != nil && final.State != requester.StateApproved {
		flow.Cancel(context.Background())
		fmt.Println()
		color.Yellow("Cancelled.")
		return nil
	}

	switch final.State {
	case requester.StateApproved:
		color.Green("✓ Signed in as %s", final.Identifier)
		return nil
	case requester.StateDenied:
		return fmt.Errorf("the request was denied on your other device")
	case requester.StateExpired:
		return fmt.Errorf("the request expired before anyone approved it")
	case requester.StateError:
		return describeRequesterError(final, final.Err)
	default:
		return fmt.Errorf("login ended in state %s", final.State)
	}
}

func printSnapshot(s requester.Snapshot) {
	switch s.State {
	case requester.StateRequesting:
		color.New(color.FgHiBlack).Printf("Requesting approval for %s...\n", s.Identifier)
	case requester.StateAwaitingApproval:
		fmt.Println()
		fmt.Print("  Approve this sign-in on another device. Code: ")
		color.New(color.FgCyan, color.Bold).Println(s.Code)
		if !s.ExpiresAt.IsZero() {
			color.New(color.FgHiBlack).Printf("  Expires at %s\n", s.ExpiresAt.Local().Format(time.Kitchen))
		}
		fmt.Println()
	}
}

func describeRequesterError(s requester.Snapshot, err error) error {
	switch s.ErrorKind {
	case requester.KindInvalidCredentials:
		return fmt.Errorf("wrong identifier or password")
	case requester.KindNetwork:
		return fmt.Errorf("cannot reach the coordinator: %w", err)
	case requester.KindRateLimited:
		return fmt.Errorf("too many sign-in attempts, try again in a minute")
	case requester.KindUnauthorized:
		return fmt.Errorf("this device's session was rejected, sign in with a password")
	case requester.KindRequestGone:
		return fmt.Errorf("the request was withdrawn")
	}
	if err == nil {
		err = errors.New("unknown failure")
	}
	return err
}

func (a *app) cmdPasswordLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("password-login", flag.ContinueOnError)
	password := fs.String("password", "", "password (prompted when omitted)")
	savePasskey := fs.Bool("save-passkey", false, "also store the credentials as this device's passkey")
	if err := fs.Parse(reorder(args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: coven-approve password-login <identifier> [--password P] [--save-passkey]")
	}
	identifier := strings.TrimSpace(fs.Arg(0))

	secret := *password
	if secret == "" {
		var err error
		if secret, err = readSecret("Password"); err != nil {
			return err
		}
	}

	res, err := a.client.Login(ctx, identifier, secret)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}
	if err := a.session.Establish(res.Token, res.Identity()); err != nil {
		return err
	}
	if *savePasskey {
		if err := a.savePasskey(ctx, identifier, secret); err != nil {
			return err
		}
	}

	color.Green("✓ Signed in as %s (%s)", res.Identifier, res.Role)
	return nil
}

// readSecret reads one line from stdin after printing label.
func readSecret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, err := biometric.Stdin().ReadLine(context.Background())
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	secret := strings.TrimRight(line, "\r")
	if secret == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	return secret, nil
}

// reorder moves flags ahead of positional arguments so that
// "login alice --session" parses the same as "login --session alice".
func reorder(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if !strings.Contains(arg, "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") && takesValue(arg) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return append(flags, positional...)
}

// takesValue lists the flags that consume the following argument.
func takesValue(flagName string) bool {
	switch strings.TrimLeft(flagName, "-") {
	case "password", "code", "request-id", "platform":
		return true
	}
	return false
}
