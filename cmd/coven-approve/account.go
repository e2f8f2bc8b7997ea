// ABOUTME: Account commands: passkey management, push registration, status, logout
// ABOUTME: Passkey enrollment verifies the credentials and asks for presence first

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-approve/internal/client"
	"github.com/2389/coven-approve/internal/vault"
)

const enrollReason = "Confirm it's you to store a passkey on this device"

func (a *app) cmdPasskey(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: coven-approve passkey add|remove|status")
	}

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("passkey add", flag.ContinueOnError)
		password := fs.String("password", "", "password (prompted when omitted)")
		if err := fs.Parse(reorder(args[1:])); err != nil {
			return err
		}

		identifier := fs.Arg(0)
		if identifier == "" {
			sess, ok := a.session.Current()
			if !ok {
				return fmt.Errorf("usage: coven-approve passkey add <identifier>")
			}
			identifier = sess.Identity.Identifier
		}
		secret := *password
		if secret == "" {
			var err error
			if secret, err = readSecret("Password"); err != nil {
				return err
			}
		}
		if err := a.savePasskey(ctx, identifier, secret); err != nil {
			return err
		}
		color.Green("✓ Passkey stored for %s", identifier)
		return nil

	case "remove":
		if err := a.vault.DeletePasskey(); err != nil {
			return err
		}
		color.Green("✓ Passkey removed")
		return nil

	case "status":
		if a.vault.HasPasskey() {
			fmt.Println("Passkey: present")
		} else {
			fmt.Println("Passkey: none")
		}
		return nil

	default:
		return fmt.Errorf("unknown passkey command: %s", args[0])
	}
}

// savePasskey checks the credentials against the coordinator and then stores
// them behind the presence gate.
func (a *app) savePasskey(ctx context.Context, identifier, secret string) error {
	if _, err := a.client.Login(ctx, identifier, secret); err != nil {
		return fmt.Errorf("verifying credentials: %w", err)
	}
	if err := a.gate.Authenticate(ctx, enrollReason); err != nil {
		return fmt.Errorf("presence check: %w", err)
	}
	return a.vault.SavePasskey(vault.Passkey{Identifier: identifier, Secret: secret})
}

func (a *app) cmdPushToken(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "register" {
		return fmt.Errorf("usage: coven-approve push-token register <token> [--platform P]")
	}
	fs := flag.NewFlagSet("push-token register", flag.ContinueOnError)
	platform := fs.String("platform", "cli", "platform name reported to the coordinator")
	if err := fs.Parse(reorder(args[1:])); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: coven-approve push-token register <token> [--platform P]")
	}

	if err := a.client.RegisterPushToken(ctx, strings.TrimSpace(fs.Arg(0)), *platform); err != nil {
		return err
	}
	color.Green("✓ Push token registered")
	return nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Coordinator:\t%s\n", a.client.BaseURL())

	sess, ok := a.session.Current()
	if !ok {
		fmt.Fprintf(w, "Session:\t%s\n", color.YellowString("signed out"))
	} else {
		fmt.Fprintf(w, "Session:\t%s\n", color.GreenString("signed in"))
		fmt.Fprintf(w, "Identifier:\t%s\n", sess.Identity.Identifier)
		fmt.Fprintf(w, "Role:\t%s\n", sess.Identity.Role)
		if len(sess.Identity.Permissions) > 0 {
			fmt.Fprintf(w, "Permissions:\t%s\n", strings.Join(sess.Identity.Permissions, ", "))
		}
		fmt.Fprintf(w, "Since:\t%s\n", sess.CreatedAt.Local().Format(time.RFC1123))
	}

	passkey := "none"
	if a.vault.HasPasskey() {
		passkey = "present"
	}
	fmt.Fprintf(w, "Passkey:\t%s\n", passkey)

	if ok {
		status, err := a.client.PushTokenStatus(ctx)
		switch {
		case client.IsNetwork(err):
			fmt.Fprintf(w, "Push:\t%s\n", color.YellowString("coordinator unreachable"))
		case err != nil:
			fmt.Fprintf(w, "Push:\t%s\n", color.RedString(err.Error()))
		case status.Registered:
			fmt.Fprintf(w, "Push:\tregistered (%s, %s)\n", status.Platform, status.UpdatedAt.Local().Format(time.RFC1123))
		default:
			fmt.Fprintf(w, "Push:\tnot registered\n")
		}
	}

	if pending, err := a.outbox.Pending(); err == nil && pending != nil {
		fmt.Fprintf(w, "Hand-off:\t%s (run coven-approve resume)\n", pending.Title)
	}
	return nil
}

func (a *app) cmdLogout() error {
	if _, ok := a.session.Current(); !ok {
		fmt.Println("Already signed out.")
		return nil
	}
	if err := a.session.Clear("logout"); err != nil {
		return err
	}
	color.Green("✓ Signed out")
	return nil
}
