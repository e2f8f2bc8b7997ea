// ABOUTME: Approver commands: approve, resume, action, and watch
// ABOUTME: watch keeps the session channel open and prompts once per new request id

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-approve/internal/approver"
	"github.com/2389/coven-approve/internal/background"
	"github.com/2389/coven-approve/internal/biometric"
	"github.com/2389/coven-approve/internal/dedupe"
	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/notify"
	"github.com/2389/coven-approve/internal/realtime"
	"github.com/2389/coven-approve/internal/session"
)

func (a *app) newApprover() (*approver.Flow, *approver.TerminalPresenter) {
	presenter := &approver.TerminalPresenter{In: os.Stdin, Out: os.Stdout, Tick: time.Second, Lines: biometric.Stdin()}
	flow := approver.New(a.client, a.session, a.vault, a.gate, presenter, approver.Options{
		CountdownWindow: a.cfg.Approver.CountdownWindow.Duration,
		CountdownSource: a.cfg.Approver.CountdownSource,
		SuccessDismiss:  a.cfg.Approver.SuccessDismiss.Duration,
		ExpiryGrace:     a.cfg.Approver.ExpiryGrace.Duration,
		Logger:          a.logger,
	})
	return flow, presenter
}

func (a *app) cmdApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	code := fs.String("code", "", "request code shown on the requesting device")
	requestID := fs.String("request-id", "", "request id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, presenter := a.newApprover()
	result := flow.Run(ctx, approver.Entry{
		Source:    approver.SourceColdStart,
		RequestID: *requestID,
		Code:      *code,
	})
	return presenter.Report(ctx, result)
}

// cmdResume finishes the newest action a background run handed off.
func (a *app) cmdResume(ctx context.Context) error {
	n, err := a.outbox.Pending()
	if err != nil {
		return fmt.Errorf("reading outbox: %w", err)
	}
	if n == nil {
		color.Yellow("Nothing to resume.")
		return nil
	}

	entry := notify.ParseEntry(n.Data)
	flow, presenter := a.newApprover()
	result := flow.Run(ctx, approver.Entry{
		Source:        approver.SourcePendingAction,
		RequestID:     entry.RequestID,
		Code:          entry.Code,
		PendingAction: entry.PendingAction,
	})

	// A failed submit stays queued so resume can be retried.
	if result.Outcome != approver.OutcomeError && result.Outcome != approver.OutcomeManualLogin {
		if err := a.outbox.Ack(n.ID); err != nil {
			a.logger.Warn("acknowledging hand-off failed", "id", n.ID, "error", err)
		}
	}
	return presenter.Report(ctx, result)
}

// cmdAction is what a notification action button runs. It goes through the
// process registry exactly like a system-dispatched background task.
func (a *app) cmdAction(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("action", flag.ContinueOnError)
	code := fs.String("code", "", "request code")
	requestID := fs.String("request-id", "", "request id")
	if err := fs.Parse(reorder(args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: coven-approve action <approve|deny> --request-id R [--code C]")
	}

	payload := map[string]string{
		background.KeyActionID: fs.Arg(0),
		notify.KeyRequestID:    *requestID,
		notify.KeyCode:         *code,
	}
	return background.Default().Dispatch(ctx, background.TaskDeviceAction, payload)
}

func (a *app) cmdWatch(ctx context.Context) error {
	sess, ok := a.session.Current()
	if !ok {
		return fmt.Errorf("not signed in: run coven-approve password-login or login first")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := dedupe.New(0, 0)
	defer seen.Close()

	queue := make(chan approver.Entry, 16)
	ch := realtime.New(realtime.Config{
		BaseURL:        a.cfg.Coordinator.URL,
		Token:          a.session.Token,
		BackoffFloor:   a.cfg.Realtime.BackoffFloor.Duration,
		BackoffCeiling: a.cfg.Realtime.BackoffCeiling.Duration,
		StableAfter:    a.cfg.Realtime.StableAfter.Duration,
		OnStatus: func(s realtime.State) {
			a.session.SetConnectionStatus(session.ConnectionStatus(s))
		},
		OnUnauthorized: func() {
			if err := a.session.Clear("realtime handshake refused"); err != nil {
				a.logger.Error("clearing session failed", "error", err)
			}
			cancel()
		},
		Logger: a.logger,
	})

	ch.On(devicelogin.EventNewDeviceRequest, func(ev realtime.Event) {
		var frame devicelogin.NewRequestFrame
		if err := ev.Decode(&frame); err != nil || frame.RequestID == "" {
			a.logger.Warn("ignoring malformed new request frame", "error", err)
			return
		}
		// Push and realtime both announce the same request.
		if !seen.First(frame.RequestID) {
			return
		}
		select {
		case queue <- approver.Entry{Source: approver.SourceForeground, RequestID: frame.RequestID, Code: frame.Code}:
		default:
			a.logger.Warn("approval queue full, dropping request", "request_id", frame.RequestID)
		}
	})
	ch.On(devicelogin.EventPermissionsChanged, func(ev realtime.Event) {
		var frame devicelogin.PermissionsFrame
		if err := ev.Decode(&frame); err != nil {
			return
		}
		if err := a.session.UpdateIdentity(frame.Identity); err != nil {
			a.logger.Warn("updating identity failed", "error", err)
			return
		}
		color.Yellow("Your role is now %s", frame.Identity.Role)
	})
	ch.On(devicelogin.EventUserDeleted, func(realtime.Event) {
		if err := a.session.Clear("account deleted"); err != nil {
			a.logger.Error("clearing session failed", "error", err)
		}
		cancel()
	})

	stopStatus := a.session.SubscribeConnection(func(s session.ConnectionStatus) {
		a.logger.Debug("realtime connection", "status", s)
	})
	defer stopStatus()

	ch.Connect()
	defer ch.Close()

	color.Cyan("Watching for sign-in requests for %s. Ctrl-C to stop.", sess.Identity.Identifier)

	flow, presenter := a.newApprover()
	for {
		select {
		case <-ctx.Done():
			if _, ok := a.session.Current(); !ok {
				return fmt.Errorf("signed out by the coordinator")
			}
			return nil
		case entry := <-queue:
			result := flow.Run(ctx, entry)
			if err := presenter.Report(ctx, result); err != nil {
				color.Red("%v", err)
			}
			if result.Outcome == approver.OutcomeManualLogin {
				return fmt.Errorf("session lost: sign in again")
			}
			// Reconnect now if the socket dropped while the prompt was open.
			ch.Foreground()
		}
	}
}
