// ABOUTME: Background action processor for approve/deny taps on a notification
// ABOUTME: Submits silently with a stored token, otherwise hands off to the foreground approver

package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/notify"
	"github.com/2389/coven-approve/internal/vault"
)

// DefaultTimeLimit bounds one background invocation.
const DefaultTimeLimit = 25 * time.Second

// Payload keys besides the notify ones.
const KeyActionID = "actionId"

// ErrInvalidEvent means the event lacks an action or request id.
var ErrInvalidEvent = errors.New("invalid action event")

// ActionEvent is an action-button tap.
type ActionEvent struct {
	ActionID  string
	RequestID string
	Code      string
}

// ParseActionEvent builds an event from a notification payload.
func ParseActionEvent(payload map[string]string) (ActionEvent, error) {
	ev := ActionEvent{
		ActionID:  payload[KeyActionID],
		RequestID: payload[notify.KeyRequestID],
		Code:      payload[notify.KeyCode],
	}
	return ev, ev.Validate()
}

// Validate checks the action id and request id.
func (e ActionEvent) Validate() error {
	if e.ActionID != devicelogin.ActionApprove && e.ActionID != devicelogin.ActionDeny {
		return fmt.Errorf("%w: action %q", ErrInvalidEvent, e.ActionID)
	}
	if e.RequestID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidEvent)
	}
	return nil
}

// Coordinator submits decisions. The client behind it reads the session token
// from the vault on every call.
type Coordinator interface {
	Approve(ctx context.Context, id string) error
	Deny(ctx context.Context, id string) error
}

// Credentials is the vault surface available in the background. It can tell
// whether a passkey exists but offers no way to read one.
type Credentials interface {
	Session() (vault.Session, error)
	HasPasskey() bool
}

// Outcome records what a background invocation did.
type Outcome string

const (
	OutcomeSubmitted      Outcome = "submitted"
	OutcomeFailed         Outcome = "failed"
	OutcomeHandedOff      Outcome = "handed_off"
	OutcomeSignInRequired Outcome = "sign_in_required"
	OutcomeInvalid        Outcome = "invalid"
)

// Processor handles action events without any UI.
type Processor struct {
	coord     Coordinator
	creds     Credentials
	notifier  notify.Scheduler
	timeLimit time.Duration
	logger    *slog.Logger
}

// NewProcessor creates a processor. A non-positive timeLimit takes DefaultTimeLimit.
func NewProcessor(coord Coordinator, creds Credentials, notifier notify.Scheduler, timeLimit time.Duration, logger *slog.Logger) *Processor {
	if timeLimit <= 0 {
		timeLimit = DefaultTimeLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		coord:     coord,
		creds:     creds,
		notifier:  notifier,
		timeLimit: timeLimit,
		logger:    logger.With("component", "background"),
	}
}

// Handle processes one event. It never returns an error: failures become
// notifications.
func (p *Processor) Handle(ctx context.Context, ev ActionEvent) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.timeLimit)
	defer cancel()

	logger := p.logger.With("action", ev.ActionID, "request_id", ev.RequestID)

	if err := ev.Validate(); err != nil {
		logger.Warn("ignoring action event", "error", err)
		return OutcomeInvalid
	}

	sess, err := p.creds.Session()
	if err == nil && sess.Token != "" {
		return p.submit(ctx, logger, ev)
	}
	if err != nil && !errors.Is(err, vault.ErrNoSession) {
		logger.Warn("reading session failed", "error", err)
	}

	if p.creds.HasPasskey() {
		logger.Info("no session, handing off to foreground")
		p.schedule(ctx, logger, notify.Notification{
			Title:    "Confirm sign-in request",
			Body:     fmt.Sprintf("Open the app to %s code %s", ev.ActionID, displayCode(ev)),
			Category: notify.CategoryPendingAction,
			Data: notify.Entry{
				RequestID:     ev.RequestID,
				Code:          ev.Code,
				PendingAction: ev.ActionID,
			}.Data(),
		})
		return OutcomeHandedOff
	}

	logger.Info("no session and no passkey")
	p.schedule(ctx, logger, notify.Notification{
		Title:    "Sign in required",
		Body:     "Open the app to sign in, then handle the request again",
		Category: notify.CategorySignIn,
		Data:     notify.Entry{RequestID: ev.RequestID, Code: ev.Code}.Data(),
	})
	return OutcomeSignInRequired
}

func (p *Processor) submit(ctx context.Context, logger *slog.Logger, ev ActionEvent) Outcome {
	var err error
	if ev.ActionID == devicelogin.ActionApprove {
		err = p.coord.Approve(ctx, ev.RequestID)
	} else {
		err = p.coord.Deny(ctx, ev.RequestID)
	}

	if err != nil {
		logger.Warn("background submit failed", "error", err)
		p.schedule(ctx, logger, notify.Notification{
			Title:    "Could not process sign-in request",
			Body:     fmt.Sprintf("Code %s was not %s", displayCode(ev), pastTense(ev.ActionID)),
			Category: notify.CategoryError,
			Data:     notify.Entry{RequestID: ev.RequestID, Code: ev.Code}.Data(),
		})
		return OutcomeFailed
	}

	logger.Info("background submit succeeded")
	p.schedule(ctx, logger, notify.Notification{
		Title:    "Sign-in " + pastTense(ev.ActionID),
		Body:     fmt.Sprintf("Code %s was %s", displayCode(ev), pastTense(ev.ActionID)),
		Category: notify.CategoryConfirmation,
		Data:     notify.Entry{RequestID: ev.RequestID, Code: ev.Code}.Data(),
	})
	return OutcomeSubmitted
}

func (p *Processor) schedule(ctx context.Context, logger *slog.Logger, n notify.Notification) {
	if err := p.notifier.Schedule(ctx, n); err != nil {
		logger.Error("scheduling notification failed", "error", err)
	}
}

// Task adapts the processor to a registry task.
func (p *Processor) Task() TaskFunc {
	return func(ctx context.Context, payload map[string]string) error {
		ev, err := ParseActionEvent(payload)
		if err != nil {
			return err
		}
		p.Handle(ctx, ev)
		return nil
	}
}

func displayCode(ev ActionEvent) string {
	if ev.Code != "" {
		return ev.Code
	}
	return ev.RequestID
}

func pastTense(action string) string {
	if action == devicelogin.ActionApprove {
		return "approved"
	}
	return "denied"
}
