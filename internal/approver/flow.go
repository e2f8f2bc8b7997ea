// ABOUTME: Approver flow: resolve a token, fetch the request, present it, submit approve or deny
// ABOUTME: Never fails open; without a token or a confirmed passkey it routes to manual login

package approver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/coven-approve/internal/biometric"
	"github.com/2389/coven-approve/internal/client"
	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/session"
	"github.com/2389/coven-approve/internal/vault"
)

// Source is how the approver was entered.
type Source string

const (
	SourceColdStart     Source = "cold_start"
	SourceForeground    Source = "foreground"
	SourcePendingAction Source = "pending_action"
)

// Entry is what the notification (or hand-off) told us.
type Entry struct {
	Source        Source
	RequestID     string
	Code          string
	PendingAction string
}

// Outcome is the terminal result of one run.
type Outcome string

const (
	OutcomeApproved    Outcome = "approved"
	OutcomeDenied      Outcome = "denied"
	OutcomeExpired     Outcome = "expired"
	OutcomeError       Outcome = "error"
	OutcomeDismissed   Outcome = "dismissed"
	OutcomeManualLogin Outcome = "manual_login"
	OutcomeNoRequest   Outcome = "no_request"
)

// Result describes how a run ended. AutoDismiss is zero when the surface must
// wait for a manual dismiss.
type Result struct {
	Outcome     Outcome
	Request     *devicelogin.Request
	AutoDismiss time.Duration
	Err         error
}

// Countdown sources.
const (
	CountdownFromExpiry  = "expires_at"
	CountdownFromCreated = "created_at"
)

const (
	DefaultCountdownWindow = 15 * time.Second
	DefaultSuccessDismiss  = 1500 * time.Millisecond
	DefaultExpiryGrace     = time.Second
)

const passkeyReason = "Confirm it's you to approve a sign-in"

var (
	// ErrDismissed is returned by a Presenter when the user closes the prompt.
	ErrDismissed = errors.New("prompt dismissed")
	// ErrNotPending means the fetched request was already resolved.
	ErrNotPending = errors.New("request is no longer pending")
	// ErrUnknownAction means a pending action was neither approve nor deny.
	ErrUnknownAction = errors.New("unknown pending action")
)

// Coordinator is the part of the coordinator client the approver uses.
type Coordinator interface {
	Login(ctx context.Context, identifier, password string) (*client.LoginResult, error)
	ListDeviceRequests(ctx context.Context) ([]devicelogin.Request, error)
	GetRequestByCode(ctx context.Context, code string) (*devicelogin.Request, error)
	Approve(ctx context.Context, id string) error
	Deny(ctx context.Context, id string) error
}

// Prompt is what the presenter shows. Deadline is when the countdown hits zero.
type Prompt struct {
	Request  devicelogin.Request
	Deadline time.Time
}

// Presenter shows a prompt and returns devicelogin.ActionApprove or
// ActionDeny. The context passed in expires at the prompt's deadline.
type Presenter interface {
	Present(ctx context.Context, p Prompt) (string, error)
}

// Options configures a Flow.
type Options struct {
	CountdownWindow time.Duration
	CountdownSource string
	SuccessDismiss  time.Duration
	ExpiryGrace     time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Flow runs the approver state machine:
// resolve_token -> fetch_request -> present -> approved | denied | expired | error.
type Flow struct {
	coord     Coordinator
	session   *session.State
	vault     *vault.Vault
	gate      biometric.Gate
	presenter Presenter
	opts      Options
	logger    *slog.Logger
}

// New creates an approver flow.
func New(coord Coordinator, state *session.State, v *vault.Vault, gate biometric.Gate, presenter Presenter, opts Options) *Flow {
	if opts.CountdownWindow <= 0 {
		opts.CountdownWindow = DefaultCountdownWindow
	}
	if opts.CountdownSource == "" {
		opts.CountdownSource = CountdownFromExpiry
	}
	if opts.SuccessDismiss <= 0 {
		opts.SuccessDismiss = DefaultSuccessDismiss
	}
	if opts.ExpiryGrace <= 0 {
		opts.ExpiryGrace = DefaultExpiryGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		coord:     coord,
		session:   state,
		vault:     v,
		gate:      gate,
		presenter: presenter,
		opts:      opts,
		logger:    logger.With("component", "approver"),
	}
}

// Run handles one entry to completion.
func (f *Flow) Run(ctx context.Context, e Entry) Result {
	logger := f.logger.With("source", e.Source, "request_id", e.RequestID, "code", e.Code)

	if res, ok := f.resolveToken(ctx, logger); !ok {
		return res
	}

	req, err := f.fetch(ctx, e)
	if err != nil {
		return f.failure(logger, nil, err)
	}
	if req == nil {
		logger.Info("no pending request found")
		return Result{Outcome: OutcomeNoRequest}
	}
	logger = logger.With("request_id", req.ID, "code", req.Code)

	now := f.opts.Now()
	switch {
	case req.Status == devicelogin.StatusExpired || (req.Status == devicelogin.StatusPending && req.IsExpired(now)):
		return f.expired(logger, req)
	case req.Status != devicelogin.StatusPending:
		return Result{Outcome: OutcomeError, Request: req, Err: fmt.Errorf("%w: %s", ErrNotPending, req.Status)}
	}

	var action string
	if e.PendingAction != "" {
		// The user already chose on the notification.
		action = e.PendingAction
	} else {
		action, err = f.present(ctx, req)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return f.expired(logger, req)
		case errors.Is(err, ErrDismissed):
			logger.Info("prompt dismissed")
			return Result{Outcome: OutcomeDismissed, Request: req}
		case err != nil:
			return f.failure(logger, req, err)
		}
	}

	return f.submit(ctx, logger, req, action)
}

// resolveToken makes sure a session exists. ok is false when the run must end
// with the returned result.
func (f *Flow) resolveToken(ctx context.Context, logger *slog.Logger) (Result, bool) {
	if f.session.Token() != "" {
		return Result{}, true
	}

	if !f.vault.HasPasskey() {
		logger.Info("no session and no passkey, manual login required")
		return Result{Outcome: OutcomeManualLogin, Err: vault.ErrPasskeyAbsent}, false
	}

	pk, err := f.vault.Passkey(ctx, f.gate, passkeyReason)
	if err != nil {
		logger.Info("passkey unavailable, manual login required", "error", err)
		return Result{Outcome: OutcomeManualLogin, Err: err}, false
	}

	login, err := f.coord.Login(ctx, pk.Identifier, pk.Secret)
	if err != nil {
		if client.IsNetwork(err) {
			return f.failure(logger, nil, err), false
		}
		logger.Warn("passkey login rejected", "error", err)
		return Result{Outcome: OutcomeManualLogin, Err: err}, false
	}
	if err := f.session.Establish(login.Token, login.Identity()); err != nil {
		return f.failure(logger, nil, err), false
	}
	logger.Info("signed in with passkey", "identifier", pk.Identifier)
	return Result{}, true
}

// fetch finds the request: by code, then by id, then the oldest pending one.
func (f *Flow) fetch(ctx context.Context, e Entry) (*devicelogin.Request, error) {
	if e.Code != "" {
		req, err := f.coord.GetRequestByCode(ctx, e.Code)
		if err != nil {
			return nil, err
		}
		if req != nil && (e.RequestID == "" || req.ID == e.RequestID) {
			return req, nil
		}
	}

	reqs, err := f.coord.ListDeviceRequests(ctx)
	if err != nil {
		return nil, err
	}

	if e.RequestID != "" {
		for i := range reqs {
			if reqs[i].ID == e.RequestID {
				return &reqs[i], nil
			}
		}
		return nil, nil
	}

	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	for i := range reqs {
		if reqs[i].Status == devicelogin.StatusPending {
			return &reqs[i], nil
		}
	}
	return nil, nil
}

// Deadline returns when the countdown for req reaches zero. It is never later
// than the coordinator's expiresAt.
func (f *Flow) Deadline(req devicelogin.Request) time.Time {
	deadline := req.ExpiresAt
	if f.opts.CountdownSource == CountdownFromCreated {
		local := req.CreatedAt.Add(f.opts.CountdownWindow)
		if local.Before(deadline) {
			deadline = local
		}
	}
	return deadline
}

func (f *Flow) present(ctx context.Context, req *devicelogin.Request) (string, error) {
	deadline := f.Deadline(*req)
	if !f.opts.Now().Before(deadline) {
		return "", context.DeadlineExceeded
	}

	pctx, cancel := context.WithTimeout(ctx, deadline.Sub(f.opts.Now()))
	defer cancel()

	action, err := f.presenter.Present(pctx, Prompt{Request: *req, Deadline: deadline})
	if err != nil {
		if pctx.Err() != nil && ctx.Err() == nil {
			return "", context.DeadlineExceeded
		}
		return "", err
	}
	return action, nil
}

func (f *Flow) submit(ctx context.Context, logger *slog.Logger, req *devicelogin.Request, action string) Result {
	var (
		err     error
		outcome Outcome
	)
	switch action {
	case devicelogin.ActionApprove:
		outcome = OutcomeApproved
		err = f.coord.Approve(ctx, req.ID)
	case devicelogin.ActionDeny:
		outcome = OutcomeDenied
		err = f.coord.Deny(ctx, req.ID)
	default:
		return Result{Outcome: OutcomeError, Request: req, Err: fmt.Errorf("%w: %q", ErrUnknownAction, action)}
	}
	if err != nil {
		return f.failure(logger, req, err)
	}

	logger.Info("request resolved", "action", action)
	return Result{Outcome: outcome, Request: req, AutoDismiss: f.opts.SuccessDismiss}
}

func (f *Flow) expired(logger *slog.Logger, req *devicelogin.Request) Result {
	logger.Info("countdown elapsed without a decision")
	return Result{Outcome: OutcomeExpired, Request: req, AutoDismiss: f.opts.ExpiryGrace}
}

// failure maps an error onto a result. Unauthorized clears the session and
// sends the user to manual login; anything else needs a manual dismiss.
func (f *Flow) failure(logger *slog.Logger, req *devicelogin.Request, err error) Result {
	if errors.Is(err, client.ErrUnauthorized) || errors.Is(err, client.ErrNotSignedIn) {
		if clearErr := f.session.Clear("unauthorized"); clearErr != nil {
			logger.Warn("clearing session failed", "error", clearErr)
		}
		return Result{Outcome: OutcomeManualLogin, Request: req, Err: err}
	}
	logger.Warn("could not process request", "error", err)
	return Result{Outcome: OutcomeError, Request: req, Err: err}
}
