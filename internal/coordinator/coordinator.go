// ABOUTME: Reference coordinator that issues, resolves, and fans out device login requests
// ABOUTME: Owns the store, token issuer, realtime hub, push sender, and per-identifier rate limits

package coordinator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-approve/internal/auth"
	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/hub"
	"github.com/2389/coven-approve/internal/push"
	"github.com/2389/coven-approve/internal/store"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultRequestTTL    = 120 * time.Second
	DefaultTokenTTL      = 30 * 24 * time.Hour
	DefaultCodeLength    = 6
	DefaultSweepInterval = 30 * time.Second
	DefaultRetention     = 10 * time.Minute
	DefaultCreateRate    = 6
	DefaultCreateBurst   = 3

	maxCodeAttempts = 8
	pushTimeout     = 10 * time.Second
)

// ErrInvalidCredentials is returned when a password does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Options tunes the coordinator.
type Options struct {
	RequestTTL    time.Duration
	TokenTTL      time.Duration
	CodeLength    int
	SweepInterval time.Duration
	Retention     time.Duration
	CreateRate    int // device requests per minute per identifier
	CreateBurst   int
	Now           func() time.Time
	Logger        *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.RequestTTL <= 0 {
		o.RequestTTL = DefaultRequestTTL
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = DefaultTokenTTL
	}
	if o.CodeLength <= 0 {
		o.CodeLength = DefaultCodeLength
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.CreateRate <= 0 {
		o.CreateRate = DefaultCreateRate
	}
	if o.CreateBurst <= 0 {
		o.CreateBurst = DefaultCreateBurst
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator serves the device login HTTP API.
type Coordinator struct {
	store    store.Store
	issuer   *auth.JWTIssuer
	mw       *auth.Middleware
	hub      *hub.Hub
	push     push.Sender
	limiters *limiterSet
	opts     Options
	logger   *slog.Logger
	handler  http.Handler

	// newCode is replaceable in tests to force collisions.
	newCode func(length int) (string, error)
}

// New wires a coordinator. sender may be nil to disable push.
func New(s store.Store, issuer *auth.JWTIssuer, h *hub.Hub, sender push.Sender, opts Options) *Coordinator {
	opts.applyDefaults()
	c := &Coordinator{
		store:    s,
		issuer:   issuer,
		mw:       auth.NewMiddleware(issuer, s),
		hub:      h,
		push:     sender,
		limiters: newLimiterSet(opts.CreateRate, opts.CreateBurst),
		opts:     opts,
		logger:   opts.Logger.With("component", "coordinator"),
		newCode:  generateCode,
	}
	c.handler = c.routes()
	return c
}

// Handler returns the HTTP handler for all routes.
func (c *Coordinator) Handler() http.Handler { return c.handler }

// generateCode returns length random decimal digits.
func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// CreateUser adds an account. Used by the admin CLI and tests.
func (c *Coordinator) CreateUser(ctx context.Context, identifier, password, role string, permissions []string) error {
	if identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if role == "" {
		role = store.RoleUser
	}
	if role != store.RoleUser && role != store.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return c.store.CreateUser(ctx, &store.User{
		Identifier:   identifier,
		PasswordHash: hash,
		Role:         role,
		Permissions:  permissions,
		CreatedAt:    c.opts.Now().UTC(),
	})
}

// checkPassword verifies identifier's password and returns the user.
func (c *Coordinator) checkPassword(ctx context.Context, identifier, password string) (*store.User, error) {
	user, err := c.store.GetUser(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			auth.CheckPassword("", password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// createRequest stores a new pending request for identifier with a fresh
// code that no other pending request holds.
func (c *Coordinator) createRequest(ctx context.Context, identifier string) (*store.DeviceRequest, error) {
	now := c.opts.Now().UTC()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := c.newCode(c.opts.CodeLength)
		if err != nil {
			return nil, err
		}
		req := &store.DeviceRequest{
			ID:         uuid.New().String(),
			Code:       code,
			Identifier: identifier,
			CreatedAt:  now,
			ExpiresAt:  now.Add(c.opts.RequestTTL),
		}
		err = c.store.CreateDeviceRequest(ctx, req)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		c.logger.Debug("code collision, retrying", "attempt", attempt+1)
	}
	return nil, fmt.Errorf("could not allocate a unique code after %d attempts", maxCodeAttempts)
}

// announce tells the identifier's sessions and devices about a new request.
func (c *Coordinator) announce(req *store.DeviceRequest) {
	_ = c.hub.Publish(hub.UserSubject(req.Identifier), devicelogin.NewRequestFrame{
		Frame:     devicelogin.Frame{Type: devicelogin.EventNewDeviceRequest},
		RequestID: req.ID,
		Code:      req.Code,
		ExpiresAt: req.ExpiresAt,
	})

	if c.push == nil {
		return
	}
	public := req.Public()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		c.pushAll(ctx, req.Identifier, public)
	}()
}

func (c *Coordinator) pushAll(ctx context.Context, identifier string, req devicelogin.Request) {
	tokens, err := c.store.ListPushTokens(ctx, identifier)
	if err != nil {
		c.logger.Warn("listing push tokens failed", "identifier", identifier, "error", err)
		return
	}
	for _, t := range tokens {
		err := c.push.Send(ctx, push.DeviceApproval(t.Token, req))
		switch {
		case err == nil:
		case errors.Is(err, push.ErrUnregistered):
			c.logger.Info("forgetting unregistered push token", "identifier", identifier, "platform", t.Platform)
			_ = c.store.DeletePushToken(ctx, t.Token)
		default:
			c.logger.Warn("push failed", "identifier", identifier, "platform", t.Platform, "error", err)
		}
	}
}

// identity reads the current identity for identifier.
func (c *Coordinator) identity(ctx context.Context, identifier string) (*devicelogin.Identity, error) {
	user, err := c.store.GetUser(ctx, identifier)
	if err != nil {
		return nil, err
	}
	id := user.Identity()
	return &id, nil
}

// resolve moves a pending request owned by actor to status and fans the
// result out. The returned error is one of the store sentinels on conflict.
func (c *Coordinator) resolve(ctx context.Context, actor, requestID string, status devicelogin.Status) error {
	req, err := c.store.GetDeviceRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Identifier != actor {
		// Requests of other users are indistinguishable from missing ones.
		return store.ErrNotFound
	}

	res := store.Resolution{Status: status, ResolvedBy: actor, At: c.opts.Now().UTC()}
	var identity *devicelogin.Identity
	if status == devicelogin.StatusApproved {
		identity, err = c.identity(ctx, req.Identifier)
		if err != nil {
			return err
		}
		res.Token, err = c.issuer.IssueSession(req.Identifier, identity.Role, c.opts.TokenTTL)
		if err != nil {
			return err
		}
	}

	if err := c.store.ResolveDeviceRequest(ctx, requestID, res); err != nil {
		return err
	}

	c.publishResolved(req.Identifier, devicelogin.Resolution{
		RequestID: requestID,
		Status:    status,
		Token:     res.Token,
		Identity:  identity,
	})
	_ = c.hub.Publish(hub.AdminSubject, devicelogin.ActionLogFrame{
		Frame:      devicelogin.Frame{Type: devicelogin.EventActionLog},
		Code:       req.Code,
		Identifier: req.Identifier,
		Actor:      actor,
		Status:     status,
		At:         res.At,
	})
	return nil
}

// publishResolved sends the full resolution to the request's watcher and a
// token-free copy to the owner's sessions.
func (c *Coordinator) publishResolved(identifier string, res devicelogin.Resolution) {
	_ = c.hub.Publish(hub.RequestSubject(res.RequestID), devicelogin.ResolvedFrame{
		Frame:      devicelogin.Frame{Type: devicelogin.EventDeviceRequestResolved},
		Resolution: res,
	})
	res.Token = ""
	_ = c.hub.Publish(hub.UserSubject(identifier), devicelogin.ResolvedFrame{
		Frame:      devicelogin.Frame{Type: devicelogin.EventDeviceRequestResolved},
		Resolution: res,
	})
}

// Sweep expires overdue requests, notifies their watchers, and purges rows
// past retention.
func (c *Coordinator) Sweep(ctx context.Context) error {
	now := c.opts.Now().UTC()

	expired, err := c.store.ExpireDeviceRequests(ctx, now)
	if err != nil {
		return fmt.Errorf("expiring requests: %w", err)
	}
	for _, req := range expired {
		c.publishResolved(req.Identifier, devicelogin.Resolution{
			RequestID: req.ID,
			Status:    devicelogin.StatusExpired,
		})
	}

	purged, err := c.store.PurgeDeviceRequests(ctx, now.Add(-c.opts.Retention))
	if err != nil {
		return fmt.Errorf("purging requests: %w", err)
	}
	c.limiters.prune(now, c.opts.Retention)

	if len(expired) > 0 || purged > 0 {
		c.logger.Info("sweep", "expired", len(expired), "purged", purged)
	}
	return nil
}

// RunSweeper calls Sweep every SweepInterval until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
