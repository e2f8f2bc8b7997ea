// ABOUTME: Device login calls: create, poll, list, lookup by code, approve, deny, cancel
// ABOUTME: Poll maps unknown ids to not_found instead of failing

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/coven-approve/internal/devicelogin"
)

// DeviceLoginTicket is returned when a device login request is created.
type DeviceLoginTicket struct {
	RequestID  string    `json:"requestId"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ExpiresIn  int       `json:"expiresIn"`
	WatchToken string    `json:"watchToken,omitempty"`
}

// PollResult is one observation of a request's status. Token and Identity are
// set only when Status is approved.
type PollResult struct {
	Status   devicelogin.Status    `json:"status"`
	Identity *devicelogin.Identity `json:"identity,omitempty"`
	Token    string                `json:"token,omitempty"`
}

type deviceRequestBody struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password,omitempty"`
}

type requestIDBody struct {
	RequestID string `json:"requestId"`
}

// RequestDeviceLogin creates a pending request. With a secret the coordinator
// verifies the password; without one the current session must belong to
// identifier. Uses the long timeout.
func (c *Client) RequestDeviceLogin(ctx context.Context, identifier, secret string) (*DeviceLoginTicket, error) {
	var ticket DeviceLoginTicket
	cl := call{
		method: http.MethodPost,
		path:   "/device/request",
		body:   deviceRequestBody{Identifier: identifier, Password: secret},
		out:    &ticket,
		long:   true,
	}
	if secret != "" {
		cl.credentialCall = true
	} else {
		cl.authenticated = true
	}

	if _, err := c.do(ctx, cl); err != nil {
		return nil, fmt.Errorf("requesting device login: %w", err)
	}
	if ticket.RequestID == "" || ticket.Code == "" {
		return nil, fmt.Errorf("requesting device login: incomplete response")
	}
	if ticket.ExpiresAt.IsZero() && ticket.ExpiresIn > 0 {
		ticket.ExpiresAt = time.Now().Add(time.Duration(ticket.ExpiresIn) * time.Second)
	}
	c.logger.Debug("device login requested", "request_id", ticket.RequestID, "code", ticket.Code)
	return &ticket, nil
}

// PollDeviceRequest reads the request's status using the watch token from
// its ticket. An unknown id yields StatusNotFound, not an error; only
// transport failures and unexpected responses are errors.
func (c *Client) PollDeviceRequest(ctx context.Context, id, watchToken string) (*PollResult, error) {
	if watchToken == "" {
		return nil, fmt.Errorf("polling device request: %w", ErrNotSignedIn)
	}
	var result PollResult
	_, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/device/poll/" + url.PathEscape(id),
		out:    &result,
		bearer: watchToken,
	})
	switch {
	case errors.Is(err, ErrRequestNotFound):
		return &PollResult{Status: devicelogin.StatusNotFound}, nil
	case errors.Is(err, ErrRequestExpired):
		return &PollResult{Status: devicelogin.StatusExpired}, nil
	case err != nil:
		return nil, fmt.Errorf("polling device request: %w", err)
	}

	if !result.Status.Valid() {
		return nil, fmt.Errorf("polling device request: unknown status %q", result.Status)
	}
	if result.Status == devicelogin.StatusApproved && result.Token == "" {
		return nil, fmt.Errorf("polling device request: approved without token")
	}
	return &result, nil
}

// ListDeviceRequests returns the signed-in user's requests.
func (c *Client) ListDeviceRequests(ctx context.Context) ([]devicelogin.Request, error) {
	var reqs []devicelogin.Request
	if _, err := c.do(ctx, call{
		method:        http.MethodGet,
		path:          "/device/requests",
		out:           &reqs,
		authenticated: true,
	}); err != nil {
		return nil, fmt.Errorf("listing device requests: %w", err)
	}
	return reqs, nil
}

// GetRequestByCode looks a request up by its human code. Returns nil, nil when
// no request has that code.
func (c *Client) GetRequestByCode(ctx context.Context, code string) (*devicelogin.Request, error) {
	var req devicelogin.Request
	_, err := c.do(ctx, call{
		method:        http.MethodGet,
		path:          "/device/request-by-code?code=" + url.QueryEscape(code),
		out:           &req,
		authenticated: true,
	})
	if errors.Is(err, ErrRequestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting request by code: %w", err)
	}
	return &req, nil
}

// Approve approves a pending request. A second call on the same id fails with
// ErrAlreadyResolved and changes nothing locally.
func (c *Client) Approve(ctx context.Context, id string) error {
	return c.resolve(ctx, "/device/approve", id)
}

// Deny denies a pending request.
func (c *Client) Deny(ctx context.Context, id string) error {
	return c.resolve(ctx, "/device/deny", id)
}

func (c *Client) resolve(ctx context.Context, path, id string) error {
	if _, err := c.do(ctx, call{
		method:        http.MethodPost,
		path:          path,
		body:          requestIDBody{RequestID: id},
		authenticated: true,
	}); err != nil {
		return fmt.Errorf("%s %s: %w", path, id, err)
	}
	c.logger.Info("device request resolved", "request_id", id, "action", path)
	return nil
}

// CancelDeviceRequest tells the coordinator the requester abandoned id. The
// watch token issued with the ticket authorizes the call. Best-effort: expiry
// bounds the request regardless.
func (c *Client) CancelDeviceRequest(ctx context.Context, id, watchToken string) error {
	if _, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/device/cancel",
		body:   requestIDBody{RequestID: id},
		bearer: watchToken,
	}); err != nil {
		return fmt.Errorf("cancelling device request: %w", err)
	}
	return nil
}
