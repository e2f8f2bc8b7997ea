// ABOUTME: Push delivery address registration with the coordinator
// ABOUTME: Failures here are for logging only and must never block login

package client

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// PushTokenStatus reports whether this device is registered for push fan-out.
type PushTokenStatus struct {
	Registered bool      `json:"registered"`
	Platform   string    `json:"platform,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

type pushTokenBody struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// RegisterPushToken registers a delivery address for the signed-in user.
func (c *Client) RegisterPushToken(ctx context.Context, token, platform string) error {
	if _, err := c.do(ctx, call{
		method:        http.MethodPost,
		path:          "/device/push-token",
		body:          pushTokenBody{Token: token, Platform: platform},
		authenticated: true,
	}); err != nil {
		return fmt.Errorf("registering push token: %w", err)
	}
	return nil
}

// PushTokenStatus returns the registration status for the signed-in user.
func (c *Client) PushTokenStatus(ctx context.Context) (*PushTokenStatus, error) {
	var status PushTokenStatus
	if _, err := c.do(ctx, call{
		method:        http.MethodGet,
		path:          "/device/push-token/status",
		out:           &status,
		authenticated: true,
	}); err != nil {
		return nil, fmt.Errorf("getting push token status: %w", err)
	}
	return &status, nil
}
