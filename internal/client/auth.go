// ABOUTME: Direct password login against the coordinator
// ABOUTME: Used by the web-style flow and by the approver's passkey replay

package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/2389/coven-approve/internal/devicelogin"
)

// LoginResult is a granted session.
type LoginResult struct {
	Token       string   `json:"token"`
	Identifier  string   `json:"identifier"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// Identity returns the identity part of the result.
func (r *LoginResult) Identity() devicelogin.Identity {
	return devicelogin.Identity{Identifier: r.Identifier, Role: r.Role, Permissions: r.Permissions}
}

type loginBody struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login exchanges identifier and password for a session token. A rejected
// password yields ErrInvalidCredentials; uses the long timeout.
func (c *Client) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	var result LoginResult
	if _, err := c.do(ctx, call{
		method:         http.MethodPost,
		path:           "/auth/login",
		body:           loginBody{Identifier: identifier, Password: password},
		out:            &result,
		credentialCall: true,
		long:           true,
	}); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("login: response carried no token")
	}
	return &result, nil
}
