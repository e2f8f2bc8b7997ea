// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating verified claims via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Identifier string
	Role       string
	Scope      string
	RequestID  string // set for watch tokens
}

// IsAdmin returns true if the caller holds a session with the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.Scope == ScopeSession && a.Role == "admin"
}

// IsSession reports whether the caller presented a full session token.
func (a *AuthContext) IsSession() bool {
	return a.Scope == ScopeSession
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
