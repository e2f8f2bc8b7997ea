// ABOUTME: HTTP middleware for JWT authentication on coordinator endpoints
// ABOUTME: Reads the bearer header (or ?token= on websocket upgrades) and enforces token scope

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/2389/coven-approve/internal/store"
)

// UserLookup is the subset of the store the middleware needs.
type UserLookup interface {
	GetUser(ctx context.Context, identifier string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware validates tokens for the accepted scopes. Session tokens must
// still name an existing user whose role is read fresh from the store, so a
// deleted user is refused immediately and a role change applies on the next call.
type Middleware struct {
	verifier TokenVerifier
	users    UserLookup
}

// NewMiddleware creates the middleware.
func NewMiddleware(verifier TokenVerifier, users UserLookup) *Middleware {
	return &Middleware{verifier: verifier, users: users}
}

// Require returns a middleware accepting any of scopes. allowQuery lets the
// token arrive as ?token=, which browsers need for websocket upgrades.
func (m *Middleware) Require(allowQuery bool, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, status, msg := m.authenticate(r, allowQuery, scopes)
			if authCtx == nil {
				writeError(w, status, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// Session requires a session token in the Authorization header.
func (m *Middleware) Session() func(http.Handler) http.Handler {
	return m.Require(false, ScopeSession)
}

// Authenticate resolves the request's token outside of a middleware chain.
// ok is false when no usable token was presented.
func (m *Middleware) Authenticate(r *http.Request, scopes ...string) (*AuthContext, bool) {
	authCtx, _, _ := m.authenticate(r, false, scopes)
	return authCtx, authCtx != nil
}

func (m *Middleware) authenticate(r *http.Request, allowQuery bool, scopes []string) (*AuthContext, int, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" && allowQuery {
		if q := r.URL.Query().Get("token"); q != "" {
			token, errMsg = q, ""
		}
	}
	if errMsg != "" {
		return nil, http.StatusUnauthorized, errMsg
	}

	claims, err := m.verifier.Verify(token)
	if err != nil {
		return nil, http.StatusUnauthorized, "invalid token"
	}

	accepted := false
	for _, s := range scopes {
		if s == claims.Scope {
			accepted = true
			break
		}
	}
	if !accepted {
		return nil, http.StatusForbidden, ErrWrongScope.Error()
	}

	authCtx := &AuthContext{
		Identifier: claims.Subject,
		Role:       claims.Role,
		Scope:      claims.Scope,
		RequestID:  claims.RequestID,
	}
	if claims.Scope == ScopeSession {
		user, err := m.users.GetUser(r.Context(), claims.Subject)
		if err != nil {
			return nil, http.StatusUnauthorized, "user not found"
		}
		authCtx.Role = user.Role
	}
	return authCtx, 0, ""
}

// RequireAdmin creates an HTTP middleware that requires the admin role.
// Must be used after a Require middleware.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !authCtx.IsAdmin() {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
