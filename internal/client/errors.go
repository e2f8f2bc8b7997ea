// ABOUTME: Error taxonomy for coordinator calls
// ABOUTME: Separates network failures from auth failures, not-found, expiry, and conflicts

package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidCredentials means the identifier/password pair was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNetworkUnreachable means the coordinator could not be reached at all.
	// It never implies the session is invalid.
	ErrNetworkUnreachable = errors.New("coordinator unreachable")
	// ErrUnauthorized means an authenticated call was refused (401/403).
	// The session is cleared before this is returned.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotSignedIn means an authenticated call was attempted without a token.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrRequestNotFound means the request id or code is unknown or was deleted.
	ErrRequestNotFound = errors.New("device request not found")
	// ErrRequestExpired means the request's window closed.
	ErrRequestExpired = errors.New("device request expired")
	// ErrAlreadyResolved means the request was already approved or denied.
	ErrAlreadyResolved = errors.New("device request already resolved")
	// ErrRateLimited means the coordinator throttled the caller.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("coordinator returned %d", e.StatusCode)
}

// Unwrap exposes the taxonomy sentinel for errors.Is.
func (e *APIError) Unwrap() error {
	return e.kind
}

// classify picks the sentinel for a status code. credentialCall marks calls
// where a 401 means a bad password rather than a bad session.
func classify(status int, credentialCall bool) error {
	switch status {
	case http.StatusUnauthorized:
		if credentialCall {
			return ErrInvalidCredentials
		}
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrRequestNotFound
	case http.StatusConflict:
		return ErrAlreadyResolved
	case http.StatusGone:
		return ErrRequestExpired
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return nil
	}
}

// IsNetwork reports whether err is a connectivity failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable)
}
