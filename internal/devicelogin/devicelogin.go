// ABOUTME: Shared domain types for the device-approval login handshake
// ABOUTME: Request status lifecycle, identities, resolutions, and realtime event names

package devicelogin

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a device login request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusNotFound Status = "not_found"
	StatusDeleted  Status = "deleted"
)

// IsTerminal reports whether no further transition can happen from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusExpired, StatusNotFound, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is a terminal state that does not grant a session.
// not_found and deleted are treated the same as a denial, never as pending.
func (s Status) IsFailure() bool {
	return s.IsTerminal() && s != StatusApproved
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired, StatusNotFound, StatusDeleted:
		return true
	default:
		return false
	}
}

// ErrInvalidWindow is returned when a request does not expire after it was created.
var ErrInvalidWindow = errors.New("expires_at must be after created_at")

// Request is a device login request as seen by the requester and approver.
type Request struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Identifier string    `json:"identifier,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Validate checks the request's timing invariant.
func (r *Request) Validate() error {
	if !r.ExpiresAt.After(r.CreatedAt) {
		return ErrInvalidWindow
	}
	return nil
}

// Remaining returns how long until the request expires, floored at zero.
func (r *Request) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsExpired reports whether the request's window has closed at now.
func (r *Request) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Identity describes who a session belongs to.
type Identity struct {
	Identifier  string   `json:"identifier"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// Resolution is the terminal signal for a request, from polling or from a push.
type Resolution struct {
	RequestID string    `json:"requestId"`
	Status    Status    `json:"status"`
	Token     string    `json:"token,omitempty"`
	Identity  *Identity `json:"identity,omitempty"`
}

// Realtime event types carried as the "type" field of channel frames.
const (
	EventPermissionsChanged    = "permissions_changed"
	EventUserDeleted           = "user_deleted"
	EventNewDeviceRequest      = "new_device_request"
	EventDeviceRequestResolved = "device_request_resolved"
	EventPresence              = "presence"
	EventActionLog             = "action_log"
)

// Notification action identifiers shared by push payloads and the background processor.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

// Frame is the envelope shared by every realtime message.
type Frame struct {
	Type string `json:"type"`
}

// NewRequestFrame announces a pending request to the approver's sessions.
type NewRequestFrame struct {
	Frame
	RequestID string    `json:"requestId"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ResolvedFrame carries a request's terminal status to its watchers.
type ResolvedFrame struct {
	Frame
	Resolution
}

// PermissionsFrame tells a user's sessions their role or permissions changed.
type PermissionsFrame struct {
	Frame
	Identity Identity `json:"identity"`
}

// UserDeletedFrame tells a user's sessions the account is gone.
type UserDeletedFrame struct {
	Frame
	Identifier string `json:"identifier"`
}

// PresenceFrame reports a user's realtime connectivity to administrators.
type PresenceFrame struct {
	Frame
	Identifier string `json:"identifier"`
	Online     bool   `json:"online"`
}

// ActionLogFrame records an approve or deny for administrators. It names the
// request by code only: the request id is what a watcher polls with.
type ActionLogFrame struct {
	Frame
	Code       string    `json:"code"`
	Identifier string    `json:"identifier"`
	Actor      string    `json:"actor"`
	Status     Status    `json:"status"`
	At         time.Time `json:"at"`
}
