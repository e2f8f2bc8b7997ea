// ABOUTME: Store interface and record types for the reference coordinator
// ABOUTME: Users, device login requests, and push delivery tokens

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-approve/internal/devicelogin"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("already exists")
	// ErrAlreadyResolved is returned when resolving a request that is no longer pending.
	ErrAlreadyResolved = errors.New("device request already resolved")
	// ErrExpired is returned when resolving a request whose window has closed.
	ErrExpired = errors.New("device request expired")
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account that can sign in and approve its own device requests.
type User struct {
	Identifier   string
	PasswordHash string
	Role         string
	Permissions  []string
	CreatedAt    time.Time
}

// Identity returns the public identity of u.
func (u *User) Identity() devicelogin.Identity {
	return devicelogin.Identity{Identifier: u.Identifier, Role: u.Role, Permissions: u.Permissions}
}

// DeviceRequest is the stored form of a device login request. Token is set
// only once the request is approved.
type DeviceRequest struct {
	ID         string
	Code       string
	Identifier string
	Status     devicelogin.Status
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy string
	Token      string
}

// Public strips server-only fields.
func (r *DeviceRequest) Public() devicelogin.Request {
	return devicelogin.Request{
		ID:         r.ID,
		Code:       r.Code,
		Identifier: r.Identifier,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

// PushToken is a push delivery address registered by one of a user's devices.
type PushToken struct {
	Identifier string
	Token      string
	Platform   string
	UpdatedAt  time.Time
}

// Resolution describes a transition out of pending.
type Resolution struct {
	Status     devicelogin.Status
	ResolvedBy string
	Token      string
	At         time.Time
}

// Store is the coordinator's persistence.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, identifier string) (*User, error)
	UpdateUserRole(ctx context.Context, identifier, role string, permissions []string) error
	// DeleteUser removes the user and their push tokens, and marks their
	// pending requests deleted. It returns the ids of the requests it marked.
	DeleteUser(ctx context.Context, identifier string, at time.Time) ([]string, error)

	// CreateDeviceRequest fails with ErrDuplicate when the code is already
	// held by another pending request.
	CreateDeviceRequest(ctx context.Context, r *DeviceRequest) error
	GetDeviceRequest(ctx context.Context, id string) (*DeviceRequest, error)
	// GetDeviceRequestByCode looks among the identifier's own requests,
	// preferring a pending one, then the newest.
	GetDeviceRequestByCode(ctx context.Context, identifier, code string) (*DeviceRequest, error)
	// ListDeviceRequests returns the identifier's requests, oldest first.
	ListDeviceRequests(ctx context.Context, identifier string, limit int) ([]*DeviceRequest, error)
	// ResolveDeviceRequest moves a pending, unexpired request to res.Status.
	// Exactly one caller wins; the rest get ErrAlreadyResolved, ErrExpired or ErrNotFound.
	ResolveDeviceRequest(ctx context.Context, id string, res Resolution) error
	// ExpireDeviceRequests marks overdue pending requests expired and returns them.
	ExpireDeviceRequests(ctx context.Context, now time.Time) ([]*DeviceRequest, error)
	// PurgeDeviceRequests deletes requests that expired before cutoff.
	PurgeDeviceRequests(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertPushToken(ctx context.Context, t *PushToken) error
	ListPushTokens(ctx context.Context, identifier string) ([]*PushToken, error)
	DeletePushToken(ctx context.Context, token string) error

	Close() error
}
