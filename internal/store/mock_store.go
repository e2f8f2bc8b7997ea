// ABOUTME: In-memory Store implementation for tests
// ABOUTME: Mirrors SQLiteStore semantics including resolve-once and pending-code uniqueness

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-approve/internal/devicelogin"
)

// MockStore is an in-memory implementation of Store for testing.
// Records are copied on the way in and out.
type MockStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	requests   map[string]*DeviceRequest
	pushTokens map[string]*PushToken
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:      make(map[string]*User),
		requests:   make(map[string]*DeviceRequest),
		pushTokens: make(map[string]*PushToken),
	}
}

func copyUser(u *User) *User {
	c := *u
	c.Permissions = append([]string(nil), u.Permissions...)
	return &c
}

func copyRequest(r *DeviceRequest) *DeviceRequest {
	c := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (m *MockStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Identifier]; ok {
		return ErrDuplicate
	}
	m.users[u.Identifier] = copyUser(u)
	return nil
}

func (m *MockStore) GetUser(_ context.Context, identifier string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MockStore) UpdateUserRole(_ context.Context, identifier, role string, permissions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[identifier]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	u.Permissions = append([]string(nil), permissions...)
	return nil
}

func (m *MockStore) DeleteUser(_ context.Context, identifier string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[identifier]; !ok {
		return nil, ErrNotFound
	}

	var ids []string
	for _, r := range m.requests {
		if r.Identifier != identifier {
			continue
		}
		switch r.Status {
		case devicelogin.StatusPending:
			ids = append(ids, r.ID)
		case devicelogin.StatusApproved:
		default:
			continue
		}
		r.Status = devicelogin.StatusDeleted
		t := at
		r.ResolvedAt = &t
		r.ResolvedBy = "system"
		r.Token = ""
	}
	sort.Strings(ids)

	for token, pt := range m.pushTokens {
		if pt.Identifier == identifier {
			delete(m.pushTokens, token)
		}
	}
	delete(m.users, identifier)
	return ids, nil
}

func (m *MockStore) CreateDeviceRequest(_ context.Context, r *DeviceRequest) error {
	if !r.ExpiresAt.After(r.CreatedAt) {
		return devicelogin.ErrInvalidWindow
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.requests {
		if existing.Code == r.Code && existing.Status == devicelogin.StatusPending {
			return ErrDuplicate
		}
	}
	r.Status = devicelogin.StatusPending
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MockStore) GetDeviceRequest(_ context.Context, id string) (*DeviceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MockStore) GetDeviceRequestByCode(_ context.Context, identifier, code string) (*DeviceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *DeviceRequest
	for _, r := range m.requests {
		if r.Code != code || r.Identifier != identifier {
			continue
		}
		switch {
		case best == nil:
			best = r
		case (r.Status == devicelogin.StatusPending) != (best.Status == devicelogin.StatusPending):
			if r.Status == devicelogin.StatusPending {
				best = r
			}
		case r.CreatedAt.After(best.CreatedAt):
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyRequest(best), nil
}

func (m *MockStore) ListDeviceRequests(_ context.Context, identifier string, limit int) ([]*DeviceRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DeviceRequest
	for _, r := range m.requests {
		if r.Identifier == identifier {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MockStore) ResolveDeviceRequest(_ context.Context, id string, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	switch r.Status {
	case devicelogin.StatusPending:
		if !r.ExpiresAt.After(res.At) {
			return ErrExpired
		}
	case devicelogin.StatusExpired:
		return ErrExpired
	case devicelogin.StatusDeleted:
		return ErrNotFound
	default:
		return ErrAlreadyResolved
	}
	r.Status = res.Status
	t := res.At
	r.ResolvedAt = &t
	r.ResolvedBy = res.ResolvedBy
	r.Token = res.Token
	return nil
}

func (m *MockStore) ExpireDeviceRequests(_ context.Context, now time.Time) ([]*DeviceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeviceRequest
	for _, r := range m.requests {
		if r.Status == devicelogin.StatusPending && !r.ExpiresAt.After(now) {
			r.Status = devicelogin.StatusExpired
			t := now
			r.ResolvedAt = &t
			r.ResolvedBy = "system"
			out = append(out, copyRequest(r))
		}
	}
	return out, nil
}

func (m *MockStore) PurgeDeviceRequests(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.requests {
		if r.Status != devicelogin.StatusPending && !r.ExpiresAt.After(cutoff) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) UpsertPushToken(_ context.Context, t *PushToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[t.Identifier]; !ok {
		return ErrNotFound
	}
	c := *t
	m.pushTokens[t.Token] = &c
	return nil
}

func (m *MockStore) ListPushTokens(_ context.Context, identifier string) ([]*PushToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PushToken
	for _, t := range m.pushTokens {
		if t.Identifier == identifier {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MockStore) DeletePushToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pushTokens, token)
	return nil
}

func (m *MockStore) Close() error { return nil }

var _ Store = (*MockStore)(nil)
