// ABOUTME: Explicit session-state handle passed to every surface that needs auth state
// ABOUTME: Backs the session slot with the vault and exposes session/connection readouts

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/vault"
)

// ConnectionStatus mirrors the realtime channel's lifecycle for readouts.
type ConnectionStatus string

const (
	ConnectionClosed     ConnectionStatus = "closed"
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionOpen       ConnectionStatus = "open"
)

// Change describes a session transition. Session is nil after a clear.
type Change struct {
	Session *vault.Session
	Reason  string
}

// State is the single source of truth for "who is signed in". It holds no
// copy of the token: every read goes to the vault.
type State struct {
	vault  *vault.Vault
	logger *slog.Logger

	mu            sync.Mutex
	nextID        int
	listeners     map[int]func(Change)
	connStatus    ConnectionStatus
	connListeners map[int]func(ConnectionStatus)
}

// New creates a state handle over v.
func New(v *vault.Vault, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		vault:         v,
		logger:        logger.With("component", "session"),
		listeners:     make(map[int]func(Change)),
		connStatus:    ConnectionClosed,
		connListeners: make(map[int]func(ConnectionStatus)),
	}
}

// Token returns the current bearer token, or "" when signed out.
func (s *State) Token() string {
	sess, ok := s.Current()
	if !ok {
		return ""
	}
	return sess.Token
}

// Current returns the stored session.
func (s *State) Current() (vault.Session, bool) {
	sess, err := s.vault.Session()
	if err != nil {
		if !errors.Is(err, vault.ErrNoSession) {
			s.logger.Warn("reading session failed", "error", err)
		}
		return vault.Session{}, false
	}
	return sess, true
}

// Establish persists a new session and notifies observers. The token is on
// disk before any observer learns about it.
func (s *State) Establish(token string, identity devicelogin.Identity) error {
	sess := vault.Session{Token: token, Identity: identity, CreatedAt: time.Now().UTC()}
	if err := s.vault.SaveSession(sess); err != nil {
		return fmt.Errorf("establishing session: %w", err)
	}
	s.logger.Info("session established", "identifier", identity.Identifier, "role", identity.Role)
	s.notify(Change{Session: &sess, Reason: "established"})
	return nil
}

// UpdateIdentity replaces the identity of the current session, keeping its token.
func (s *State) UpdateIdentity(identity devicelogin.Identity) error {
	sess, ok := s.Current()
	if !ok {
		return vault.ErrNoSession
	}
	sess.Identity = identity
	if err := s.vault.SaveSession(sess); err != nil {
		return fmt.Errorf("updating identity: %w", err)
	}
	s.notify(Change{Session: &sess, Reason: "identity_updated"})
	return nil
}

// Clear removes the session. reason is logged and passed to observers.
func (s *State) Clear(reason string) error {
	if err := s.vault.ClearSession(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	s.logger.Info("session cleared", "reason", reason)
	s.notify(Change{Reason: reason})
	return nil
}

// Subscribe registers fn for session changes and returns an unsubscribe func.
func (s *State) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// SetConnectionStatus records the realtime channel's status and notifies observers.
func (s *State) SetConnectionStatus(status ConnectionStatus) {
	s.mu.Lock()
	if s.connStatus == status {
		s.mu.Unlock()
		return
	}
	s.connStatus = status
	targets := make([]func(ConnectionStatus), 0, len(s.connListeners))
	for _, fn := range s.connListeners {
		targets = append(targets, fn)
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(status)
	}
}

// ConnectionStatus returns the last reported realtime status.
func (s *State) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connStatus
}

// SubscribeConnection registers fn for connection status changes.
func (s *State) SubscribeConnection(fn func(ConnectionStatus)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.connListeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.connListeners, id)
	}
}

func (s *State) notify(c Change) {
	s.mu.Lock()
	targets := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		targets = append(targets, fn)
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(c)
	}
}
