// ABOUTME: Biometric gate abstraction for presence checks before passkey use
// ABOUTME: Yields an outcome only; never returns or handles credential material

package biometric

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrDeclined means the user (or the platform) refused the presence check.
	ErrDeclined = errors.New("biometric check declined")
	// ErrUnavailable means no interactive context exists to run the check in.
	ErrUnavailable = errors.New("biometric check unavailable")
)

// Gate performs a platform-level presence/identity check.
// Authenticate returns nil only when presence was confirmed.
type Gate interface {
	Authenticate(ctx context.Context, reason string) error
}

// StaticGate always yields the same outcome. Useful for headless profiles and tests.
type StaticGate struct {
	mu      sync.Mutex
	err     error
	calls   int
	reasons []string
}

// Allow returns a gate that always confirms presence.
func Allow() *StaticGate { return &StaticGate{} }

// Deny returns a gate that always declines.
func Deny() *StaticGate { return &StaticGate{err: ErrDeclined} }

// Authenticate records the call and returns the configured outcome.
func (g *StaticGate) Authenticate(ctx context.Context, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.reasons = append(g.reasons, reason)
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.err
}

// Calls returns how many times Authenticate ran.
func (g *StaticGate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Reasons returns the reasons passed to Authenticate, in order.
func (g *StaticGate) Reasons() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.reasons))
	copy(out, g.reasons)
	return out
}
