// ABOUTME: Tests for the credential vault session and passkey slots
// ABOUTME: Covers round trips, gate enforcement, existence checks, and tamper detection

package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-approve/internal/biometric"
	"github.com/2389/coven-approve/internal/devicelogin"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return v
}

func TestSession_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Session()
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, v.SaveSession(Session{
		Token:    "T",
		Identity: devicelogin.Identity{Identifier: "0700000000", Role: "user"},
	}))

	s, err := v.Session()
	require.NoError(t, err)
	assert.Equal(t, "T", s.Token)
	assert.Equal(t, "user", s.Identity.Role)
	assert.False(t, s.CreatedAt.IsZero())

	require.NoError(t, v.ClearSession())
	_, err = v.Session()
	assert.ErrorIs(t, err, ErrNoSession)

	// Clearing twice is fine
	assert.NoError(t, v.ClearSession())
}

func TestSession_RejectsEmptyToken(t *testing.T) {
	v := newTestVault(t)
	assert.Error(t, v.SaveSession(Session{}))
}

func TestSession_VisibleAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	fg, err := Open(dir, nil)
	require.NoError(t, err)
	bg, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, fg.SaveSession(Session{Token: "first"}))
	s, err := bg.Session()
	require.NoError(t, err)
	assert.Equal(t, "first", s.Token)

	require.NoError(t, bg.ClearSession())
	_, err = fg.Session()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestPasskey_GateConfirmed(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.SavePasskey(Passkey{Identifier: "0700000000", Secret: "secret"}))
	assert.True(t, v.HasPasskey())

	gate := biometric.Allow()
	p, err := v.Passkey(context.Background(), gate, "sign in")
	require.NoError(t, err)
	assert.Equal(t, "secret", p.Secret)
	assert.Equal(t, 1, gate.Calls())
}

func TestPasskey_GateDeclined(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.SavePasskey(Passkey{Identifier: "0700000000", Secret: "secret"}))

	gate := biometric.Deny()
	p, err := v.Passkey(context.Background(), gate, "sign in")
	assert.ErrorIs(t, err, biometric.ErrDeclined)
	assert.Empty(t, p.Secret)
}

func TestPasskey_AbsentSkipsGate(t *testing.T) {
	v := newTestVault(t)
	assert.False(t, v.HasPasskey())

	gate := biometric.Allow()
	_, err := v.Passkey(context.Background(), gate, "sign in")
	assert.ErrorIs(t, err, ErrPasskeyAbsent)
	assert.Equal(t, 0, gate.Calls())
}

func TestPasskey_NilGate(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.SavePasskey(Passkey{Identifier: "a", Secret: "b"}))

	_, err := v.Passkey(context.Background(), nil, "sign in")
	assert.ErrorIs(t, err, biometric.ErrUnavailable)
}

func TestPasskey_Delete(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.SavePasskey(Passkey{Identifier: "a", Secret: "b"}))
	require.NoError(t, v.DeletePasskey())
	assert.False(t, v.HasPasskey())
}

func TestPasskey_NotPlaintextOnDisk(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.SavePasskey(Passkey{Identifier: "0700000000", Secret: "hunter2-unique"}))

	raw, err := os.ReadFile(filepath.Join(v.Dir(), passkeyFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2-unique")
}

func TestTamperedSlot(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.SaveSession(Session{Token: "T"}))

	path := filepath.Join(v.Dir(), sessionFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = v.Session()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestKeyFilePermissions(t *testing.T) {
	v := newTestVault(t)
	info, err := os.Stat(filepath.Join(v.Dir(), keyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
