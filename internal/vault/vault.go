// ABOUTME: Credential vault holding the session token slot and the passkey slot
// ABOUTME: Encrypts each slot with XChaCha20-Poly1305; passkey reads go through a biometric gate

package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/2389/coven-approve/internal/biometric"
	"github.com/2389/coven-approve/internal/devicelogin"
)

var (
	// ErrNoSession is returned when the session slot is empty.
	ErrNoSession = errors.New("no stored session")
	// ErrPasskeyAbsent is returned when no passkey has been saved on this device.
	ErrPasskeyAbsent = errors.New("no passkey on this device")
	// ErrCorrupt is returned when a slot cannot be decrypted or decoded.
	ErrCorrupt = errors.New("vault slot corrupt")
)

const (
	keyFile     = "vault.key"
	sessionFile = "session.json.enc"
	passkeyFile = "passkey.json.enc"
)

// Session is the bearer credential plus the identity it was issued for.
type Session struct {
	Token     string               `json:"token"`
	Identity  devicelogin.Identity `json:"identity"`
	CreatedAt time.Time            `json:"createdAt"`
}

// Passkey is the replay credential used after a successful presence check.
type Passkey struct {
	Identifier string    `json:"identifier"`
	Secret     string    `json:"secret"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Vault is a directory of sealed slots. Every read goes to disk: another
// process (the background action handler) may have changed a slot since the
// last call.
type Vault struct {
	dir    string
	aead   cipher.AEAD
	mu     sync.RWMutex
	logger *slog.Logger
}

// Open opens (or initializes) the vault in dir. The key file is created on
// first use with 0600 permissions.
func Open(dir string, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	return &Vault{
		dir:    dir,
		aead:   aead,
		logger: logger.With("component", "vault"),
	}, nil
}

// Dir returns the vault directory.
func (v *Vault) Dir() string { return v.dir }

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: key file has %d bytes", ErrCorrupt, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading vault key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating vault key: %w", err)
	}
	if err := writeAtomic(path, key); err != nil {
		return nil, fmt.Errorf("writing vault key: %w", err)
	}
	return key, nil
}

// SaveSession replaces the session slot.
func (v *Vault) SaveSession(s Session) error {
	if s.Token == "" {
		return fmt.Errorf("saving session: empty token")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := v.seal(sessionFile, s); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	v.logger.Debug("session stored", "identifier", s.Identity.Identifier)
	return nil
}

// Session returns the stored session or ErrNoSession.
func (v *Vault) Session() (Session, error) {
	var s Session
	if err := v.open(sessionFile, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}
	return s, nil
}

// ClearSession empties the session slot. Clearing an empty slot is not an error.
func (v *Vault) ClearSession() error {
	return v.remove(sessionFile)
}

// SavePasskey stores the passkey, replacing any existing one.
func (v *Vault) SavePasskey(p Passkey) error {
	if p.Identifier == "" || p.Secret == "" {
		return fmt.Errorf("saving passkey: identifier and secret are required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := v.seal(passkeyFile, p); err != nil {
		return fmt.Errorf("saving passkey: %w", err)
	}
	v.logger.Info("passkey stored", "identifier", p.Identifier)
	return nil
}

// DeletePasskey removes the passkey.
func (v *Vault) DeletePasskey() error {
	if err := v.remove(passkeyFile); err != nil {
		return err
	}
	v.logger.Info("passkey deleted")
	return nil
}

// HasPasskey reports whether a passkey exists. It needs no presence check and
// never decrypts anything, so background contexts may call it.
func (v *Vault) HasPasskey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, err := os.Stat(filepath.Join(v.dir, passkeyFile))
	return err == nil
}

// Passkey runs the gate and, only if presence is confirmed, decrypts the
// passkey. A missing passkey returns ErrPasskeyAbsent without prompting.
func (v *Vault) Passkey(ctx context.Context, gate biometric.Gate, reason string) (Passkey, error) {
	if !v.HasPasskey() {
		return Passkey{}, ErrPasskeyAbsent
	}
	if gate == nil {
		return Passkey{}, biometric.ErrUnavailable
	}
	if err := gate.Authenticate(ctx, reason); err != nil {
		v.logger.Info("passkey read refused", "error", err)
		return Passkey{}, err
	}

	var p Passkey
	if err := v.open(passkeyFile, &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Passkey{}, ErrPasskeyAbsent
		}
		return Passkey{}, err
	}
	return p, nil
}

func (v *Vault) seal(name string, value any) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding slot: %w", err)
	}

	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(name))

	v.mu.Lock()
	defer v.mu.Unlock()
	return writeAtomic(filepath.Join(v.dir, name), sealed)
}

func (v *Vault) open(name string, dst any) error {
	v.mu.RLock()
	data, err := os.ReadFile(filepath.Join(v.dir, name))
	v.mu.RUnlock()
	if err != nil {
		return err
	}

	if len(data) < v.aead.NonceSize() {
		return fmt.Errorf("%w: %s too short", ErrCorrupt, name)
	}
	nonce, ciphertext := data[:v.aead.NonceSize()], data[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	if err := json.Unmarshal(plaintext, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return nil
}

func (v *Vault) remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := os.Remove(filepath.Join(v.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory and renames it
// over path, so readers see either the old or the new content.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
