// ABOUTME: Terminal presence check used as the biometric gate on desktop approvers
// ABOUTME: Confirms with y/N or a device PIN verified against a bcrypt hash

package biometric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/crypto/bcrypt"
)

// PromptGate asks the person at the terminal to confirm presence.
// When PINHash is set the answer must match it; otherwise "y" confirms.
type PromptGate struct {
	In      io.Reader
	Out     io.Writer
	PINHash string

	// Lines reads answers from In. Share it with every other prompt on the
	// same input; when nil the gate makes its own on first use.
	Lines *LineReader

	// Interactive reports whether a person can answer. Defaults to a TTY check on In.
	Interactive func() bool

	linesOnce sync.Once
}

// NewPromptGate returns a gate reading from stdin and writing to stderr.
func NewPromptGate(pinHash string) *PromptGate {
	return &PromptGate{In: os.Stdin, Out: os.Stderr, PINHash: pinHash, Lines: Stdin()}
}

// Authenticate prompts once. It never retries; a wrong PIN is a decline.
func (g *PromptGate) Authenticate(ctx context.Context, reason string) error {
	if !g.interactive() {
		return ErrUnavailable
	}

	answers := g.lines().Next(ctx)

	yellow := color.New(color.FgYellow)
	if g.PINHash != "" {
		yellow.Fprintf(g.Out, "%s\nEnter device PIN: ", reason)
	} else {
		yellow.Fprintf(g.Out, "%s\nConfirm it's you [y/N]: ", reason)
	}

	var line Line
	select {
	case line = <-answers:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch {
	case errors.Is(line.Err, io.EOF):
		return ErrDeclined
	case line.Err != nil:
		return fmt.Errorf("reading answer: %w", line.Err)
	}
	answer := strings.TrimSpace(line.Text)

	if g.PINHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(g.PINHash), []byte(answer)) != nil {
			return ErrDeclined
		}
		return nil
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return nil
	default:
		return ErrDeclined
	}
}

func (g *PromptGate) interactive() bool {
	if g.Interactive != nil {
		return g.Interactive()
	}
	f, ok := g.In.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (g *PromptGate) lines() *LineReader {
	g.linesOnce.Do(func() {
		if g.Lines == nil {
			g.Lines = NewLineReader(g.In)
		}
	})
	return g.Lines
}

// HashPIN returns the bcrypt hash stored in the profile's vault.pin_hash.
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing pin: %w", err)
	}
	return string(hash), nil
}
