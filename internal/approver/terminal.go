// ABOUTME: Terminal presenter for the approval prompt
// ABOUTME: Shows the code with a live countdown, then reports how the run ended

package approver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-approve/internal/biometric"
	"github.com/2389/coven-approve/internal/devicelogin"
)

// TerminalPresenter asks on a terminal. Tick controls how often the remaining
// time is redrawn; zero disables the redraw. Lines, when set, is shared with
// the other prompts reading the same input; otherwise one is made from In.
type TerminalPresenter struct {
	In    io.Reader
	Out   io.Writer
	Tick  time.Duration
	Now   func() time.Time
	Lines *biometric.LineReader

	mu        sync.Mutex
	linesOnce sync.Once
}

// Present implements Presenter.
func (p *TerminalPresenter) Present(ctx context.Context, prompt Prompt) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	bold := color.New(color.Bold)
	code := color.New(color.FgCyan, color.Bold)

	// Listen before drawing the prompt.
	answers := p.lines().Next(ctx)

	p.mu.Lock()
	fmt.Fprintln(p.Out)
	bold.Fprintln(p.Out, "Sign-in request")
	if prompt.Request.Identifier != "" {
		fmt.Fprintf(p.Out, "  account: %s\n", prompt.Request.Identifier)
	}
	fmt.Fprintf(p.Out, "  code:    %s\n", code.Sprint(prompt.Request.Code))
	fmt.Fprintf(p.Out, "  expires: %s\n", remaining(prompt.Deadline, now()))
	fmt.Fprint(p.Out, "Check the code matches, then [a]pprove, [d]eny or [q]uit: ")
	p.mu.Unlock()

	var tick <-chan time.Time
	if p.Tick > 0 {
		t := time.NewTicker(p.Tick)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			p.println()
			return "", ctx.Err()
		case <-tick:
			p.mu.Lock()
			color.New(color.Faint).Fprintf(p.Out, "\r  %s left ", remaining(prompt.Deadline, now()))
			p.mu.Unlock()
		case line := <-answers:
			if line.Err != nil {
				return "", ErrDismissed
			}
			switch strings.ToLower(strings.TrimSpace(line.Text)) {
			case "a", "approve", "y", "yes":
				return devicelogin.ActionApprove, nil
			case "d", "deny", "n", "no":
				return devicelogin.ActionDeny, nil
			default:
				return "", ErrDismissed
			}
		}
	}
}

// Report prints how a run ended. Results carrying an AutoDismiss delay stay on
// screen for that long before Report returns; failures come back as errors for
// the caller to show until the user moves on.
func (p *TerminalPresenter) Report(ctx context.Context, r Result) error {
	code := ""
	if r.Request != nil {
		code = r.Request.Code
	}

	var msg string
	switch r.Outcome {
	case OutcomeApproved:
		msg = color.GreenString("✓ Approved %s", code)
	case OutcomeDenied:
		msg = color.YellowString("✗ Denied %s", code)
	case OutcomeExpired:
		msg = color.YellowString("Request %s expired", code)
	case OutcomeDismissed:
		msg = "Dismissed."
	case OutcomeNoRequest:
		msg = "No pending sign-in requests."
	case OutcomeManualLogin:
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
			return fmt.Errorf("sign in required: %w", r.Err)
		}
		return errors.New("sign in required")
	default:
		return fmt.Errorf("could not process request %s: %w", code, r.Err)
	}

	p.mu.Lock()
	fmt.Fprintln(p.Out, msg)
	p.mu.Unlock()

	if r.AutoDismiss > 0 {
		timer := time.NewTimer(r.AutoDismiss)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return nil
}

func (p *TerminalPresenter) lines() *biometric.LineReader {
	p.linesOnce.Do(func() {
		if p.Lines == nil {
			p.Lines = biometric.NewLineReader(p.In)
		}
	})
	return p.Lines
}

func (p *TerminalPresenter) println() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.Out)
}

func remaining(deadline, now time.Time) string {
	d := deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
