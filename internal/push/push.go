// ABOUTME: Push delivery for new device login requests
// ABOUTME: Sender interface plus the message builder shared by every provider

package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/notify"
)

// ErrUnregistered means the device token is no longer valid and should be forgotten.
var ErrUnregistered = errors.New("push token unregistered")

// Message is one push to one device.
type Message struct {
	Token    string
	Title    string
	Body     string
	Category string
	Data     map[string]string
}

// Sender delivers push messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// DeviceApproval builds the push announcing req to the device holding token.
// The category carries approve and deny actions on the device.
func DeviceApproval(token string, req devicelogin.Request) Message {
	entry := notify.Entry{RequestID: req.ID, Code: req.Code}
	return Message{
		Token:    token,
		Title:    "Sign-in request",
		Body:     fmt.Sprintf("Code %s. Approve the new device?", req.Code),
		Category: notify.CategoryDeviceApproval,
		Data:     entry.Data(),
	}
}

// Recorder keeps sent messages in memory. Tokens listed in Unregistered fail
// with ErrUnregistered.
type Recorder struct {
	mu           sync.Mutex
	sent         []Message
	Unregistered map[string]bool
}

// Send implements Sender.
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Unregistered[msg.Token] {
		return ErrUnregistered
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the messages sent so far.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}
