// ABOUTME: Local notifications shown on the approver device
// ABOUTME: Payload keys shared with push data, plus the Scheduler interface and simple schedulers

package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Data keys carried by push payloads and local notifications.
const (
	KeyRequestID     = "requestId"
	KeyCode          = "code"
	KeyPendingAction = "pendingAction"
)

// Categories.
const (
	CategoryDeviceApproval = "device_approval"
	CategoryPendingAction  = "pending_action"
	CategoryConfirmation   = "confirmation"
	CategoryError          = "error"
	CategorySignIn         = "sign_in"
)

// Notification is one local notification.
type Notification struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Category  string            `json:"category"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Scheduler shows or queues a notification.
type Scheduler interface {
	Schedule(ctx context.Context, n Notification) error
}

// stamp fills in the id and timestamp when absent.
func stamp(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n
}

// Entry is what an approver needs from a notification payload.
type Entry struct {
	RequestID     string
	Code          string
	PendingAction string
}

// ParseEntry reads the approver entry fields out of payload data. Unknown keys
// are ignored.
func ParseEntry(data map[string]string) Entry {
	return Entry{
		RequestID:     data[KeyRequestID],
		Code:          data[KeyCode],
		PendingAction: data[KeyPendingAction],
	}
}

// Data returns the payload form of e, omitting empty fields.
func (e Entry) Data() map[string]string {
	data := make(map[string]string, 3)
	if e.RequestID != "" {
		data[KeyRequestID] = e.RequestID
	}
	if e.Code != "" {
		data[KeyCode] = e.Code
	}
	if e.PendingAction != "" {
		data[KeyPendingAction] = e.PendingAction
	}
	return data
}

// Multi fans a notification out to every scheduler and joins their errors.
type Multi []Scheduler

// Schedule implements Scheduler.
func (m Multi) Schedule(ctx context.Context, n Notification) error {
	n = stamp(n)
	var errs []error
	for _, s := range m {
		if err := s.Schedule(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps scheduled notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// Schedule implements Scheduler.
func (r *Recorder) Schedule(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, stamp(n))
	r.mu.Unlock()
	return nil
}

// All returns a copy of everything recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Count returns how many notifications were recorded.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}
