// ABOUTME: File-backed notification outbox shared by background and foreground processes
// ABOUTME: JSON lines; Pending finds the newest pending-action hand-off and Ack removes it

package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// OutboxFile is the default outbox file name inside the vault directory.
const OutboxFile = "outbox.jsonl"

// Outbox appends notifications to a JSON-lines file. A later foreground
// process reads it to pick up hand-offs scheduled in the background.
type Outbox struct {
	path string
	mu   sync.Mutex
}

// NewOutbox creates an outbox at path. The file is created on first write.
func NewOutbox(path string) *Outbox {
	return &Outbox{path: path}
}

// Path returns the outbox file path.
func (o *Outbox) Path() string { return o.path }

// Schedule implements Scheduler.
func (o *Outbox) Schedule(_ context.Context, n Notification) error {
	n = stamp(n)
	line, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(o.path), 0700); err != nil {
		return fmt.Errorf("creating outbox directory: %w", err)
	}
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing outbox: %w", err)
	}
	return nil
}

// All returns every notification in the outbox, oldest first. Lines that fail
// to decode are skipped.
func (o *Outbox) All() ([]Notification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readLocked()
}

// Pending returns the newest notification carrying a pending action, or nil.
func (o *Outbox) Pending() (*Notification, error) {
	all, err := o.All()
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Data[KeyPendingAction] != "" {
			n := all[i]
			return &n, nil
		}
	}
	return nil, nil
}

// Ack removes the notification with id.
func (o *Outbox) Ack(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	all, err := o.readLocked()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, n := range all {
		if n.ID == id {
			continue
		}
		line, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encoding notification: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing outbox: %w", err)
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return fmt.Errorf("replacing outbox: %w", err)
	}
	return nil
}

func (o *Outbox) readLocked() ([]Notification, error) {
	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}
	defer f.Close()

	var out []Notification
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var n Notification
		if json.Unmarshal(scanner.Bytes(), &n) != nil {
			continue
		}
		out = append(out, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	return out, nil
}
