// ABOUTME: Reconnect delay schedule for the realtime channel
// ABOUTME: Doubles from a floor up to a ceiling; reset only after a stable connection

package realtime

import (
	"sync"
	"time"
)

const (
	DefaultBackoffFloor   = time.Second
	DefaultBackoffCeiling = 30 * time.Second
	DefaultStableAfter    = 5 * time.Second
)

// Backoff hands out reconnect delays: floor, 2*floor, 4*floor, ... capped at ceiling.
type Backoff struct {
	mu      sync.Mutex
	floor   time.Duration
	ceiling time.Duration
	next    time.Duration
}

// NewBackoff creates a schedule. Non-positive values take the defaults; a
// ceiling below the floor is raised to the floor.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCeiling
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, next: floor}
}

// Next returns the delay for this attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.next
	b.next *= 2
	if b.next > b.ceiling {
		b.next = b.ceiling
	}
	return d
}

// Peek returns the delay Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Reset returns the schedule to the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.floor
	b.mu.Unlock()
}
