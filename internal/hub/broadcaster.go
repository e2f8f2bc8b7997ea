// ABOUTME: In-memory fan-out of realtime frames keyed by subject
// ABOUTME: One subscriber may listen on several subjects; slow subscribers miss frames instead of blocking

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AdminSubject receives presence and action-log frames.
	AdminSubject = "admins"
)

// UserSubject is the subject for every session belonging to identifier.
func UserSubject(identifier string) string { return "user:" + identifier }

// RequestSubject is the subject for watchers of one device login request.
func RequestSubject(requestID string) string { return "request:" + requestID }

type subscriber struct {
	ch       chan []byte
	subjects []string
}

// Broadcaster provides in-memory pub/sub for encoded frames.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // subject -> subID -> sub
	byID        map[string]*subscriber
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		byID:        make(map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers one subscriber on all of subjects. The returned channel
// is closed when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context, subjects ...string) (<-chan []byte, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:       make(chan []byte, subscriberBufferSize),
		subjects: subjects,
	}

	b.mu.Lock()
	for _, subject := range subjects {
		if _, ok := b.subscribers[subject]; !ok {
			b.subscribers[subject] = make(map[string]*subscriber)
		}
		b.subscribers[subject][subID] = sub
	}
	b.byID[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subjects", subjects, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish encodes frame and sends it to every subscriber of subject.
// Non-blocking: frames are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(subject string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	b.PublishRaw(subject, data)
	return nil
}

// PublishRaw sends already encoded bytes to every subscriber of subject.
func (b *Broadcaster) PublishRaw(subject string, data []byte) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers[subject] {
		select {
		case sub.ch <- data:
		default:
			b.logger.Warn("dropped frame for slow subscriber", "subject", subject, "sub_id", id)
		}
	}
}

// Subscribers returns how many subscribers listen on subject.
func (b *Broadcaster) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[subject])
}

// Unsubscribe removes a subscription from all its subjects and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[subID]
	if !ok {
		return
	}
	delete(b.byID, subID)
	for _, subject := range sub.subjects {
		subs := b.subscribers[subject]
		delete(subs, subID)
		if len(subs) == 0 {
			delete(b.subscribers, subject)
		}
	}
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.byID {
		close(sub.ch)
		delete(b.byID, subID)
	}
	b.subscribers = make(map[string]map[string]*subscriber)

	b.logger.Debug("broadcaster closed")
}
