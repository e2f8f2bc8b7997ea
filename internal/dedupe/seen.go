// ABOUTME: Time-bounded set of device request ids already handled on this device
// ABOUTME: Collapses the same new_device_request arriving over push and realtime

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 1024
)

type seenEntry struct {
	at   time.Time
	elem *list.Element
}

// Seen remembers request ids for a TTL, evicting the oldest id once maxSize is
// reached. The zero value is not usable; call New.
type Seen struct {
	mu      sync.Mutex
	ids     map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// New creates a set and starts its sweeper. Non-positive arguments take the
// defaults.
func New(ttl time.Duration, maxSize int) *Seen {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	s := &Seen{
		ids:     make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval(ttl))
	return s
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// First reports whether id is new, recording it if so. Concurrent callers with
// the same id get true exactly once per TTL.
func (s *Seen) First(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.ids[id]; ok {
		if now.Sub(e.at) < s.ttl {
			return false
		}
		e.at = now
		s.order.MoveToBack(e.elem)
		return true
	}

	if len(s.ids) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			delete(s.ids, front.Value.(string))
			s.order.Remove(front)
		}
	}
	s.ids[id] = &seenEntry{at: now, elem: s.order.PushBack(id)}
	return true
}

// Has reports whether id was recorded within the TTL.
func (s *Seen) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ids[id]
	return ok && s.now().Sub(e.at) < s.ttl
}

// Forget drops id so the next First for it returns true.
func (s *Seen) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.ids[id]; ok {
		s.order.Remove(e.elem)
		delete(s.ids, id)
	}
}

// Len returns the number of ids held, expired or not.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *Seen) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep drops expired ids. Entries are in insertion order, so it stops at the
// first live one.
func (s *Seen) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		id := front.Value.(string)
		if now.Sub(s.ids[id].at) < s.ttl {
			return
		}
		s.order.Remove(front)
		delete(s.ids, id)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (s *Seen) Close() {
	s.once.Do(func() { close(s.stop) })
}
