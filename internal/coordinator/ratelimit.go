// ABOUTME: Per-identifier token bucket limiting for device request creation
// ABOUTME: Idle limiters are pruned by the sweeper

package coordinator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	perMin   int
	burst    int
}

func newLimiterSet(perMinute, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*limiterEntry),
		perMin:   perMinute,
		burst:    burst,
	}
}

// allow reports whether key may act now.
func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMin)), s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// prune drops limiters idle for longer than idle.
func (s *limiterSet) prune(now time.Time, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.limiters {
		if now.Sub(e.lastSeen) > idle {
			delete(s.limiters, key)
		}
	}
}
