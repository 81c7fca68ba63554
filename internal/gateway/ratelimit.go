package gateway

import (
	"sync"
	"time"
)

// rateLimiter is a rolling-window counter. Unlike a token bucket it never
// resets early: a message is admitted only when fewer than limit messages
// arrived within the window ending now.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window}
}

// Allow records an arrival at now and reports whether it is within the
// limit. Rejected arrivals are not recorded, they must not extend the
// client's own penalty.
func (l *rateLimiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep

	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
