package broker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default sliding-window budget for metadata operations. Document update
// and awareness traffic never passes through the limiter.
const (
	DefaultRateLimit  = 120
	DefaultRateWindow = 10 * time.Second
)

// rateWindow holds the recent operation timestamps for one session key.
type rateWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// RateLimiter enforces a per-key sliding window: at most limit operations
// within any window-sized span. Old entries age out naturally, so a key
// that exceeds the limit recovers as soon as its oldest stamps fall out of
// the window, with no fixed reset boundary to thunder against.
type RateLimiter struct {
	limit  int
	window time.Duration
	clock  clockwork.Clock

	mu   sync.Mutex
	keys map[string]*rateWindow
}

// NewRateLimiter builds a limiter. Non-positive limit or window disables
// limiting entirely.
func NewRateLimiter(limit int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		keys:   make(map[string]*rateWindow),
	}
}

// Allow records one operation for the key and reports whether it fits in
// the window.
func (l *RateLimiter) Allow(key string) bool {
	if l.limit <= 0 || l.window <= 0 {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	w, ok := l.keys[key]
	if !ok {
		w = &rateWindow{}
		l.keys[key] = w
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-l.window)
	live := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	w.stamps = live

	if len(w.stamps) >= l.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Forget drops the key's window. Called when the last session for a key
// closes so the map does not grow with every key ever seen.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}
