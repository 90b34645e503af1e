package nlp

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of classification calls a session may
	// make per window when no explicit limit is configured.
	DefaultRateLimit = 20

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-session sliding-window limit on classification
// calls. It is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewRateLimiter allows at most limit calls per session within window.
// Non-positive arguments select the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// prune drops timestamps outside the window. Callers hold r.mu.
func (r *RateLimiter) prune(sessionID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[sessionID]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.counters, sessionID)
		return nil
	}
	r.counters[sessionID] = valid
	return valid
}

// Allow records a call and reports whether the session was within quota.
func (r *RateLimiter) Allow(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(sessionID, now)
	if len(valid) >= r.limit {
		return false
	}
	r.counters[sessionID] = append(valid, now)
	return true
}

// Remaining returns how many calls the session may still make in the
// current window.
func (r *RateLimiter) Remaining(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.limit-len(r.prune(sessionID, r.now())), 0)
}
