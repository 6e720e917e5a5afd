// Package ratelimit implements the per-identity sliding window applied to
// slash commands.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultLimit is commands per window when none is configured.
const DefaultLimit = 10

// Window is a sliding-window limiter keyed by identity string. Each key may
// perform at most Limit actions in any trailing window.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// New creates a limiter allowing limit actions per window.
func New(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Window{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// SetClock replaces the time source (tests).
func (w *Window) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// SetLimit changes the limit; existing history is kept.
func (w *Window) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

// Allow records an action for key and reports whether it is within the limit.
// Rejected attempts are not recorded, so sustained flooding does not extend
// the lockout.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	hits := trim(w.hits[key], now.Add(-w.window))
	if len(hits) >= w.limit {
		w.hits[key] = hits
		return false
	}
	w.hits[key] = append(hits, now)
	return true
}

// RetryAfter returns how long until key may act again (zero if it may now).
func (w *Window) RetryAfter(key string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	hits := trim(w.hits[key], now.Add(-w.window))
	if len(hits) < w.limit {
		return 0
	}
	return hits[len(hits)-w.limit].Add(w.window).Sub(now)
}

// Prune drops keys with no hits inside the window.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	removed := 0
	for key, hits := range w.hits {
		hits = trim(hits, cutoff)
		if len(hits) == 0 {
			delete(w.hits, key)
			removed++
			continue
		}
		w.hits[key] = hits
	}
	return removed
}

// trim drops timestamps at or before cutoff. hits is in ascending order.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
