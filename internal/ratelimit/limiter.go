package ratelimit

import (
	"sync"
	"time"
)

// Window is the trailing period over which requests are counted.
const Window = time.Minute

// Limiter tracks per-identity request timestamps in a sliding window.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func New() *Limiter {
	return &Limiter{windows: make(map[string][]time.Time)}
}

// Allow prunes entries older than Window for identity and records now only if
// fewer than maxPerMinute requests remain. Rejected calls are not recorded.
func (l *Limiter) Allow(identity string, maxPerMinute int, now time.Time) bool {
	if maxPerMinute <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	window := prune(l.windows[identity], now)
	if len(window) >= maxPerMinute {
		l.windows[identity] = window
		return false
	}
	l.windows[identity] = append(window, now)
	return true
}

// RetryAfter reports how long identity must wait before its oldest recorded
// request leaves the window.
func (l *Limiter) RetryAfter(identity string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	window := l.windows[identity]
	if len(window) == 0 {
		return 0
	}
	wait := window[0].Add(Window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Prune drops stale entries for every identity and forgets identities whose
// window is empty. It returns the number of identities removed.
func (l *Limiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for identity, window := range l.windows {
		window = prune(window, now)
		if len(window) == 0 {
			delete(l.windows, identity)
			removed++
			continue
		}
		l.windows[identity] = window
	}
	return removed
}

// Len reports the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// prune drops timestamps at or before now-Window. Timestamps are appended in
// call order so the slice stays sorted.
func prune(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0:0], window[i:]...)
}
