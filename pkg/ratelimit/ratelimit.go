// Package ratelimit provides sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a thread-safe rate limiter using a sliding time window. It
// records the timestamps of admitted requests and only admits a new request
// while fewer than maxRequests timestamps fall inside the trailing window.
type Limiter struct {
	maxRequests int
	window      time.Duration

	mu       sync.Mutex
	requests []time.Time
}

// New creates a rate limiter admitting at most maxRequests requests per
// sliding window.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
	}
}

// Allow reports whether a request is admitted under the current rate limit.
// An admitted request is recorded; a denied one leaves the window untouched.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	if len(l.requests) >= l.maxRequests {
		return false
	}

	l.requests = append(l.requests, now)
	return true
}

// CurrentUsage returns the number of requests inside the current window.
func (l *Limiter) CurrentUsage() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(time.Now())
	return len(l.requests)
}

// Reset clears all recorded requests unconditionally.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requests = l.requests[:0]
}

// prune drops timestamps older than the window. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}
