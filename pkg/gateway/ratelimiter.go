package gateway

import (
	"sync"
	"time"
)

// Default per-client limits.
const (
	defaultRequestsPerMinute = 60
	defaultMaxConcurrent     = 10
)

// ClientRateLimiter enforces a sliding one-minute request window and a
// concurrency cap for a single connection.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
}

// NewClientRateLimiter creates a rate limiter with the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultRequestsPerMinute, defaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// CheckRequestAllowed reports whether another request may start now. The
// reason distinguishes the window limit from the concurrency cap.
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}

	r.prune(time.Now())
	if len(r.requests) >= r.requestsPerMinute {
		return false, "rate limit exceeded"
	}

	return true, ""
}

// RecordRequestStart counts a request against the window and the cap.
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, time.Now())
	r.inFlight++
}

// RecordRequestEnd releases one concurrency slot.
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// prune drops requests older than the window. Caller holds the lock.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}
