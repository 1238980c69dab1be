package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(3, 10)

	for i := 0; i < 3; i++ {
		allowed, reason := rl.CheckRequestAllowed()
		require.True(t, allowed, "request %d should be allowed", i)
		require.Empty(t, reason)
		rl.RecordRequestStart()
		rl.RecordRequestEnd()
	}

	allowed, reason := rl.CheckRequestAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "rate limit exceeded", reason)
}

func TestRateLimiterConcurrencyCap(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(100, 2)

	rl.RecordRequestStart()
	rl.RecordRequestStart()

	allowed, reason := rl.CheckRequestAllowed()
	require.False(t, allowed)
	assert.Equal(t, "too many concurrent requests", reason)

	// Finishing one request frees a slot.
	rl.RecordRequestEnd()
	allowed, _ = rl.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewClientRateLimiterWithLimits(2, 10)

	// Backdate two requests past the window; they must not count.
	old := time.Now().Add(-2 * time.Minute)
	rl.mu.Lock()
	rl.requests = append(rl.requests, old, old)
	rl.mu.Unlock()

	allowed, _ := rl.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestRateLimiterEndWithoutStart(t *testing.T) {
	rl := NewClientRateLimiter()

	// Must not underflow the concurrency counter.
	rl.RecordRequestEnd()

	allowed, _ := rl.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewClientRateLimiter()
	assert.Equal(t, defaultRequestsPerMinute, rl.requestsPerMinute)
	assert.Equal(t, defaultMaxConcurrent, rl.maxConcurrent)
}
