package provider

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/juru/internal/metrics"
)

// RetryConfig configures retry behavior for transient completion failures.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig allows a single retry after rate limits or network
// faults. Turns stay interactive, so long retry ladders are not worth it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// RetryProvider wraps a provider with automatic retry on transient errors.
// Only errors Retryable reports as transient are retried; auth and request
// shape failures surface immediately.
type RetryProvider struct {
	inner  Provider
	config RetryConfig
	met    *metrics.Metrics
}

// WrapWithRetry wraps a provider with retry logic. The metrics handle may
// be nil.
func WrapWithRetry(p Provider, config RetryConfig, met *metrics.Metrics) Provider {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultRetryConfig().BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	return &RetryProvider{inner: p, config: config, met: met}
}

func (r *RetryProvider) Kind() string {
	return r.inner.Kind()
}

func (r *RetryProvider) Complete(ctx context.Context, history []Message, tools []ToolSchema, opts Options) (*Completion, error) {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		start := time.Now()
		completion, err := r.inner.Complete(ctx, history, tools, opts)
		if err == nil {
			r.met.RecordProviderRequest(r.inner.Kind(), "ok", time.Since(start))
			return completion, nil
		}
		r.met.RecordProviderRequest(r.inner.Kind(), requestStatus(err), time.Since(start))

		if !Retryable(err) {
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		wait := r.backoff(attempt)
		log.Warn().
			Str("provider", r.inner.Kind()).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("transient provider failure, retrying")
		r.met.RecordProviderRetry(r.inner.Kind())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, lastErr
}

// backoff computes the wait before the next attempt: exponential growth
// from BaseBackoff with +/- 25% jitter, capped at MaxBackoff.
func (r *RetryProvider) backoff(attempt int) time.Duration {
	wait := float64(r.config.BaseBackoff) * math.Pow(2, float64(attempt-1))
	wait += (rand.Float64() - 0.5) * 0.5 * wait
	if wait > float64(r.config.MaxBackoff) {
		wait = float64(r.config.MaxBackoff)
	}
	return time.Duration(wait)
}

// requestStatus derives the metrics label for a failed completion.
func requestStatus(err error) string {
	switch KindOf(err) {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindMalformed:
		return "malformed"
	default:
		return "error"
	}
}
