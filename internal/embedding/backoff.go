package embedding

import (
	"context"
	"math/rand"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
)

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy controls how transient backend failures are retried.
type RetryPolicy struct {
	// BaseDelay is doubled on each successive attempt.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `json:"max_delay"`

	// MaxAttempts bounds the total number of tries, including the first.
	MaxAttempts int `json:"max_attempts"`
}

// DefaultRetryPolicy returns the standard embedding retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 6,
	}
}

// Delay returns the sleep before retry number attempt (attempt 0 is the
// delay after the first failure). Full jitter: a uniform draw from
// [0, min(MaxDelay, BaseDelay*2^attempt)] so concurrent workers spread out.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := p.MaxDelay
	// Guard the shift: past 30 doublings the ceiling always wins.
	if attempt < 30 {
		backoff := p.BaseDelay * time.Duration(1<<uint(attempt))
		if backoff < ceiling {
			ceiling = backoff
		}
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Retryable reports whether an error is worth retrying. Rate limits and
// unavailable dependencies are transient; everything else is permanent.
func Retryable(err error) bool {
	switch fault.KindOf(err) {
	case fault.RateLimited, fault.DependencyUnavailable:
		return true
	default:
		return false
	}
}

// =============================================================================
// RETRYING ENGINE
// =============================================================================

// retryingEngine decorates an EmbeddingEngine with retry-on-transient-failure
// semantics. Permanent errors and context cancellation pass through
// immediately.
type retryingEngine struct {
	inner  EmbeddingEngine
	policy RetryPolicy
}

// WithRetries wraps an engine so transient failures are retried according to
// the policy. Zero-valued policies fall back to the defaults.
func WithRetries(inner EmbeddingEngine, policy RetryPolicy) EmbeddingEngine {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	return &retryingEngine{inner: inner, policy: policy}
}

func (r *retryingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := r.attempt(ctx, "Embed", func(ctx context.Context) error {
		var err error
		vec, err = r.inner.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (r *retryingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := r.attempt(ctx, "EmbedBatch", func(ctx context.Context) error {
		var err error
		vecs, err = r.inner.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, err
}

func (r *retryingEngine) Dimensions() int { return r.inner.Dimensions() }

func (r *retryingEngine) Name() string { return r.inner.Name() }

// HealthCheck forwards to the inner engine when it supports health checks.
func (r *retryingEngine) HealthCheck(ctx context.Context) error {
	if hc, ok := r.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// attempt runs op up to MaxAttempts times, sleeping between tries.
func (r *retryingEngine) attempt(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.Delay(attempt - 1)
			logging.EmbedWarn("%s attempt %d/%d failed (%v), retrying in %v",
				op, attempt, r.policy.MaxAttempts, lastErr, delay)
			metrics.EmbeddingRetriesTotal.Inc()

			select {
			case <-ctx.Done():
				metrics.EmbeddingRequestsTotal.WithLabelValues("cancelled").Inc()
				return fault.Wrap(fault.Cancelled, ctx.Err(), "%s cancelled while backing off", op)
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			metrics.EmbeddingRequestsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		if !Retryable(lastErr) {
			metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
			return lastErr
		}
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
	return fault.Wrap(fault.KindOf(lastErr), lastErr, "%s failed after %d attempts", op, r.policy.MaxAttempts)
}
