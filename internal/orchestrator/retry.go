package orchestrator

import (
	"math"
	"math/rand"
	"time"

	"github.com/tasker-run/tasker/internal/domain"
)

// shouldRetry reports whether a step that has just failed its `attempts`-th
// try should be retried under policy r, honoring an optional
// reason-allow-list (spec §4.7 step 4).
func shouldRetry(r domain.RetryPolicy, attempts int, reason string) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if len(r.Retryable) == 0 {
		return true
	}
	for _, allowed := range r.Retryable {
		if allowed == reason {
			return true
		}
	}
	return false
}

// computeBackoff implements the exponential-backoff-with-jitter formula
// from spec §4.7/§8: delay = min(cap, base * 2^(attempts-1)) * uniform(1-jitter, 1+jitter).
func computeBackoff(r domain.RetryPolicy, attempts int) time.Duration {
	baseMS := r.BaseMS
	if baseMS <= 0 {
		baseMS = 1000
	}
	capMS := r.CapMS
	if capMS <= 0 {
		capMS = 60_000
	}
	jitter := r.Jitter
	if jitter <= 0 {
		jitter = 0.2
	}
	if attempts < 1 {
		attempts = 1
	}

	raw := float64(baseMS) * math.Pow(2, float64(attempts-1))
	capped := math.Min(raw, float64(capMS))

	low := capped * (1 - jitter)
	high := capped * (1 + jitter)
	if low < 0 {
		low = 0
	}
	delayMS := low + rand.Float64()*(high-low)
	return time.Duration(delayMS) * time.Millisecond
}
