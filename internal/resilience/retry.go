// Package resilience provides generic retry and circuit-breaking helpers used
// by built-in HTTP node execution: Retry backs a single node's outbound call
// per its own (or the workflow's default) retry policy, and CircuitBreaker
// guards the whole set of HTTP nodes in a workflow.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry runs fn with exponential backoff and full jitter, up to attempts
// tries. delay is the initial backoff; it doubles each attempt, capped at 60s.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("wfcore")
	attemptCounter, _ := meter.Int64Counter("wfcore_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("wfcore_retry_success_total")
	failCounter, _ := meter.Int64Counter("wfcore_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
