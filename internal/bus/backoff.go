package bus

import (
	"context"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"orderflow/internal/event"
)

func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// runWithRetry invokes h up to policy.MaxAttempts times and returns the last
// error once attempts are exhausted. It respects ctx between attempts so a
// shutting-down consumer stops retrying and leaves the envelope unacked.
func runWithRetry(ctx context.Context, logger *log.Logger, policy RetryPolicy, group string, h Handler, env event.Envelope) error {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = h(ctx, env)
		if lastErr == nil {
			return nil
		}
		logger.WithFields(log.Fields{
			"topic":   env.Topic,
			"eventId": env.EventID,
			"key":     env.PartitionKey,
			"group":   group,
			"attempt": attempt,
			"traceId": env.TraceID,
		}).WithError(lastErr).Warn("handler failed")

		if attempt == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(backoffDelay(attempt, policy.InitialDelay, policy.MaxDelay))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
