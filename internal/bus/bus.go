// Package bus is the thin client over the durable partitioned broker. It
// guarantees at-least-once delivery, ordering per partition key, bounded
// handler retries with exponential backoff, and dead-letter routing for
// poison messages. Effect idempotency stays with the handlers.
package bus

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/event"
)

// Handler processes one delivered envelope. It may be invoked more than once
// for the same logical event (redelivery, rebalance); it must be idempotent.
type Handler func(ctx context.Context, env event.Envelope) error

// Publisher sends envelopes to the broker.
type Publisher interface {
	// Publish routes the envelope by its partition key. It retries transient
	// broker failures a bounded number of times and returns a *PublishError
	// once attempts are exhausted.
	Publish(ctx context.Context, env event.Envelope) error
}

// Bus combines publishing with consumer-group subscription.
type Bus interface {
	Publisher
	// Subscribe runs h for every envelope delivered to the topic under the
	// consumer group until ctx is cancelled. Delivery is at-least-once and
	// ordered only within a partition key. Handler failures are retried per
	// the retry policy, then the envelope is dead-lettered unchanged and the
	// delivery acknowledged so one poison message cannot block a partition.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// PublishError reports broker unavailability after bounded retries. It is a
// transient infrastructure failure; callers may retry the whole operation.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// RetryPolicy bounds handler and publish retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the documented delivery contract.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// DeadLetter is a poison envelope together with its delivery context.
// The envelope itself is carried unchanged for replay.
type DeadLetter struct {
	OriginTopic   string
	ConsumerGroup string
	Attempts      int
	LastError     string
	Envelope      event.Envelope
	ReceivedAt    time.Time
}

// DeadLetterHandler processes entries arriving on the dead-letter topic.
type DeadLetterHandler func(ctx context.Context, dl DeadLetter) error
