package bus

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"orderflow/internal/event"
)

// InMemoryBus relays envelopes directly to subscribed handlers, simulating
// the broker for tests and single-process development. Delivery is
// synchronous inside Publish, which keeps per-key ordering trivially intact,
// and applies the same retry and dead-letter policy as the Kafka bus.
type InMemoryBus struct {
	retry  RetryPolicy
	logger *log.Logger

	mu          sync.Mutex
	subs        map[string]map[string]Handler
	dlSubs      []DeadLetterHandler
	deadLetters []DeadLetter
	published   map[string][]event.Envelope
}

// NewInMemoryBus creates an empty bus with the given handler retry policy.
func NewInMemoryBus(retry RetryPolicy, logger *log.Logger) *InMemoryBus {
	return &InMemoryBus{
		retry:     retry.normalized(),
		logger:    logger,
		subs:      make(map[string]map[string]Handler),
		published: make(map[string][]event.Envelope),
	}
}

// Subscribe registers the handler for the topic under the consumer group and
// returns immediately; delivery happens inside Publish.
func (b *InMemoryBus) Subscribe(_ context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	groups, ok := b.subs[topic]
	if !ok {
		groups = make(map[string]Handler)
		b.subs[topic] = groups
	}
	groups[group] = h
	return nil
}

// SubscribeDeadLetters registers a sink for exhausted envelopes.
func (b *InMemoryBus) SubscribeDeadLetters(_ context.Context, _ string, h DeadLetterHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlSubs = append(b.dlSubs, h)
	return nil
}

// Publish delivers the envelope to every subscribed consumer group, retrying
// per group and dead-lettering on exhaustion, exactly like the broker-backed
// client would across processes.
func (b *InMemoryBus) Publish(ctx context.Context, env event.Envelope) error {
	if !event.KnownTopic(env.Topic) {
		return &PublishError{Topic: env.Topic, Err: event.ErrUnknownTopic}
	}

	b.mu.Lock()
	b.published[env.Topic] = append(b.published[env.Topic], env)
	groups := make(map[string]Handler, len(b.subs[env.Topic]))
	for g, h := range b.subs[env.Topic] {
		groups[g] = h
	}
	b.mu.Unlock()

	for group, h := range groups {
		if err := runWithRetry(ctx, b.logger, b.retry, group, h, env); err != nil {
			b.deadLetter(ctx, DeadLetter{
				OriginTopic:   env.Topic,
				ConsumerGroup: group,
				Attempts:      b.retry.MaxAttempts,
				LastError:     err.Error(),
				Envelope:      env,
				ReceivedAt:    time.Now().UTC(),
			})
		}
	}
	return nil
}

func (b *InMemoryBus) deadLetter(ctx context.Context, dl DeadLetter) {
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, dl)
	sinks := append([]DeadLetterHandler(nil), b.dlSubs...)
	b.mu.Unlock()

	for _, sink := range sinks {
		if err := sink(ctx, dl); err != nil {
			b.logger.WithError(err).Error("dead-letter sink failed")
		}
	}
}

// Published returns every envelope published to the topic, in order.
func (b *InMemoryBus) Published(topic string) []event.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Envelope(nil), b.published[topic]...)
}

// DeadLetters returns the captured dead letters.
func (b *InMemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}
