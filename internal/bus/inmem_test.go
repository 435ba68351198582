package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"orderflow/internal/event"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func mustEnvelope(t *testing.T, id, key string) event.Envelope {
	t.Helper()
	env, err := event.NewWithID(context.Background(), id, event.TopicOrderUpdated, key, event.OrderUpdated{OrderID: key})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestPublishDeliversToEveryGroupOnce(t *testing.T) {
	b := NewInMemoryBus(testPolicy(), log.New())
	ctx := context.Background()

	var orders, emails []string
	if err := b.Subscribe(ctx, event.TopicOrderUpdated, "orders", func(_ context.Context, env event.Envelope) error {
		orders = append(orders, env.EventID)
		return nil
	}); err != nil {
		t.Fatalf("subscribe orders: %v", err)
	}
	if err := b.Subscribe(ctx, event.TopicOrderUpdated, "email", func(_ context.Context, env event.Envelope) error {
		emails = append(emails, env.EventID)
		return nil
	}); err != nil {
		t.Fatalf("subscribe email: %v", err)
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := b.Publish(ctx, mustEnvelope(t, id, "order-1")); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	want := []string{"e1", "e2", "e3"}
	for i, id := range want {
		if orders[i] != id || emails[i] != id {
			t.Fatalf("ordering broken: orders=%v emails=%v", orders, emails)
		}
	}
}

func TestHandlerRetriedThenDeadLettered(t *testing.T) {
	b := NewInMemoryBus(testPolicy(), log.New())
	ctx := context.Background()

	attempts := 0
	if err := b.Subscribe(ctx, event.TopicOrderUpdated, "orders", func(context.Context, event.Envelope) error {
		attempts++
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store := NewMemoryDeadLetterStore()
	if err := b.SubscribeDeadLetters(ctx, "dlq", NewDeadLetterSink(store)); err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}

	env := mustEnvelope(t, "poison", "order-1")
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	dls := b.DeadLetters()
	if len(dls) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dls))
	}
	if dls[0].Envelope.EventID != "poison" || dls[0].OriginTopic != event.TopicOrderUpdated {
		t.Fatalf("dead letter mangled: %+v", dls[0])
	}

	stored, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("sink did not persist the entry")
	}
}

func TestTransientFailureRecoversWithoutDeadLetter(t *testing.T) {
	b := NewInMemoryBus(testPolicy(), log.New())
	ctx := context.Background()

	calls := 0
	if err := b.Subscribe(ctx, event.TopicOrderUpdated, "orders", func(context.Context, event.Envelope) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, mustEnvelope(t, "e1", "order-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected recovery on second attempt, got %d calls", calls)
	}
	if len(b.DeadLetters()) != 0 {
		t.Fatalf("unexpected dead letter")
	}
}

func TestReplayRepublishesWithOriginalEventID(t *testing.T) {
	b := NewInMemoryBus(testPolicy(), log.New())
	ctx := context.Background()
	store := NewMemoryDeadLetterStore()

	env := mustEnvelope(t, "evt-replay", "order-9")
	if err := store.Save(ctx, DeadLetter{OriginTopic: env.Topic, ConsumerGroup: "orders", Envelope: env}); err != nil {
		t.Fatalf("save: %v", err)
	}

	replayer := NewReplayer(store, b)
	if err := replayer.Replay(ctx, 1); err != nil {
		t.Fatalf("replay: %v", err)
	}

	pub := b.Published(event.TopicOrderUpdated)
	if len(pub) != 1 || pub[0].EventID != "evt-replay" {
		t.Fatalf("replay minted a new event identity: %+v", pub)
	}
	if _, err := store.Get(ctx, 1); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("entry not removed after replay: %v", err)
	}
}

func TestPublishRejectsForeignTopic(t *testing.T) {
	b := NewInMemoryBus(testPolicy(), log.New())
	env := event.Envelope{EventID: "e1", Topic: "inventory.reserved", PartitionKey: "k"}

	err := b.Publish(context.Background(), env)
	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected PublishError, got %v", err)
	}
}
