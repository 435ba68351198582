package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"orderflow/internal/event"
	"orderflow/internal/ledger"
)

type fakeMailer struct {
	sent    []Message
	failPfx int // fail the first N sends
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	if m.failPfx > 0 {
		m.failPfx--
		return errors.New("smtp throttled")
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fakeDirectory struct{}

func (fakeDirectory) EmailForUser(_ context.Context, userID string) (string, error) {
	return userID + "@example.com", nil
}

func (fakeDirectory) EmailForOrder(_ context.Context, _ string) (string, error) {
	return "buyer@example.com", nil
}

func newTestDispatcher(mailer *fakeMailer) *Dispatcher {
	return NewDispatcher(mailer, fakeDirectory{}, ledger.NewMemoryLedger(time.Minute), log.New())
}

func userCreatedEnv(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.NewWithID(context.Background(), "evt-u1", event.TopicUserCreated, "u1",
		event.UserCreated{UserID: "u1", Email: "alice@example.com", Name: "Alice"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestWelcomeMailGoesToPayloadAddress(t *testing.T) {
	mailer := &fakeMailer{}
	d := newTestDispatcher(mailer)

	if err := d.Handle(context.Background(), userCreatedEnv(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(mailer.sent))
	}
	if mailer.sent[0].To != "alice@example.com" {
		t.Fatalf("wrong recipient %s", mailer.sent[0].To)
	}
	if !strings.Contains(mailer.sent[0].Body, "Alice") {
		t.Fatalf("body not personalized: %q", mailer.sent[0].Body)
	}
}

func TestRedeliveredEventSendsOnce(t *testing.T) {
	mailer := &fakeMailer{}
	d := newTestDispatcher(mailer)
	env := userCreatedEnv(t)

	for i := 0; i < 4; i++ {
		if err := d.Handle(context.Background(), env); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected exactly 1 send, got %d", len(mailer.sent))
	}
}

func TestTransportFailureReleasesReservation(t *testing.T) {
	mailer := &fakeMailer{failPfx: 1}
	d := newTestDispatcher(mailer)
	env := userCreatedEnv(t)
	ctx := context.Background()

	if err := d.Handle(ctx, env); err == nil {
		t.Fatalf("expected transport error")
	}
	// The bus redelivers; the reservation must have been released.
	if err := d.Handle(ctx, env); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected 1 send after retry, got %d", len(mailer.sent))
	}
}

func TestPaymentMailResolvesRecipientByOrder(t *testing.T) {
	mailer := &fakeMailer{}
	d := newTestDispatcher(mailer)

	env, err := event.NewWithID(context.Background(), "evt-p1", event.TopicPaymentSuccessful, "o1",
		event.PaymentSucceeded{OrderID: "o1", SessionID: "s1", Amount: 4200, Currency: "USD"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := d.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if mailer.sent[0].To != "buyer@example.com" {
		t.Fatalf("wrong recipient %s", mailer.sent[0].To)
	}
	if !strings.Contains(mailer.sent[0].Body, "4200 USD") {
		t.Fatalf("amount missing from body: %q", mailer.sent[0].Body)
	}
}

func TestUnsubscribedTopicRejected(t *testing.T) {
	mailer := &fakeMailer{}
	d := newTestDispatcher(mailer)

	env, err := event.NewWithID(context.Background(), "evt-x", event.TopicPaymentFailed, "o1",
		event.PaymentFailed{OrderID: "o1"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := d.Handle(context.Background(), env); err == nil {
		t.Fatalf("expected error for unsubscribed topic")
	}
	if len(mailer.sent) != 0 {
		t.Fatalf("unexpected send")
	}
}
