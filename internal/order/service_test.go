package order

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"orderflow/internal/bus"
	"orderflow/internal/event"
	"orderflow/internal/ledger"
)

func newTestService(t *testing.T) (*Service, *bus.InMemoryBus, *MemoryStore) {
	t.Helper()
	b := bus.NewInMemoryBus(bus.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond}, log.New())
	store := NewMemoryStore()
	svc := NewService(store, b, ledger.NewMemoryLedger(time.Minute), log.New())
	return svc, b, store
}

func createCmd(token string) CreateOrderCommand {
	return CreateOrderCommand{
		UserID:     "u1",
		Items:      []LineItem{{ProductID: "p1", Quantity: 1, UnitPrice: 4200}},
		Currency:   "USD",
		DedupToken: token,
	}
}

func paymentEnv(t *testing.T, eventID, orderID string) event.Envelope {
	t.Helper()
	env, err := event.NewWithID(context.Background(), eventID, event.TopicPaymentSuccessful, orderID,
		event.PaymentSucceeded{OrderID: orderID, SessionID: "s1", Amount: 4200, Currency: "USD"})
	require.NoError(t, err)
	return env
}

func TestCreateOrderIsIdempotentPerToken(t *testing.T) {
	svc, b, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateOrder(ctx, createCmd("tok-1"))
	require.NoError(t, err)
	second, err := svc.CreateOrder(ctx, createCmd("tok-1"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	published := b.Published(event.TopicOrderCreated)
	require.Len(t, published, 2)
	// Same event identity both times, so downstream dedup collapses them.
	require.Equal(t, published[0].EventID, published[1].EventID)

	other, err := svc.CreateOrder(ctx, createCmd("tok-2"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []CreateOrderCommand{
		{Items: []LineItem{{ProductID: "p", Quantity: 1, UnitPrice: 1}}, Currency: "USD"},
		{UserID: "u1", Currency: "USD"},
		{UserID: "u1", Items: []LineItem{{ProductID: "p", Quantity: 0, UnitPrice: 1}}, Currency: "USD"},
		{UserID: "u1", Items: []LineItem{{ProductID: "p", Quantity: 1, UnitPrice: -5}}, Currency: "USD"},
		{UserID: "u1", Items: []LineItem{{ProductID: "p", Quantity: 1, UnitPrice: 1}}},
	}
	for i, cmd := range cases {
		_, err := svc.CreateOrder(ctx, cmd)
		require.ErrorIs(t, err, ErrInvalidCommand, "case %d", i)
	}
}

func TestRedeliveredPaymentAppliesOnce(t *testing.T) {
	svc, b, store := newTestService(t)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, createCmd("tok-1"))
	require.NoError(t, err)
	_, err = svc.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	env := paymentEnv(t, "pay-evt-1", o.ID)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.HandlePaymentEvent(ctx, env))
	}

	got, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.EqualValues(t, 2, got.Version)

	// One updated event for checkout, exactly one for the payment.
	updated := b.Published(event.TopicOrderUpdated)
	require.Len(t, updated, 2)
}

func TestStalePaymentEventIsNoOp(t *testing.T) {
	svc, b, store := newTestService(t)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, createCmd("tok-1"))
	require.NoError(t, err)
	_, err = svc.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, svc.HandlePaymentEvent(ctx, paymentEnv(t, "pay-evt-1", o.ID)))

	// A second logical payment event against an order already Paid.
	require.NoError(t, svc.HandlePaymentEvent(ctx, paymentEnv(t, "pay-evt-2", o.ID)))

	got, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.EqualValues(t, 2, got.Version)
	require.Len(t, b.Published(event.TopicOrderUpdated), 2)
}

func TestPaymentFailedThenRetryCheckout(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, createCmd("tok-1"))
	require.NoError(t, err)
	_, err = svc.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	failed, err := event.NewWithID(ctx, "pay-fail-1", event.TopicPaymentFailed, o.ID,
		event.PaymentFailed{OrderID: o.ID, SessionID: "s1", Reason: "card declined"})
	require.NoError(t, err)
	require.NoError(t, svc.HandlePaymentEvent(ctx, failed))

	got, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaymentFailed, got.Status)

	_, err = svc.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	got, err = store.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingPayment, got.Status)
}

// flakyPublisher fails the first N publishes to the given topic, then
// delegates.
type flakyPublisher struct {
	inner     bus.Publisher
	failTopic string
	failures  int
}

func (p *flakyPublisher) Publish(ctx context.Context, env event.Envelope) error {
	if p.failures > 0 && env.Topic == p.failTopic {
		p.failures--
		return errors.New("broker unavailable")
	}
	return p.inner.Publish(ctx, env)
}

func TestRetriedCheckoutRepublishesAfterLostUpdate(t *testing.T) {
	b := bus.NewInMemoryBus(bus.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond}, log.New())
	store := NewMemoryStore()
	pub := &flakyPublisher{inner: b, failTopic: event.TopicOrderUpdated, failures: 1}
	svc := NewService(store, pub, ledger.NewMemoryLedger(time.Minute), log.New())
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, createCmd("tok-1"))
	require.NoError(t, err)

	// The transition persists but its event never reaches the broker.
	_, err = svc.StartCheckout(ctx, o.ID)
	require.Error(t, err)
	got, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingPayment, got.Status)
	require.Empty(t, b.Published(event.TopicOrderUpdated))

	// The retry converges on the persisted state and re-emits the stable
	// envelope instead of reporting a conflict.
	upd, err := svc.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, upd.Version)

	published := b.Published(event.TopicOrderUpdated)
	require.Len(t, published, 1)
	require.Equal(t, "order-updated-"+o.ID+"-v1", published[0].EventID)

	// A command whose target genuinely conflicts still fails.
	require.NoError(t, svc.HandlePaymentEvent(ctx, paymentEnv(t, "pay-evt-1", o.ID)))
	_, err = svc.StartCheckout(ctx, o.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelPaidOrderIsConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, createCmd("tok-1"))
	require.NoError(t, err)
	_, err = svc.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, svc.HandlePaymentEvent(ctx, paymentEnv(t, "pay-evt-1", o.ID)))

	_, err = svc.Cancel(ctx, o.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPaymentEventForUnknownOrderIsDropped(t *testing.T) {
	svc, b, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandlePaymentEvent(ctx, paymentEnv(t, "pay-evt-1", "no-such-order")))
	require.Empty(t, b.Published(event.TopicOrderUpdated))
}
