package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"orderflow/internal/bus"
	"orderflow/internal/event"
	"orderflow/internal/ledger"
)

// WebhookGroup is the ledger group for provider webhook deliveries.
const WebhookGroup = "payment-webhooks"

// ErrInvalidAmount indicates a non-positive checkout amount. Never retried.
var ErrInvalidAmount = errors.New("checkout amount must be positive")

// Orchestrator owns checkout sessions: it creates them, resolves them from
// verified provider webhooks, expires the abandoned ones, and publishes
// payment.successful / payment.failed.
type Orchestrator struct {
	sessions   SessionStore
	pub        bus.Publisher
	ledger     ledger.Ledger
	secret     []byte
	sessionTTL time.Duration
	logger     *log.Logger
}

// NewOrchestrator wires the orchestrator. secret is the shared webhook
// signing secret; sessionTTL bounds how long a Pending session may wait for
// its webhook before expiring.
func NewOrchestrator(sessions SessionStore, pub bus.Publisher, led ledger.Ledger, secret []byte, sessionTTL time.Duration, logger *log.Logger) *Orchestrator {
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	return &Orchestrator{sessions: sessions, pub: pub, ledger: led, secret: secret, sessionTTL: sessionTTL, logger: logger}
}

// CreateSession opens a Pending checkout session for the order. At most one
// Pending session may exist per order; a second concurrent request fails with
// ErrDuplicateSession. A retried checkout after expiry gets a fresh session ID.
func (o *Orchestrator) CreateSession(ctx context.Context, orderID string, amount int64, currency string) (*Session, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if orderID == "" || currency == "" {
		return nil, fmt.Errorf("%w: missing orderId or currency", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		Status:    SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.sessions.Insert(ctx, sess); err != nil {
		return nil, err
	}
	o.logger.WithFields(log.Fields{"sessionId": sess.ID, "orderId": orderID, "amount": amount}).Info("checkout session created")
	return sess, nil
}

// HandleWebhook verifies and applies one provider notification. Verification
// fails closed: an invalid signature rejects the request before any byte of
// the body is trusted, and no event is emitted. Duplicate deliveries are
// dropped through the ledger keyed by the provider's delivery ID, and the
// published event ID is anchored on the session ID so even a duplicate that
// slips past (a new delivery ID for the same session) cannot double-publish
// an effective payment.
func (o *Orchestrator) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) error {
	if err := verifySignature(o.secret, rawBody, signatureHeader); err != nil {
		o.logger.Warn("webhook rejected: bad signature")
		return err
	}
	n, err := parseNotification(rawBody)
	if err != nil {
		return err
	}

	st, err := o.ledger.CheckAndReserve(ctx, WebhookGroup, n.DeliveryID)
	if err != nil {
		return err
	}
	if st == ledger.AlreadyProcessed {
		o.logger.WithField("deliveryId", n.DeliveryID).Debug("duplicate webhook delivery dropped")
		return nil
	}

	if err := o.applyNotification(ctx, n); err != nil {
		if rerr := o.ledger.Release(ctx, WebhookGroup, n.DeliveryID); rerr != nil {
			o.logger.WithError(rerr).WithField("deliveryId", n.DeliveryID).Error("ledger release failed")
		}
		return err
	}
	return o.ledger.Commit(ctx, WebhookGroup, n.DeliveryID)
}

func (o *Orchestrator) applyNotification(ctx context.Context, n providerNotification) error {
	sess, err := o.sessions.Get(ctx, n.SessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		// Resolved or expired already; an expired session emits nothing.
		o.logger.WithFields(log.Fields{"sessionId": sess.ID, "status": sess.Status}).Info("webhook for terminal session dropped")
		return nil
	}

	// Claim the session with a status CAS before anything observable happens.
	// The expiry sweep only touches Pending rows, so exactly one of the
	// webhook and the sweep wins; losing the claim to a concurrent expiry is
	// a committed no-op, not an error.
	if sess.Status == SessionPending {
		sess.Status = SessionResolving
		sess.UpdatedAt = time.Now().UTC()
		if err := o.sessions.Update(ctx, sess, SessionPending); err != nil {
			if !errors.Is(err, ErrStatusConflict) {
				return err
			}
			cur, gerr := o.sessions.Get(ctx, n.SessionID)
			if gerr != nil {
				return gerr
			}
			if cur.Status.Terminal() {
				o.logger.WithFields(log.Fields{"sessionId": cur.ID, "status": cur.Status}).Info("webhook for terminal session dropped")
				return nil
			}
			sess = cur
		}
	}

	// Publish before persisting the terminal status. If we crash in between,
	// the claim survives as Resolving, the provider redelivers, and the
	// stable event ID makes the second publish a downstream no-op; the
	// reverse order could lose the event.
	env, err := o.buildEvent(ctx, n, sess)
	if err != nil {
		return err
	}
	if err := o.pub.Publish(ctx, env); err != nil {
		return err
	}

	if n.Type == notifySucceeded {
		sess.Status = SessionSucceeded
	} else {
		sess.Status = SessionFailed
	}
	sess.ProviderRef = n.ProviderRef
	sess.UpdatedAt = time.Now().UTC()
	if err := o.sessions.Update(ctx, sess, SessionResolving); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// Another delivery finished first; its event is already out.
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) buildEvent(ctx context.Context, n providerNotification, sess *Session) (event.Envelope, error) {
	if n.Type == notifySucceeded {
		return event.NewWithID(ctx, "payment-successful-"+sess.ID, event.TopicPaymentSuccessful, sess.OrderID,
			event.PaymentSucceeded{
				OrderID:   sess.OrderID,
				SessionID: sess.ID,
				Amount:    sess.Amount,
				Currency:  sess.Currency,
			})
	}
	return event.NewWithID(ctx, "payment-failed-"+sess.ID, event.TopicPaymentFailed, sess.OrderID,
		event.PaymentFailed{
			OrderID:   sess.OrderID,
			SessionID: sess.ID,
			Reason:    n.Reason,
		})
}

// ExpirePending transitions sessions past the checkout timeout to Expired.
// Expiry emits no order-affecting event.
func (o *Orchestrator) ExpirePending(ctx context.Context) (int, error) {
	n, err := o.sessions.ExpireOlderThan(ctx, time.Now().UTC().Add(-o.sessionTTL))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.WithField("count", n).Info("expired stale checkout sessions")
	}
	return n, nil
}

// RunExpiry sweeps for stale sessions every interval until ctx is cancelled.
func (o *Orchestrator) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := o.ExpirePending(ctx); err != nil {
				o.logger.WithError(err).Error("session expiry sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
