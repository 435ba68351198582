// Package notify turns lifecycle events into outbound notifications. The
// actual mail transport is an external collaborator behind the Mailer
// interface; this package guarantees a redelivered event never resends.
package notify

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"orderflow/internal/event"
	"orderflow/internal/ledger"
)

// ConsumerGroup is the ledger and broker group for the dispatcher.
const ConsumerGroup = "email"

// Topics the dispatcher subscribes to.
var Topics = []string{event.TopicUserCreated, event.TopicOrderCreated, event.TopicPaymentSuccessful}

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages through the outbound transport.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Directory resolves recipient addresses. User and order data is owned by
// other services; the dispatcher only reads it by ID.
type Directory interface {
	EmailForUser(ctx context.Context, userID string) (string, error)
	EmailForOrder(ctx context.Context, orderID string) (string, error)
}

// Dispatcher renders and sends one notification per consumed event. The send
// is wrapped by the ledger's reserve/commit pattern so duplicates drop out.
type Dispatcher struct {
	mailer    Mailer
	directory Directory
	ledger    ledger.Ledger
	logger    *log.Logger
}

func NewDispatcher(mailer Mailer, directory Directory, led ledger.Ledger, logger *log.Logger) *Dispatcher {
	return &Dispatcher{mailer: mailer, directory: directory, ledger: led, logger: logger}
}

// Handle is the bus handler for all subscribed topics.
func (d *Dispatcher) Handle(ctx context.Context, env event.Envelope) error {
	msg, err := d.compose(ctx, env)
	if err != nil {
		return err
	}

	st, err := d.ledger.CheckAndReserve(ctx, ConsumerGroup, env.EventID)
	if err != nil {
		return err
	}
	if st == ledger.AlreadyProcessed {
		d.logger.WithFields(log.Fields{"eventId": env.EventID, "topic": env.Topic}).Debug("duplicate notification dropped")
		return nil
	}

	if err := d.mailer.Send(ctx, msg); err != nil {
		if rerr := d.ledger.Release(ctx, ConsumerGroup, env.EventID); rerr != nil {
			d.logger.WithError(rerr).WithField("eventId", env.EventID).Error("ledger release failed")
		}
		return err
	}
	d.logger.WithFields(log.Fields{"eventId": env.EventID, "topic": env.Topic, "to": msg.To}).Info("notification sent")
	return d.ledger.Commit(ctx, ConsumerGroup, env.EventID)
}

func (d *Dispatcher) compose(ctx context.Context, env event.Envelope) (Message, error) {
	switch env.Topic {
	case event.TopicUserCreated:
		var p event.UserCreated
		if err := event.DecodePayload(env, &p); err != nil {
			return Message{}, err
		}
		return render(welcomeTemplate, p.Email, p)
	case event.TopicOrderCreated:
		var p event.OrderCreated
		if err := event.DecodePayload(env, &p); err != nil {
			return Message{}, err
		}
		to, err := d.directory.EmailForUser(ctx, p.UserID)
		if err != nil {
			return Message{}, err
		}
		return render(orderCreatedTemplate, to, p)
	case event.TopicPaymentSuccessful:
		var p event.PaymentSucceeded
		if err := event.DecodePayload(env, &p); err != nil {
			return Message{}, err
		}
		to, err := d.directory.EmailForOrder(ctx, p.OrderID)
		if err != nil {
			return Message{}, err
		}
		return render(paymentReceivedTemplate, to, p)
	default:
		return Message{}, fmt.Errorf("%w: %s", event.ErrUnknownTopic, env.Topic)
	}
}

// LogMailer writes notifications to the log instead of a transport. Used in
// local development when no SMTP relay is configured.
type LogMailer struct {
	Logger *log.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	m.Logger.WithFields(log.Fields{"to": msg.To, "subject": msg.Subject}).Info("mail (log transport)")
	return nil
}
