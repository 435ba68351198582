package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"orderflow/internal/bus"
	"orderflow/internal/event"
	"orderflow/internal/ledger"
)

// ConsumerGroup is the ledger and broker group for the order service.
const ConsumerGroup = "orders"

// ErrInvalidCommand indicates a malformed order command. Never retried.
var ErrInvalidCommand = errors.New("invalid order command")

// CreateOrderCommand creates a new order. DedupToken makes the command
// idempotent: a crashed-and-retried handler lands on the same order and the
// same order.created event identity.
type CreateOrderCommand struct {
	UserID     string     `json:"userId"`
	Items      []LineItem `json:"items"`
	Currency   string     `json:"currency"`
	DedupToken string     `json:"dedupToken,omitempty"`
}

// Service runs the order state machine: it handles commands, consumes
// payment events, and emits order lifecycle events partitioned by order ID.
type Service struct {
	store  Store
	pub    bus.Publisher
	ledger ledger.Ledger
	logger *log.Logger
}

func NewService(store Store, pub bus.Publisher, led ledger.Ledger, logger *log.Logger) *Service {
	return &Service{store: store, pub: pub, ledger: led, logger: logger}
}

// CreateOrder persists a new order and publishes order.created. The order ID
// derives from the dedup token, so retrying the command converges on the one
// existing order and republishes the identical event instead of minting a
// second one.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*Order, error) {
	if err := validateCreate(cmd); err != nil {
		return nil, err
	}
	token := cmd.DedupToken
	if token == "" {
		token = uuid.NewString()
	}
	orderID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("order:"+token)).String()

	o := New(orderID, cmd.UserID, cmd.Currency, cmd.Items)
	if err := s.store.Insert(ctx, o); err != nil {
		if !errors.Is(err, ErrExists) {
			return nil, err
		}
		existing, getErr := s.store.Get(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		o = existing
	}

	env, err := event.NewWithID(ctx, "order-created-"+o.ID, event.TopicOrderCreated, o.ID, event.OrderCreated{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Items:     toEventItems(o.Items),
		Total:     o.Total(),
		Currency:  o.Currency,
		CreatedAt: o.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		return nil, err
	}
	return o, nil
}

// Get loads one order by ID.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// StartCheckout transitions the order into AwaitingPayment on an explicit
// checkout command.
func (s *Service) StartCheckout(ctx context.Context, orderID string) (*Order, error) {
	return s.applyCommand(ctx, orderID, StatusAwaitingPayment, (*Order).BeginCheckout)
}

// Cancel aborts the order unless it is already paid or fulfilled.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	return s.applyCommand(ctx, orderID, StatusCancelled, (*Order).Cancel)
}

// Fulfill completes a paid order.
func (s *Service) Fulfill(ctx context.Context, orderID string) (*Order, error) {
	return s.applyCommand(ctx, orderID, StatusFulfilled, (*Order).Fulfill)
}

// applyCommand mirrors CreateOrder's retry convergence: a command whose
// target state is already persisted republishes the stable order.updated
// envelope instead of failing, so a crash or broker outage between the
// update and the publish heals on the caller's retry.
func (s *Service) applyCommand(ctx context.Context, orderID string, target Status, mutate func(*Order) error) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	prev := o.Version
	if err := mutate(o); err != nil {
		if errors.Is(err, ErrInvalidTransition) && o.Status == target {
			if perr := s.publishUpdated(ctx, o, fmt.Sprintf("order-updated-%s-v%d", o.ID, o.Version)); perr != nil {
				return nil, perr
			}
			return o, nil
		}
		return nil, err
	}
	if err := s.store.Update(ctx, o, prev); err != nil {
		return nil, err
	}
	if err := s.publishUpdated(ctx, o, fmt.Sprintf("order-updated-%s-v%d", o.ID, o.Version)); err != nil {
		return nil, err
	}
	return o, nil
}

// HandlePaymentEvent consumes payment.successful and payment.failed. Effects
// are wrapped by the idempotency ledger: a redelivered envelope is a no-op,
// and a failed apply releases the reservation so the retry can land.
func (s *Service) HandlePaymentEvent(ctx context.Context, env event.Envelope) error {
	st, err := s.ledger.CheckAndReserve(ctx, ConsumerGroup, env.EventID)
	if err != nil {
		return err
	}
	if st == ledger.AlreadyProcessed {
		s.logger.WithFields(log.Fields{"eventId": env.EventID, "topic": env.Topic}).Debug("duplicate payment event dropped")
		return nil
	}

	if err := s.applyPaymentEvent(ctx, env); err != nil {
		if rerr := s.ledger.Release(ctx, ConsumerGroup, env.EventID); rerr != nil {
			s.logger.WithError(rerr).WithField("eventId", env.EventID).Error("ledger release failed")
		}
		return err
	}
	return s.ledger.Commit(ctx, ConsumerGroup, env.EventID)
}

func (s *Service) applyPaymentEvent(ctx context.Context, env event.Envelope) error {
	var orderID string
	var mutate func(*Order) error
	switch env.Topic {
	case event.TopicPaymentSuccessful:
		var p event.PaymentSucceeded
		if err := event.DecodePayload(env, &p); err != nil {
			return err
		}
		orderID = p.OrderID
		mutate = (*Order).MarkPaid
	case event.TopicPaymentFailed:
		var p event.PaymentFailed
		if err := event.DecodePayload(env, &p); err != nil {
			return err
		}
		orderID = p.OrderID
		mutate = (*Order).MarkPaymentFailed
	default:
		return fmt.Errorf("%w: %s", event.ErrUnknownTopic, env.Topic)
	}

	for {
		o, err := s.store.Get(ctx, orderID)
		if errors.Is(err, ErrNotFound) {
			s.logger.WithFields(log.Fields{"orderId": orderID, "eventId": env.EventID}).Warn("payment event for unknown order dropped")
			return nil
		}
		if err != nil {
			return err
		}

		prev := o.Version
		if err := mutate(o); err != nil {
			// Precondition unmet: stale duplicate or out-of-order arrival.
			s.logger.WithFields(log.Fields{
				"orderId": orderID,
				"status":  o.Status,
				"eventId": env.EventID,
				"topic":   env.Topic,
			}).Info("payment event dropped as no-op")
			return nil
		}
		if err := s.store.Update(ctx, o, prev); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return err
		}
		return s.publishUpdated(ctx, o, "order-updated-"+env.EventID)
	}
}

func (s *Service) publishUpdated(ctx context.Context, o *Order, eventID string) error {
	env, err := event.NewWithID(ctx, eventID, event.TopicOrderUpdated, o.ID, event.OrderUpdated{
		OrderID: o.ID,
		UserID:  o.UserID,
		Status:  string(o.Status),
		Version: o.Version,
	})
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, env)
}

func validateCreate(cmd CreateOrderCommand) error {
	if cmd.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidCommand)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: no line items", ErrInvalidCommand)
	}
	if cmd.Currency == "" {
		return fmt.Errorf("%w: missing currency", ErrInvalidCommand)
	}
	for i, it := range cmd.Items {
		if it.ProductID == "" || it.Quantity <= 0 || it.UnitPrice <= 0 {
			return fmt.Errorf("%w: line item %d", ErrInvalidCommand, i)
		}
	}
	return nil
}

func toEventItems(items []LineItem) []event.LineItem {
	out := make([]event.LineItem, len(items))
	for i, it := range items {
		out[i] = event.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return out
}
