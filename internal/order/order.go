// Package order owns the order aggregate and its lifecycle. No other
// component mutates orders; everything else observes them through published
// events.
package order

import (
	"errors"
	"fmt"
	"time"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusCreated         Status = "Created"
	StatusAwaitingPayment Status = "AwaitingPayment"
	StatusPaid            Status = "Paid"
	StatusPaymentFailed   Status = "PaymentFailed"
	StatusFulfilled       Status = "Fulfilled"
	StatusCancelled       Status = "Cancelled"
)

// ErrInvalidTransition indicates a command asked for a transition the current
// state does not permit. It is a terminal conflict, not a retryable failure.
var ErrInvalidTransition = errors.New("invalid order transition")

// LineItem is immutable once the order is created.
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// Order is the mutable aggregate. Version increments on every transition and
// backs optimistic concurrency; stale or duplicate transitions are rejected
// by the store, never applied twice.
type Order struct {
	ID        string
	UserID    string
	Items     []LineItem
	Currency  string
	Status    Status
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates an order in its initial state at version zero.
func New(id, userID, currency string, items []LineItem) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:        id,
		UserID:    userID,
		Items:     append([]LineItem(nil), items...),
		Currency:  currency,
		Status:    StatusCreated,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Total is the order amount in the smallest currency unit.
func (o *Order) Total() int64 {
	var total int64
	for _, it := range o.Items {
		total += int64(it.Quantity) * it.UnitPrice
	}
	return total
}

func (o *Order) transition(to Status, allowedFrom ...Status) error {
	for _, from := range allowedFrom {
		if o.Status == from {
			o.Status = to
			o.Version++
			o.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
}

// BeginCheckout moves the order into AwaitingPayment. A retried checkout
// after a failed payment is allowed.
func (o *Order) BeginCheckout() error {
	return o.transition(StatusAwaitingPayment, StatusCreated, StatusPaymentFailed)
}

// MarkPaid applies a successful payment.
func (o *Order) MarkPaid() error {
	return o.transition(StatusPaid, StatusAwaitingPayment)
}

// MarkPaymentFailed applies a failed payment.
func (o *Order) MarkPaymentFailed() error {
	return o.transition(StatusPaymentFailed, StatusAwaitingPayment)
}

// Fulfill completes a paid order.
func (o *Order) Fulfill() error {
	return o.transition(StatusFulfilled, StatusPaid)
}

// Cancel aborts the order unless payment already went through.
func (o *Order) Cancel() error {
	return o.transition(StatusCancelled, StatusCreated, StatusAwaitingPayment, StatusPaymentFailed)
}

func (o *Order) clone() *Order {
	cpy := *o
	cpy.Items = append([]LineItem(nil), o.Items...)
	return &cpy
}
