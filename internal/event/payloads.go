package event

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Schema versions per topic. Bumped when a payload shape changes; consumers
// built against an older table reject newer envelopes instead of misparsing.
var schemaVersions = map[string]int{
	TopicUserCreated:       1,
	TopicOrderCreated:      1,
	TopicOrderUpdated:      1,
	TopicPaymentSuccessful: 1,
	TopicPaymentFailed:     1,
}

func schemaVersion(topic string) int { return schemaVersions[topic] }

// UserCreated announces a new user account.
type UserCreated struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

// LineItem is an order line snapshot at emission time.
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// OrderCreated announces a new order in its initial state.
type OrderCreated struct {
	OrderID   string     `json:"orderId"`
	UserID    string     `json:"userId"`
	Items     []LineItem `json:"items"`
	Total     int64      `json:"total"`
	Currency  string     `json:"currency"`
	CreatedAt time.Time  `json:"createdAt"`
}

// OrderUpdated carries the order status after a transition together with the
// post-transition version, so consumers can drop stale deliveries.
type OrderUpdated struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// PaymentSucceeded reports a verified successful charge for a session.
type PaymentSucceeded struct {
	OrderID   string `json:"orderId"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// PaymentFailed reports a verified failed charge for a session.
type PaymentFailed struct {
	OrderID   string `json:"orderId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// DecodePayload unmarshals the envelope payload into dst after checking the
// schema version is one this build understands.
func DecodePayload(env Envelope, dst any) error {
	want, ok := schemaVersions[env.Topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, env.Topic)
	}
	if env.SchemaVersion != want {
		return fmt.Errorf("%w: topic %s version %d, supported %d", ErrSchemaVersion, env.Topic, env.SchemaVersion, want)
	}
	if err := sonic.ConfigStd.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Topic, err)
	}
	return nil
}
