// Package event defines the wire envelope shared by every producer and
// consumer, plus the versioned payload types per topic.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Topic names form a closed set. Producers and consumers reject anything else.
const (
	TopicUserCreated       = "user.created"
	TopicOrderCreated      = "order.created"
	TopicOrderUpdated      = "order.updated"
	TopicPaymentSuccessful = "payment.successful"
	TopicPaymentFailed     = "payment.failed"
)

var knownTopics = map[string]struct{}{
	TopicUserCreated:       {},
	TopicOrderCreated:      {},
	TopicOrderUpdated:      {},
	TopicPaymentSuccessful: {},
	TopicPaymentFailed:     {},
}

// KnownTopic reports whether topic belongs to the closed set.
func KnownTopic(topic string) bool {
	_, ok := knownTopics[topic]
	return ok
}

var (
	// ErrUnknownTopic indicates an envelope names a topic outside the closed set.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrSchemaVersion indicates a payload schema version this build cannot parse.
	ErrSchemaVersion = errors.New("unsupported schema version")
	// ErrMalformedEnvelope indicates the envelope misses required routing metadata.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Envelope is the immutable wire wrapper around every event. Redelivery of
// the same logical event reuses the same EventID so consumers can dedupe.
type Envelope struct {
	EventID       string          `json:"eventId"`
	Topic         string          `json:"topic"`
	PartitionKey  string          `json:"partitionKey"`
	SchemaVersion int             `json:"schemaVersion"`
	ProducedAt    time.Time       `json:"producedAt"`
	TraceID       string          `json:"traceId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an envelope with a freshly minted event ID. The trace ID is
// taken from the span context when one is recording on ctx.
func New(ctx context.Context, topic, partitionKey string, payload any) (Envelope, error) {
	return NewWithID(ctx, uuid.NewString(), topic, partitionKey, payload)
}

// NewWithID builds an envelope with a caller-supplied event ID. Producers that
// must publish idempotently derive the ID from a stable anchor (dedup token,
// session ID, inbound event ID) so a retried publish never mints a new one.
func NewWithID(ctx context.Context, eventID, topic, partitionKey string, payload any) (Envelope, error) {
	if !KnownTopic(topic) {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if eventID == "" || partitionKey == "" {
		return Envelope{}, ErrMalformedEnvelope
	}
	raw, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	env := Envelope{
		EventID:       eventID,
		Topic:         topic,
		PartitionKey:  partitionKey,
		SchemaVersion: schemaVersion(topic),
		ProducedAt:    time.Now().UTC(),
		Payload:       raw,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}

// Marshal encodes the envelope for the wire.
func Marshal(env Envelope) ([]byte, error) {
	return sonic.ConfigStd.Marshal(env)
}

// Unmarshal decodes and validates an envelope from the wire. Unknown topics
// and missing routing metadata are rejected here so handlers never see them.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.ConfigStd.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !KnownTopic(env.Topic) {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownTopic, env.Topic)
	}
	if env.EventID == "" || env.PartitionKey == "" {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}
