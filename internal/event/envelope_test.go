package event

import (
	"context"
	"errors"
	"testing"
)

func TestNewWithIDStampsMetadata(t *testing.T) {
	env, err := NewWithID(context.Background(), "evt-1", TopicOrderCreated, "order-1", OrderCreated{OrderID: "order-1", UserID: "u1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.EventID != "evt-1" {
		t.Fatalf("unexpected event id %s", env.EventID)
	}
	if env.SchemaVersion != 1 {
		t.Fatalf("unexpected schema version %d", env.SchemaVersion)
	}
	if env.ProducedAt.IsZero() {
		t.Fatalf("producedAt not set")
	}

	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var payload OrderCreated
	if err := DecodePayload(back, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OrderID != "order-1" || payload.UserID != "u1" {
		t.Fatalf("payload round trip mismatch: %+v", payload)
	}
}

func TestNewRejectsUnknownTopic(t *testing.T) {
	if _, err := New(context.Background(), "order.deleted", "order-1", struct{}{}); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestNewRejectsMissingPartitionKey(t *testing.T) {
	if _, err := NewWithID(context.Background(), "evt-1", TopicOrderCreated, "", struct{}{}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestUnmarshalRejectsForeignTopic(t *testing.T) {
	data := []byte(`{"eventId":"e1","topic":"inventory.reserved","partitionKey":"o1","schemaVersion":1,"payload":{}}`)
	if _, err := Unmarshal(data); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestDecodePayloadRejectsFutureSchema(t *testing.T) {
	env, err := NewWithID(context.Background(), "evt-1", TopicPaymentSuccessful, "order-1", PaymentSucceeded{OrderID: "order-1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.SchemaVersion = 99

	var payload PaymentSucceeded
	if err := DecodePayload(env, &payload); !errors.Is(err, ErrSchemaVersion) {
		t.Fatalf("expected ErrSchemaVersion, got %v", err)
	}
}
