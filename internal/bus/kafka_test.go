package bus

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"orderflow/internal/event"
)

func TestCloseReleasesTrackedReaders(t *testing.T) {
	b := NewKafkaBus(KafkaConfig{Brokers: []string{"localhost:9092"}}, log.New())
	b.newReader(event.TopicOrderUpdated, "orders")
	b.newReader(event.TopicOrderCreated, "email")

	b.mu.Lock()
	tracked := len(b.readers)
	b.mu.Unlock()
	if tracked != 2 {
		t.Fatalf("expected 2 tracked readers, got %d", tracked)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b.mu.Lock()
	tracked = len(b.readers)
	b.mu.Unlock()
	if tracked != 0 {
		t.Fatalf("expected no tracked readers after close, got %d", tracked)
	}
}
