package bus

import (
	"context"
	"strconv"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"orderflow/internal/event"
)

// Header keys attached to dead-lettered messages. The envelope body itself is
// forwarded byte-for-byte.
const (
	headerOriginTopic   = "x-origin-topic"
	headerConsumerGroup = "x-consumer-group"
	headerAttempts      = "x-attempts"
	headerLastError     = "x-last-error"
)

// KafkaConfig tunes the Kafka-backed bus.
type KafkaConfig struct {
	Brokers         []string
	DeadLetterTopic string
	Retry           RetryPolicy
	PublishAttempts int
	// Workers is the number of concurrent group members per Subscribe call.
	// Partitions are spread across workers, so distinct partition keys
	// progress in parallel while each key stays serial.
	Workers int
}

func (c KafkaConfig) normalized() KafkaConfig {
	if c.DeadLetterTopic == "" {
		c.DeadLetterTopic = "deadletter"
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	c.Retry = c.Retry.normalized()
	return c
}

// KafkaBus implements Bus on a Kafka cluster using segmentio/kafka-go.
type KafkaBus struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	logger *log.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBus creates a bus for the given brokers. Partition routing hashes
// the envelope partition key so all events sharing a key land on one
// partition and stay ordered.
func NewKafkaBus(cfg KafkaConfig, logger *log.Logger) *KafkaBus {
	cfg = cfg.normalized()
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaBus{cfg: cfg, writer: w, logger: logger}
}

// Publish sends the envelope, retrying transient broker errors with
// exponential backoff before giving up with a *PublishError.
func (b *KafkaBus) Publish(ctx context.Context, env event.Envelope) error {
	data, err := event.Marshal(env)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: env.Topic,
		Key:   []byte(env.PartitionKey),
		Value: data,
	}
	return b.write(ctx, env.Topic, msg)
}

func (b *KafkaBus) write(ctx context.Context, topic string, msg kafka.Message) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.PublishAttempts; attempt++ {
		lastErr = b.writer.WriteMessages(ctx, msg)
		if lastErr == nil {
			return nil
		}
		b.logger.WithFields(log.Fields{"topic": topic, "attempt": attempt}).WithError(lastErr).Warn("broker write failed")
		if attempt == b.cfg.PublishAttempts {
			break
		}
		timer := time.NewTimer(backoffDelay(attempt, b.cfg.Retry.InitialDelay, b.cfg.Retry.MaxDelay))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return &PublishError{Topic: topic, Err: ctx.Err()}
		}
	}
	return &PublishError{Topic: topic, Err: lastErr}
}

// Subscribe consumes the topic under the consumer group until ctx is
// cancelled. A message is committed only after the handler succeeded or the
// envelope was dead-lettered; a worker stopping mid-flight leaves the message
// uncommitted for redelivery.
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		reader := b.newReader(topic, group)
		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			b.consume(ctx, r, topic, group, h)
		}(reader)
	}
	wg.Wait()
	return ctx.Err()
}

func (b *KafkaBus) newReader(topic, group string) *kafka.Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
		MaxWait:  500 * time.Millisecond,
	})
	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()
	return r
}

func (b *KafkaBus) consume(ctx context.Context, r *kafka.Reader, topic, group string, h Handler) {
	defer func() {
		if err := r.Close(); err != nil {
			b.logger.WithError(err).Error("reader close failed")
		}
	}()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.WithFields(log.Fields{"topic": topic, "group": group}).WithError(err).Error("fetch failed")
			continue
		}

		env, decErr := event.Unmarshal(msg.Value)
		if decErr != nil {
			// Undecodable bytes can never succeed; route straight to the
			// dead-letter topic and move on.
			b.logger.WithFields(log.Fields{"topic": topic, "group": group}).WithError(decErr).Error("dropping undecodable message")
			if dlErr := b.forwardRaw(ctx, topic, group, 0, decErr.Error(), msg.Value); dlErr != nil {
				b.logger.WithError(dlErr).Error("dead-letter forward failed")
				continue
			}
			b.commit(ctx, r, msg, topic, group)
			continue
		}

		if err := runWithRetry(ctx, b.logger, b.cfg.Retry, group, h, env); err != nil {
			if ctx.Err() != nil {
				// Shutdown interrupted the retries; leave uncommitted so the
				// broker redelivers to another member.
				return
			}
			if dlErr := b.forwardRaw(ctx, topic, group, b.cfg.Retry.MaxAttempts, err.Error(), msg.Value); dlErr != nil {
				b.logger.WithError(dlErr).Error("dead-letter forward failed")
				continue
			}
			b.logger.WithFields(log.Fields{
				"topic":   topic,
				"eventId": env.EventID,
				"group":   group,
			}).Warn("envelope dead-lettered")
		}
		b.commit(ctx, r, msg, topic, group)
	}
}

func (b *KafkaBus) forwardRaw(ctx context.Context, origin, group string, attempts int, lastErr string, body []byte) error {
	msg := kafka.Message{
		Topic: b.cfg.DeadLetterTopic,
		Key:   []byte(origin),
		Value: body,
		Headers: []kafka.Header{
			{Key: headerOriginTopic, Value: []byte(origin)},
			{Key: headerConsumerGroup, Value: []byte(group)},
			{Key: headerAttempts, Value: []byte(strconv.Itoa(attempts))},
			{Key: headerLastError, Value: []byte(lastErr)},
		},
	}
	return b.write(ctx, b.cfg.DeadLetterTopic, msg)
}

func (b *KafkaBus) commit(ctx context.Context, r *kafka.Reader, msg kafka.Message, topic, group string) {
	if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		b.logger.WithFields(log.Fields{"topic": topic, "group": group}).WithError(err).Error("commit failed")
	}
}

// SubscribeDeadLetters consumes the dead-letter topic. Delivery context is
// reconstructed from message headers; the envelope arrives unchanged.
func (b *KafkaBus) SubscribeDeadLetters(ctx context.Context, group string, h DeadLetterHandler) error {
	r := b.newReader(b.cfg.DeadLetterTopic, group)
	defer func() {
		if err := r.Close(); err != nil {
			b.logger.WithError(err).Error("reader close failed")
		}
	}()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.WithError(err).Error("dead-letter fetch failed")
			continue
		}

		dl := DeadLetter{ReceivedAt: time.Now().UTC()}
		for _, hd := range msg.Headers {
			switch hd.Key {
			case headerOriginTopic:
				dl.OriginTopic = string(hd.Value)
			case headerConsumerGroup:
				dl.ConsumerGroup = string(hd.Value)
			case headerAttempts:
				dl.Attempts, _ = strconv.Atoi(string(hd.Value))
			case headerLastError:
				dl.LastError = string(hd.Value)
			}
		}
		if env, decErr := event.Unmarshal(msg.Value); decErr == nil {
			dl.Envelope = env
		} else {
			dl.Envelope = event.Envelope{Topic: dl.OriginTopic, Payload: msg.Value}
		}

		if err := h(ctx, dl); err != nil {
			b.logger.WithError(err).Error("dead-letter handler failed")
			// Leave uncommitted; the sink must not lose entries.
			continue
		}
		b.commit(ctx, r, msg, b.cfg.DeadLetterTopic, group)
	}
}

// Close releases the writer and closes every tracked reader, unblocking any
// Subscribe loop whose context was not cancelled first. kafka.Reader.Close is
// guarded internally, so readers already closed by their consume loops are
// safe to close again.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	for _, r := range readers {
		if err := r.Close(); err != nil {
			b.logger.WithError(err).Error("reader close failed")
		}
	}
	return b.writer.Close()
}
