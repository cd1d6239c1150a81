package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus publishes events to a Kafka topic. Publishing is asynchronous
// and failures are logged, never propagated: the ledger is the source of
// truth, the stream is a notification channel.
type KafkaBus struct {
	logger *zap.Logger
	writer *kafka.Writer
	local  *InMemoryBus
}

// NewKafkaBus creates a Kafka-backed bus that also fans out to in-process
// subscribers.
func NewKafkaBus(logger *zap.Logger, brokers []string, topic string) *KafkaBus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
	return &KafkaBus{
		logger: logger.Named("events.kafka"),
		writer: writer,
		local:  NewInMemoryBus(logger),
	}
}

// Publish writes the event to Kafka keyed by topic and fans out locally.
func (b *KafkaBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.local.Publish(ctx, event)

	value, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to encode event", zap.Error(err), zap.String("type", event.Type))
		return
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Topic),
		Value: value,
	}); err != nil {
		b.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("topic", event.Topic),
			zap.String("type", event.Type))
	}
}

// Subscribe registers an in-process handler for topic.
func (b *KafkaBus) Subscribe(topic string, handler Handler) {
	b.local.Subscribe(topic, handler)
}

// Close flushes and closes the Kafka writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
