package streams

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes envelopes to Kafka. The stream name becomes the
// topic unless a fixed topic was configured.
type KafkaPublisher struct {
	writer   messageWriter
	registry *SchemaRegistry
	topic    string
}

// NewKafkaPublisher builds a publisher over a balanced kafka.Writer.
func NewKafkaPublisher(brokers []string, topic string, registry *SchemaRegistry) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, registry: registry, topic: topic}
}

// Publish writes env keyed by opportunity id so one deal stays ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	raw, err := prepare(p.registry, &env)
	if err != nil {
		return "", err
	}
	topic := p.topic
	if topic == "" {
		topic = stream
	}
	if topic == "" {
		return "", fmt.Errorf("kafka topic is required")
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.PartitionKey()),
		Value: raw,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "stream", Value: []byte(stream)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		recordPublish(ctx, topic, env.EventType, err)
		return "", fmt.Errorf("kafka write: %w", err)
	}
	recordPublish(ctx, topic, env.EventType, nil)
	return env.EventID, nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
