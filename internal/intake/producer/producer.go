// Package producer provides Kafka producer functionality for the fan-out,
// requeue, and dead-letter topics of the intake service.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/intake/events"
	kafkautil "github.com/pricat/price-pipeline/pkg/kafka"
)

// AttemptsHeader carries the delivery attempt count on requeued and
// dead-lettered messages.
const AttemptsHeader = "delivery-attempts"

// ReasonHeader carries the failure reason on dead-lettered messages.
const ReasonHeader = "failure-reason"

// Producer wraps a Kafka writer and provides a simple interface for publishing
// to a single topic.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a new Kafka producer with the specified brokers and topic.
// The producer is configured for at-least-once delivery semantics with synchronous writes.
func NewProducer(brokers string, topic string) (*Producer, error) {
	if err := kafkautil.ValidateProducerParams(brokers, topic); err != nil {
		return nil, err
	}

	brokerList := kafkautil.ParseBrokers(brokers)

	slog.Info("Initializing Kafka producer",
		"brokers", brokerList,
		"topic", topic,
	)

	return &Producer{
		writer: kafkautil.NewWriter(brokerList, topic),
		topic:  topic,
	}, nil
}

// PublishForwarded serializes a forwarded event to JSON and publishes it.
// The message is keyed by bucket name so all events of one bucket stay on one
// partition.
func (p *Producer) PublishForwarded(ctx context.Context, fw *events.EventForwarded) error {
	payload, err := json.Marshal(fw)
	if err != nil {
		return fmt.Errorf("failed to marshal forwarded event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fw.BucketName),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "correlation_id", Value: []byte(fw.CorrelationID)},
			{Key: "event_type", Value: []byte(fw.EventType)},
		},
		Time: time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("Failed to write message to Kafka",
			"correlation_id", fw.CorrelationID,
			"topic", p.topic,
			"error", err,
		)
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	slog.Info("Published forwarded event",
		"event_id", fw.EventID,
		"correlation_id", fw.CorrelationID,
		"bucket", fw.BucketName,
		"object_key", fw.ObjectKey,
	)

	return nil
}

// PublishRaw republishes an opaque message body, used for requeueing failed
// messages back onto the source topic and for routing them to the dead-letter
// topic. The attempts counter and optional reason travel as headers.
func (p *Producer) PublishRaw(ctx context.Context, key, value []byte, attempts int, reason string) error {
	headers := []kafka.Header{
		{Key: AttemptsHeader, Value: []byte(fmt.Sprintf("%d", attempts))},
	}
	if reason != "" {
		headers = append(headers, kafka.Header{Key: ReasonHeader, Value: []byte(reason)})
	}

	msg := kafka.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	return nil
}

// Close gracefully closes the Kafka writer and releases resources.
func (p *Producer) Close() error {
	slog.Info("Closing Kafka producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		slog.Error("Error closing Kafka producer", "error", err)
		return err
	}
	slog.Info("Kafka producer closed successfully")
	return nil
}

// AttemptsFromHeaders extracts the delivery attempt count from message headers.
// A message without the header is on its first delivery.
func AttemptsFromHeaders(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key == AttemptsHeader {
			var n int
			if _, err := fmt.Sscanf(string(h.Value), "%d", &n); err == nil {
				return n
			}
			return 0
		}
	}
	return 0
}
