// Package consumer provides Kafka consumer functionality for the price items topic.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/aggregator/events"
	kafkautil "github.com/pricat/price-pipeline/pkg/kafka"
)

// Consumer wraps a Kafka reader and provides a simple interface for consuming
// price item messages.
type Consumer struct {
	reader *kafka.Reader
	topic  string
}

// NewConsumer creates a new Kafka consumer with the specified brokers, topic, and group ID.
// The consumer is configured for at-least-once delivery semantics; offsets are
// committed explicitly after an item has been absorbed into its batch.
func NewConsumer(brokers string, topic string, groupID string) (*Consumer, error) {
	if err := kafkautil.ValidateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}

	brokerList := kafkautil.ParseBrokers(brokers)

	slog.Info("Initializing Kafka consumer",
		"brokers", brokerList,
		"topic", topic,
		"group_id", groupID,
	)

	reader := kafka.NewReader(kafkautil.NewReaderConfig(brokerList, topic, groupID))

	return &Consumer{
		reader: reader,
		topic:  topic,
	}, nil
}

// ReadMessage reads the next message from Kafka and deserializes it as a
// PriceItemMessage. On a deserialization failure the raw message is still
// returned so the caller can dead-letter it and settle its offset.
func (c *Consumer) ReadMessage(ctx context.Context) (*events.PriceItemMessage, *kafka.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch message from Kafka: %w", err)
	}

	var item events.PriceItemMessage
	if err := json.Unmarshal(msg.Value, &item); err != nil {
		return nil, &msg, fmt.Errorf("failed to unmarshal price item message: %w", err)
	}

	return &item, &msg, nil
}

// CommitMessage commits the offset for the given message.
// This should be called after the message's outcome is settled.
func (c *Consumer) CommitMessage(ctx context.Context, msg *kafka.Message) error {
	return c.reader.CommitMessages(ctx, *msg)
}

// Close gracefully closes the Kafka reader and releases resources.
func (c *Consumer) Close() error {
	slog.Info("Closing Kafka consumer", "topic", c.topic)
	if err := c.reader.Close(); err != nil {
		slog.Error("Error closing Kafka consumer", "error", err)
		return err
	}
	slog.Info("Kafka consumer closed successfully")
	return nil
}
