package processor

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/aggregator/events"
)

// MessageReader defines the Kafka consumer operations needed by the processor.
// This interface allows for dependency injection and testing with fakes.
type MessageReader interface {
	ReadMessage(ctx context.Context) (*events.PriceItemMessage, *kafka.Message, error)
	CommitMessage(ctx context.Context, msg *kafka.Message) error
}

// SearchSink defines the search index operations needed by the processor.
type SearchSink interface {
	ReplaceCompanyData(ctx context.Context, company string, items []*events.PriceItem) error
}

// RejectedPublisher defines the dead-letter publishing operations needed by
// the processor.
type RejectedPublisher interface {
	PublishRejected(ctx context.Context, key, value []byte, reason string) error
}
