// Package processor provides storage event intake orchestration.
package processor

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/intake/events"
)

// MessageSource reads raw notification messages from a message queue.
type MessageSource interface {
	// Fetch reads the next raw message without committing its offset.
	Fetch(ctx context.Context) (kafka.Message, error)

	// Commit commits the offset for the given message.
	Commit(ctx context.Context, msg kafka.Message) error

	// Close closes the source and releases resources.
	Close() error
}

// EventStore persists storage events with deduplication.
type EventStore interface {
	// RecordEventIdempotent persists an event; returns the new row id, or nil
	// if the business key was already seen.
	RecordEventIdempotent(ctx context.Context, ev *events.StorageEvent) (*int64, error)

	// GetByDedupKey fetches the persisted event for a business key.
	GetByDedupKey(ctx context.Context, dedupKey string) (*events.StorageEvent, error)

	// UpdateStatus transitions an event's status with a compare-and-swap on version.
	UpdateStatus(ctx context.Context, id int64, version int64, status string) error

	// Close closes the storage connection.
	Close() error
}

// EventPublisher publishes forwarded events to the downstream topic.
type EventPublisher interface {
	// PublishForwarded publishes a fan-out event.
	PublishForwarded(ctx context.Context, fw *events.EventForwarded) error

	// Close closes the publisher and releases resources.
	Close() error
}

// RawPublisher republishes opaque message bodies, used for requeueing and
// dead-lettering.
type RawPublisher interface {
	// PublishRaw publishes the message body with attempt count and reason headers.
	PublishRaw(ctx context.Context, key, value []byte, attempts int, reason string) error

	// Close closes the publisher and releases resources.
	Close() error
}
