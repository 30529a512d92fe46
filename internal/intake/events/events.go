// Package events defines the storage notification event structures for the intake service.
package events

import (
	"fmt"
	"strings"
	"time"
)

// EventType classifies a storage notification.
type EventType string

const (
	EventObjectCreated EventType = "OBJECT_CREATED"
	EventObjectRemoved EventType = "OBJECT_REMOVED"
	EventHealthCheck   EventType = "HEALTH_CHECK"
	EventUnknown       EventType = "UNKNOWN"
)

// ParseEventType maps a provider event name (e.g. "s3:ObjectCreated:Put") onto an
// EventType. Lookup is case-insensitive; unrecognized names map to EventUnknown
// rather than failing.
func ParseEventType(name string) EventType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "objectcreated"):
		return EventObjectCreated
	case strings.Contains(lower, "objectremoved"):
		return EventObjectRemoved
	case strings.Contains(lower, "testevent"):
		return EventHealthCheck
	default:
		return EventUnknown
	}
}

// Status values for a persisted storage event.
const (
	StatusReceived  = "RECEIVED"  // persisted, not yet forwarded
	StatusForwarded = "FORWARDED" // published to the downstream topic
	StatusSkipped   = "SKIPPED"   // housekeeping event, acknowledged without fan-out
)

// StorageEvent represents one storage-system notification.
// Rows are written once by the intake service and never mutated afterwards,
// except for the status/version bookkeeping columns.
type StorageEvent struct {
	ID                int64
	CorrelationID     string
	EventType         EventType
	BucketName        string
	ObjectKey         string // URL-decoded
	ObjectSize        *int64 // nil when the source omits it
	ObjectETag        string
	ObjectContentType string
	EventTime         time.Time // source-reported timestamp
	RawPayload        string    // original payload, preserved verbatim for audit/replay
	Status            string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DedupKey derives the business key used to recognize repeat deliveries of
// logically identical notifications.
func (e *StorageEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		e.BucketName,
		e.ObjectKey,
		e.ObjectETag,
		e.EventTime.UTC().Format(time.RFC3339Nano),
	)
}

// EventForwarded is the fan-out message published for each newly accepted,
// non-housekeeping storage event. It triggers downstream file parsing.
type EventForwarded struct {
	EventID       int64     `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	BucketName    string    `json:"bucket_name"`
	ObjectKey     string    `json:"object_key"`
	ObjectSize    *int64    `json:"object_size,omitempty"`
	ObjectETag    string    `json:"object_etag,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
	EventTime     time.Time `json:"event_time"`
}

// NewEventForwarded builds a fan-out event for a persisted storage event.
func NewEventForwarded(ev *StorageEvent, id int64) *EventForwarded {
	return &EventForwarded{
		EventID:       id,
		CorrelationID: ev.CorrelationID,
		EventType:     ev.EventType,
		BucketName:    ev.BucketName,
		ObjectKey:     ev.ObjectKey,
		ObjectSize:    ev.ObjectSize,
		ObjectETag:    ev.ObjectETag,
		ContentType:   ev.ObjectContentType,
		EventTime:     ev.EventTime,
	}
}
