// Package normalizer parses raw storage-notification payloads into canonical
// StorageEvent records.
package normalizer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/pricat/price-pipeline/internal/intake/events"
	"github.com/pricat/price-pipeline/internal/policy"
)

// NormalizationError indicates a payload that cannot be parsed as a storage
// notification. It is fatal: redelivery cannot repair the message.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalization failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("normalization failed: %s", e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Is reports the error as malformed input so policy.Classify treats it as fatal.
func (e *NormalizationError) Is(target error) bool { return target == policy.ErrMalformed }

// notification mirrors the S3-style event notification payload shape.
type notification struct {
	// Records is present on object-change notifications.
	Records []record `json:"Records"`

	// Event and Bucket are present on sentinel test/health-check payloads,
	// which carry no Records array.
	Event  string `json:"Event"`
	Bucket string `json:"Bucket"`
}

type record struct {
	EventName string `json:"eventName"`
	EventTime string `json:"eventTime"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key         string `json:"key"`
			Size        *int64 `json:"size"`
			ETag        string `json:"eTag"`
			ContentType string `json:"contentType"`
		} `json:"object"`
	} `json:"s3"`
}

// Normalize parses a raw notification payload into a StorageEvent.
// The returned event is not yet persisted. The full original payload is retained
// verbatim on the event for audit and replay.
//
// Malformed payloads return a *NormalizationError; callers must treat this as
// non-retryable.
func Normalize(raw []byte) (*events.StorageEvent, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, &NormalizationError{Reason: "payload is not valid JSON", Err: err}
	}

	if len(n.Records) == 0 {
		// Sentinel payloads (e.g. s3:TestEvent) have no Records array.
		if n.Event != "" {
			return &events.StorageEvent{
				CorrelationID: uuid.NewString(),
				EventType:     events.ParseEventType(n.Event),
				BucketName:    n.Bucket,
				RawPayload:    string(raw),
				Status:        events.StatusReceived,
			}, nil
		}
		return nil, &NormalizationError{Reason: "payload contains no records"}
	}

	rec := n.Records[0]
	if rec.S3.Bucket.Name == "" || rec.S3.Object.Key == "" {
		return nil, &NormalizationError{Reason: "record is missing bucket name or object key"}
	}

	ev := &events.StorageEvent{
		CorrelationID:     uuid.NewString(),
		EventType:         events.ParseEventType(rec.EventName),
		BucketName:        rec.S3.Bucket.Name,
		ObjectKey:         decodeKey(rec.S3.Object.Key),
		ObjectSize:        rec.S3.Object.Size,
		ObjectETag:        rec.S3.Object.ETag,
		ObjectContentType: rec.S3.Object.ContentType,
		RawPayload:        string(raw),
		Status:            events.StatusReceived,
	}

	// A missing or unparseable timestamp resolves to absent (zero), not an error:
	// the source timestamp is informational and part of the dedup key only.
	if rec.EventTime != "" {
		if ts, err := time.Parse(time.RFC3339, rec.EventTime); err == nil {
			ev.EventTime = ts.UTC()
		}
	}

	return ev, nil
}

// decodeKey percent-decodes an object key. Notification payloads encode keys the
// way S3 does, with "+" for spaces. An undecodable key is kept as-is.
func decodeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}
