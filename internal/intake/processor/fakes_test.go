package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/intake/events"
)

// FakeSource is a test fake for MessageSource.
type FakeSource struct {
	mu        sync.Mutex
	Messages  []kafka.Message
	FetchErr  error
	CommitErr error
	FetchIdx  int
	Committed []kafka.Message

	// OnEmpty runs when all messages have been fetched, letting tests cancel
	// the context that drives the dispatch loop.
	OnEmpty func()
}

func (f *FakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return kafka.Message{}, f.FetchErr
	}
	if f.FetchIdx >= len(f.Messages) {
		if f.OnEmpty != nil {
			f.OnEmpty()
		}
		return kafka.Message{}, errors.New("no more messages")
	}
	msg := f.Messages[f.FetchIdx]
	f.FetchIdx++
	return msg, nil
}

func (f *FakeSource) Commit(ctx context.Context, msg kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.Committed = append(f.Committed, msg)
	return nil
}

func (f *FakeSource) Close() error { return nil }

// FakeStore is a test fake for EventStore.
type FakeStore struct {
	mu          sync.Mutex
	Recorded    []*events.StorageEvent
	RecordID    *int64
	RecordErr   error
	Existing    *events.StorageEvent
	GetErr      error
	StatusCalls []StatusCall
	StatusErr   error
}

type StatusCall struct {
	ID      int64
	Version int64
	Status  string
}

func (f *FakeStore) RecordEventIdempotent(ctx context.Context, ev *events.StorageEvent) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Recorded = append(f.Recorded, ev)
	if f.RecordErr != nil {
		return nil, f.RecordErr
	}
	return f.RecordID, nil
}

func (f *FakeStore) GetByDedupKey(ctx context.Context, dedupKey string) (*events.StorageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	return f.Existing, nil
}

func (f *FakeStore) UpdateStatus(ctx context.Context, id int64, version int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls = append(f.StatusCalls, StatusCall{ID: id, Version: version, Status: status})
	return f.StatusErr
}

func (f *FakeStore) Close() error { return nil }

// FakeFanout is a test fake for EventPublisher.
type FakeFanout struct {
	mu         sync.Mutex
	Published  []*events.EventForwarded
	PublishErr error
}

func (f *FakeFanout) PublishForwarded(ctx context.Context, fw *events.EventForwarded) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.Published = append(f.Published, fw)
	return nil
}

func (f *FakeFanout) Close() error { return nil }

// FakeRawPublisher is a test fake for RawPublisher.
type FakeRawPublisher struct {
	mu         sync.Mutex
	Published  []RawPublish
	PublishErr error
}

type RawPublish struct {
	Key      []byte
	Value    []byte
	Attempts int
	Reason   string
}

func (f *FakeRawPublisher) PublishRaw(ctx context.Context, key, value []byte, attempts int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.Published = append(f.Published, RawPublish{Key: key, Value: value, Attempts: attempts, Reason: reason})
	return nil
}

func (f *FakeRawPublisher) Close() error { return nil }

// FakeMetrics is a test fake for MetricsRecorder that tracks calls.
type FakeMetrics struct {
	mu               sync.Mutex
	ReceivedCount    int
	ProcessedCount   int
	PublishedCount   int
	ErrorCount       int
	CustomIncrements map[string]int
}

func NewFakeMetrics() *FakeMetrics {
	return &FakeMetrics{CustomIncrements: make(map[string]int)}
}

func (f *FakeMetrics) RecordReceived() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReceivedCount++
}

func (f *FakeMetrics) RecordProcessed(_ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProcessedCount++
}

func (f *FakeMetrics) RecordPublished() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PublishedCount++
}

func (f *FakeMetrics) RecordError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ErrorCount++
}

func (f *FakeMetrics) IncrementCustom(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CustomIncrements[name]++
}
