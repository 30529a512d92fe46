package processor

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/aggregator/events"
)

// FakeReader is a test double for MessageReader backed by a fixed queue.
type FakeReader struct {
	mu        sync.Mutex
	queue     []fakeDelivery
	Committed []kafka.Message
	CommitErr error

	// OnEmpty runs when the queue drains, letting tests cancel the context
	// that drives the dispatch loop.
	OnEmpty func()
}

type fakeDelivery struct {
	item *events.PriceItemMessage
	msg  kafka.Message
	err  error
}

func (f *FakeReader) Enqueue(item *events.PriceItemMessage, msg kafka.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeDelivery{item: item, msg: msg})
}

// EnqueueBroken queues a delivery that fails to deserialize.
func (f *FakeReader) EnqueueBroken(msg kafka.Message, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeDelivery{msg: msg, err: err})
}

func (f *FakeReader) ReadMessage(ctx context.Context) (*events.PriceItemMessage, *kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		if f.OnEmpty != nil {
			f.OnEmpty()
		}
		return nil, nil, context.Canceled
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	if d.err != nil {
		m := d.msg
		return nil, &m, d.err
	}
	m := d.msg
	return d.item, &m, nil
}

func (f *FakeReader) CommitMessage(_ context.Context, msg *kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.Committed = append(f.Committed, *msg)
	return nil
}

func (f *FakeReader) CommitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Committed)
}

// FakeSink is a test double for SearchSink that records replacements and can
// be told to fail a number of times.
type FakeSink struct {
	mu       sync.Mutex
	Replaced map[string][]*events.PriceItem
	Calls    int
	FailNext int
	Err      error
}

func NewFakeSink() *FakeSink {
	return &FakeSink{Replaced: make(map[string][]*events.PriceItem)}
}

func (f *FakeSink) ReplaceCompanyData(_ context.Context, company string, items []*events.PriceItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.FailNext > 0 {
		f.FailNext--
		return f.Err
	}
	f.Replaced[company] = items
	return nil
}

func (f *FakeSink) ReplacedFor(company string) []*events.PriceItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Replaced[company]
}

func (f *FakeSink) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// FakeRejectedPublisher is a test double for RejectedPublisher.
type FakeRejectedPublisher struct {
	mu       sync.Mutex
	Rejected []RejectedRecord
	Err      error
}

type RejectedRecord struct {
	Key    []byte
	Value  []byte
	Reason string
}

func (f *FakeRejectedPublisher) PublishRejected(_ context.Context, key, value []byte, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Rejected = append(f.Rejected, RejectedRecord{Key: key, Value: value, Reason: reason})
	return nil
}

func (f *FakeRejectedPublisher) RejectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Rejected)
}

// FakeMetrics is a test double for MetricsRecorder that counts calls.
type FakeMetrics struct {
	mu        sync.Mutex
	Received  int
	Processed int
	Published int
	Errors    int
	Custom    map[string]int
}

func NewFakeMetrics() *FakeMetrics {
	return &FakeMetrics{Custom: make(map[string]int)}
}

func (f *FakeMetrics) RecordReceived() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Received++
}

func (f *FakeMetrics) RecordProcessed(_ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Processed++
}

func (f *FakeMetrics) RecordPublished() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Published++
}

func (f *FakeMetrics) RecordError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors++
}

func (f *FakeMetrics) IncrementCustom(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Custom[name]++
}

func (f *FakeMetrics) CustomCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Custom[name]
}
