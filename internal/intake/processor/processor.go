// Package processor provides storage event intake orchestration.
// It handles consuming raw notifications, normalizing them, persisting them
// exactly once, and fanning out newly accepted events to the downstream topic.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/intake/database"
	"github.com/pricat/price-pipeline/internal/intake/events"
	"github.com/pricat/price-pipeline/internal/intake/normalizer"
	"github.com/pricat/price-pipeline/internal/intake/producer"
	"github.com/pricat/price-pipeline/internal/policy"
)

// opTimeout bounds every external call made while processing one message.
const opTimeout = 10 * time.Second

// defaultWorkers is the number of concurrent delivery workers when none is
// configured. Uniqueness lives in the database constraint, so concurrent
// workers are safe even for duplicate deliveries of the same event.
const defaultWorkers = 10

// disposition is the settled outcome for one delivery.
type disposition int

const (
	// dispositionAck acknowledges the message; processing is done.
	dispositionAck disposition = iota
	// dispositionDrop dead-letters the message; redelivery cannot fix it.
	dispositionDrop
	// dispositionRequeue requeues the message for another bounded delivery attempt.
	dispositionRequeue
)

// Options configures intake behavior.
type Options struct {
	// HousekeepingMarker is the sentinel substring in object keys that marks
	// housekeeping uploads, acknowledged without fan-out.
	HousekeepingMarker string
	// MaxDeliveryAttempts caps redeliveries before a message is dead-lettered.
	MaxDeliveryAttempts int
	// Workers is the number of concurrent delivery workers.
	Workers int
}

// Processor orchestrates storage event intake: receipt, normalization,
// idempotent persistence, and fan-out.
type Processor struct {
	source     MessageSource
	store      EventStore
	fanout     EventPublisher
	requeue    RawPublisher
	deadLetter RawPublisher
	metrics    MetricsRecorder
	opts       Options
}

// NewProcessor creates a new intake processor. A nil metrics recorder is
// replaced with a no-op implementation.
func NewProcessor(source MessageSource, store EventStore, fanout EventPublisher, requeue, deadLetter RawPublisher, m MetricsRecorder, opts Options) *Processor {
	if m == nil {
		m = &NoOpMetrics{}
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Processor{
		source:     source,
		store:      store,
		fanout:     fanout,
		requeue:    requeue,
		deadLetter: deadLetter,
		metrics:    m,
		opts:       opts,
	}
}

// Run continuously reads raw notifications from the source and processes them
// on a worker pool. It returns when the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("Starting event intake loop",
		"workers", p.opts.Workers,
		"housekeeping_marker", p.opts.HousekeepingMarker,
		"max_delivery_attempts", p.opts.MaxDeliveryAttempts,
	)

	jobs := make(chan kafka.Message, p.opts.Workers*2)
	var wg sync.WaitGroup

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go p.runWorker(ctx, jobs, &wg)
	}

	p.dispatch(ctx, jobs)

	close(jobs)
	wg.Wait()
	slog.Info("Event intake loop stopped")
	return nil
}

// runWorker processes deliveries from the channel until it's closed.
func (p *Processor) runWorker(ctx context.Context, jobs <-chan kafka.Message, wg *sync.WaitGroup) {
	defer wg.Done()
	for msg := range jobs {
		p.handleDelivery(ctx, msg)
	}
}

// dispatch reads raw notifications from the source and hands them to workers.
func (p *Processor) dispatch(ctx context.Context, jobs chan<- kafka.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := p.source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Failed to fetch raw notification", "error", err)
				continue
			}

			p.metrics.RecordReceived()
			jobs <- msg
		}
	}
}

// handleDelivery processes one delivery end to end and settles its offset.
func (p *Processor) handleDelivery(ctx context.Context, msg kafka.Message) {
	startTime := time.Now()

	disp, reason := p.processMessage(ctx, msg.Value)

	switch disp {
	case dispositionAck:
		p.metrics.RecordProcessed(time.Since(startTime))

	case dispositionDrop:
		p.metrics.RecordError()
		if !p.sendToDeadLetter(ctx, msg, reason) {
			// Keep the offset uncommitted so the message is not lost.
			return
		}

	case dispositionRequeue:
		p.metrics.RecordError()
		if !p.requeueDelivery(ctx, msg, reason) {
			return
		}
	}

	if err := p.source.Commit(ctx, msg); err != nil {
		slog.Error("Failed to commit offset",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		// Continue processing; persistence idempotency absorbs the redelivery.
	}
}

// processMessage handles a single raw notification: normalize, persist once,
// fan out. Returns the delivery disposition and a reason for non-ack outcomes.
func (p *Processor) processMessage(ctx context.Context, raw []byte) (disposition, string) {
	ev, err := normalizer.Normalize(raw)
	if err != nil {
		slog.Warn("Rejecting malformed notification", "error", err)
		return dispositionDrop, err.Error()
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	id, err := p.store.RecordEventIdempotent(opCtx, ev)
	if err != nil {
		class := policy.Classify(err)
		if class == policy.ClassUnknown {
			slog.Error("Unexpected error persisting storage event", "error", err)
		} else {
			slog.Warn("Failed to persist storage event",
				"class", class.String(),
				"error", err,
			)
		}
		if class == policy.ClassFatal {
			return dispositionDrop, err.Error()
		}
		return dispositionRequeue, err.Error()
	}

	if id == nil {
		return p.processDuplicate(ctx, ev)
	}

	if p.isHousekeeping(ev) {
		p.metrics.IncrementCustom("events_housekeeping")
		slog.Info("Acknowledged housekeeping event",
			"correlation_id", ev.CorrelationID,
			"bucket", ev.BucketName,
			"object_key", ev.ObjectKey,
		)
		p.markStatus(ctx, *id, 0, events.StatusSkipped)
		return dispositionAck, ""
	}

	return p.forwardEvent(ctx, ev, *id, 0)
}

// processDuplicate handles a redelivered notification whose business key is
// already persisted. The row is never duplicated, but fan-out may still be
// pending if a previous delivery crashed between persist and publish.
func (p *Processor) processDuplicate(ctx context.Context, ev *events.StorageEvent) (disposition, string) {
	p.metrics.IncrementCustom("events_deduplicated")

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	existing, err := p.store.GetByDedupKey(opCtx, ev.DedupKey())
	if err != nil {
		slog.Warn("Failed to fetch existing event on duplicate delivery", "error", err)
		return dispositionRequeue, err.Error()
	}

	if existing.Status != events.StatusReceived {
		slog.Info("Duplicate delivery, event already settled",
			"event_id", existing.ID,
			"status", existing.Status,
			"bucket", existing.BucketName,
			"object_key", existing.ObjectKey,
		)
		return dispositionAck, ""
	}

	// Persisted but never forwarded: finish the fan-out now.
	if p.isHousekeeping(existing) {
		p.markStatus(ctx, existing.ID, existing.Version, events.StatusSkipped)
		return dispositionAck, ""
	}
	return p.forwardEvent(ctx, existing, existing.ID, existing.Version)
}

// forwardEvent publishes the fan-out message and advances the row status.
func (p *Processor) forwardEvent(ctx context.Context, ev *events.StorageEvent, id, version int64) (disposition, string) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.fanout.PublishForwarded(opCtx, events.NewEventForwarded(ev, id)); err != nil {
		slog.Error("Failed to publish forwarded event",
			"event_id", id,
			"correlation_id", ev.CorrelationID,
			"error", err,
		)
		// The persisted row is protected by the dedup key; redelivery retries
		// only the fan-out.
		return dispositionRequeue, err.Error()
	}

	p.metrics.RecordPublished()
	p.markStatus(ctx, id, version, events.StatusForwarded)
	return dispositionAck, ""
}

// markStatus advances the persisted status with a version compare-and-swap.
// A version conflict means another worker already settled the row; that is not
// an error. Other failures are logged but do not fail the delivery: the fan-out
// already happened and a redelivery would publish it twice.
func (p *Processor) markStatus(ctx context.Context, id, version int64, status string) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := p.store.UpdateStatus(opCtx, id, version, status)
	if err == nil {
		return
	}
	if errors.Is(err, database.ErrVersionConflict) {
		slog.Debug("Event status already advanced by another worker", "event_id", id)
		return
	}
	slog.Warn("Failed to update event status",
		"event_id", id,
		"status", status,
		"error", err,
	)
}

// isHousekeeping reports whether the event is a non-business sentinel that is
// acknowledged without fan-out.
func (p *Processor) isHousekeeping(ev *events.StorageEvent) bool {
	if ev.EventType == events.EventHealthCheck {
		return true
	}
	if p.opts.HousekeepingMarker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(ev.ObjectKey), strings.ToLower(p.opts.HousekeepingMarker))
}

// sendToDeadLetter routes a fatally failed message to the dead-letter topic.
// Returns true if the message may be committed.
func (p *Processor) sendToDeadLetter(ctx context.Context, msg kafka.Message, reason string) bool {
	attempts := attemptsOf(msg)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.deadLetter.PublishRaw(opCtx, msg.Key, msg.Value, attempts, reason); err != nil {
		slog.Error("Failed to publish to dead-letter topic", "error", err)
		return false
	}

	p.metrics.IncrementCustom("messages_dead_lettered")
	slog.Warn("Message dead-lettered",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"attempts", attempts,
		"reason", reason,
	)
	return true
}

// requeueDelivery republishes a transiently failed message to the source topic
// with an incremented attempt count, or dead-letters it once the attempt cap is
// reached. Returns true if the message may be committed.
func (p *Processor) requeueDelivery(ctx context.Context, msg kafka.Message, reason string) bool {
	attempts := attemptsOf(msg) + 1

	if attempts >= p.opts.MaxDeliveryAttempts {
		return p.sendToDeadLetter(ctx, msg, "max delivery attempts exceeded: "+reason)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.requeue.PublishRaw(opCtx, msg.Key, msg.Value, attempts, ""); err != nil {
		slog.Error("Failed to requeue message", "error", err)
		return false
	}

	p.metrics.IncrementCustom("messages_requeued")
	slog.Warn("Message requeued for redelivery",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"attempt", attempts,
		"max_attempts", p.opts.MaxDeliveryAttempts,
		"reason", reason,
	)
	return true
}

func attemptsOf(msg kafka.Message) int {
	return producer.AttemptsFromHeaders(msg.Headers)
}
