package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pricat/price-pipeline/internal/aggregator/batch"
	"github.com/pricat/price-pipeline/internal/aggregator/events"
	"github.com/pricat/price-pipeline/internal/policy"
)

// opTimeout bounds individual sink and commit operations so one slow
// dependency cannot stall a worker indefinitely.
const opTimeout = 10 * time.Second

const (
	defaultWorkers            = 10
	defaultSweepInterval      = 1 * time.Minute
	defaultFlushRetryInterval = 30 * time.Second
)

// Custom metric names recorded by the processor.
const (
	metricItemsRejected    = "items_rejected"
	metricItemsOverwritten = "items_overwritten"
	metricLateMessages     = "late_messages"
	metricBatchesCompleted = "batches_completed"
	metricBatchesFlushed   = "batches_flushed"
	metricBatchesAbandoned = "batches_abandoned"
	metricFlushFailures    = "flush_failures"
)

// work represents a unit of work for the worker pool.
type work struct {
	item *events.PriceItemMessage
	msg  *kafka.Message
}

// Options tunes processor behavior. Zero values select defaults.
type Options struct {
	// Workers is the number of concurrent message workers.
	Workers int
	// SweepInterval is how often inactive batches are checked for abandonment.
	SweepInterval time.Duration
	// FlushRetryInterval is how often completed batches whose flush failed
	// are retried.
	FlushRetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.FlushRetryInterval <= 0 {
		o.FlushRetryInterval = defaultFlushRetryInterval
	}
	return o
}

// Processor consumes price item messages, accumulates them into batches, and
// flushes completed batches to the search index.
type Processor struct {
	reader  MessageReader
	store   *batch.Store
	sink    SearchSink
	dlq     RejectedPublisher
	metrics MetricsRecorder
	opts    Options
	backoff policy.Backoff
}

// New creates a processor with all dependencies injected.
func New(reader MessageReader, store *batch.Store, sink SearchSink, dlq RejectedPublisher, m MetricsRecorder, opts Options) *Processor {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &Processor{
		reader:  reader,
		store:   store,
		sink:    sink,
		dlq:     dlq,
		metrics: m,
		opts:    opts.withDefaults(),
		backoff: policy.DefaultBackoff(),
	}
}

// Run processes price item messages until the context is cancelled. It starts
// the worker pool plus the abandonment sweeper and the flush retry loop.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("Starting price item processing loop",
		"workers", p.opts.Workers,
		"sweep_interval", p.opts.SweepInterval,
		"flush_retry_interval", p.opts.FlushRetryInterval,
	)

	jobs := make(chan work, p.opts.Workers*2)
	var wg sync.WaitGroup

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go p.runWorker(ctx, jobs, &wg)
	}

	wg.Add(2)
	go p.runSweeper(ctx, &wg)
	go p.runFlushRetrier(ctx, &wg)

	p.dispatch(ctx, jobs)

	close(jobs)
	wg.Wait()
	slog.Info("Price item processing loop stopped")
	return nil
}

// runWorker processes jobs from the channel until it's closed.
func (p *Processor) runWorker(ctx context.Context, jobs <-chan work, wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range jobs {
		p.handleMessage(ctx, job.item, job.msg)
	}
}

// dispatch reads messages from Kafka and hands them to workers. Messages that
// fail to deserialize never reach a worker: they go straight to the
// dead-letter topic and their offset is settled here.
func (p *Processor) dispatch(ctx context.Context, jobs chan<- work) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			item, msg, err := p.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if msg != nil {
					p.rejectMessage(ctx, msg, err.Error())
					continue
				}
				slog.Error("Failed to read price item message", "error", err)
				p.metrics.RecordError()
				continue
			}
			p.metrics.RecordReceived()
			jobs <- work{item: item, msg: msg}
		}
	}
}

// handleMessage absorbs a single price item into its batch and commits the
// offset. Completing a batch triggers an immediate flush attempt.
func (p *Processor) handleMessage(ctx context.Context, item *events.PriceItemMessage, msg *kafka.Message) {
	startTime := time.Now()

	item.Normalize(startTime)

	if err := item.Validate(); err != nil {
		slog.Warn("Rejecting invalid price item message",
			"batch_id", item.BatchID,
			"item_id", item.ItemID,
			"error", err,
		)
		p.metrics.IncrementCustom(metricItemsRejected)
		p.rejectMessage(ctx, msg, err.Error())
		return
	}

	res := p.store.Add(item, startTime)

	if res.Late {
		slog.Warn("Dropping late price item for closed batch",
			"batch_id", item.BatchID,
			"item_id", item.ItemID,
			"batch_state", string(res.ClosedState),
		)
		p.metrics.IncrementCustom(metricLateMessages)
		p.commitOffset(ctx, msg)
		return
	}

	if res.Overwrote {
		slog.Debug("Overwrote duplicate item in open batch",
			"batch_id", item.BatchID,
			"item_id", item.ItemID,
		)
		p.metrics.IncrementCustom(metricItemsOverwritten)
	}

	p.commitOffset(ctx, msg)
	p.metrics.RecordProcessed(time.Since(startTime))

	if res.Completed != nil {
		slog.Info("Batch complete",
			"batch_id", res.Completed.BatchID,
			"company", res.Completed.Company,
			"items", res.Completed.Expected,
		)
		p.metrics.IncrementCustom(metricBatchesCompleted)
		p.flushBatch(ctx, res.Completed.BatchID)
	}
}

// rejectMessage routes a message to the dead-letter topic and settles its
// offset. The offset is left uncommitted when dead-lettering itself fails, so
// the message is redelivered rather than lost.
func (p *Processor) rejectMessage(ctx context.Context, msg *kafka.Message, reason string) {
	pubCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.dlq.PublishRejected(pubCtx, msg.Key, msg.Value, reason); err != nil {
		slog.Error("Failed to publish to dead-letter topic",
			"reason", reason,
			"error", err,
		)
		p.metrics.RecordError()
		return
	}
	p.metrics.RecordError()
	p.commitOffset(ctx, msg)
}

// flushBatch claims a completed batch and replaces its company's search data.
// A failed flush leaves the batch claimable again for the retry loop. Reports
// whether the batch was flushed.
func (p *Processor) flushBatch(ctx context.Context, batchID string) bool {
	b, ok := p.store.BeginFlush(batchID)
	if !ok {
		return false
	}

	flushCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.sink.ReplaceCompanyData(flushCtx, b.Company, b.Items()); err != nil {
		p.store.FinishFlush(batchID, false)
		slog.Error("Failed to flush batch to search index",
			"batch_id", batchID,
			"company", b.Company,
			"class", policy.Classify(err).String(),
			"error", err,
		)
		p.metrics.IncrementCustom(metricFlushFailures)
		p.metrics.RecordError()
		return false
	}

	p.store.FinishFlush(batchID, true)
	p.metrics.IncrementCustom(metricBatchesFlushed)
	p.metrics.RecordPublished()
	slog.Info("Flushed batch to search index",
		"batch_id", batchID,
		"company", b.Company,
		"items", len(b.Received),
	)
	return true
}

// runSweeper periodically evicts batches that stopped receiving items.
func (p *Processor) runSweeper(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ab := range p.store.SweepAbandoned(now) {
				slog.Warn("Abandoned inactive batch",
					"batch_id", ab.BatchID,
					"company", ab.Company,
					"received", ab.Received,
					"expected", ab.Expected,
					"idle_for", ab.IdleFor,
				)
				p.metrics.IncrementCustom(metricBatchesAbandoned)
			}
		}
	}
}

// runFlushRetrier periodically retries completed batches whose flush failed.
// Consecutive failures of the same batch back off exponentially so a broken
// sink is not hammered on every tick.
func (p *Processor) runFlushRetrier(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(p.opts.FlushRetryInterval)
	defer ticker.Stop()

	type retryState struct {
		attempts int
		notUntil time.Time
	}
	retries := make(map[string]*retryState)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pending := p.store.PendingFlush()

			seen := make(map[string]bool, len(pending))
			for _, id := range pending {
				seen[id] = true
			}
			for id := range retries {
				if !seen[id] {
					delete(retries, id)
				}
			}

			for _, id := range pending {
				st := retries[id]
				if st != nil && now.Before(st.notUntil) {
					continue
				}
				if p.flushBatch(ctx, id) {
					delete(retries, id)
					continue
				}
				if st == nil {
					st = &retryState{}
					retries[id] = st
				}
				st.notUntil = now.Add(p.backoff.Next(st.attempts))
				st.attempts++
			}
		}
	}
}

// commitOffset commits the Kafka offset for the given message.
func (p *Processor) commitOffset(ctx context.Context, msg *kafka.Message) {
	commitCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.reader.CommitMessage(commitCtx, msg); err != nil {
		slog.Error("Failed to commit offset", "error", err)
		p.metrics.RecordError()
	}
}
