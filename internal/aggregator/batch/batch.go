// Package batch accumulates price item messages into company-scoped batches and
// tracks their lifecycle until they are flushed to the search index or abandoned.
package batch

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pricat/price-pipeline/internal/aggregator/events"
)

// State is the lifecycle state of a batch.
type State string

const (
	StateAccumulating State = "ACCUMULATING"
	StateComplete     State = "COMPLETE"
	StateFlushed      State = "FLUSHED"
	StateAbandoned    State = "ABANDONED"
)

// shardCount partitions batch state so unrelated batches never contend on one
// lock. Must be a power of two.
const shardCount = 32

// defaultClosedMemory bounds how many recently closed batch ids are remembered
// for late/orphan detection.
const defaultClosedMemory = 4096

// Batch is the in-memory aggregation unit: the set of price items sharing a
// batch id. All mutation happens under the owning shard's lock.
type Batch struct {
	BatchID       string
	Company       string
	Expected      int
	Received      map[string]*events.PriceItem
	FirstSeenAt   time.Time
	LastUpdatedAt time.Time
	State         State

	// flushing guards against the completion path and the retry loop
	// flushing the same batch concurrently.
	flushing bool
}

// Items returns the accumulated items ordered by item id, so a flushed set is
// deterministic regardless of arrival order.
func (b *Batch) Items() []*events.PriceItem {
	items := make([]*events.PriceItem, 0, len(b.Received))
	for _, item := range b.Received {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items
}

type shard struct {
	mu      sync.Mutex
	batches map[string]*Batch
}

// Store owns all in-flight batch state, partitioned by batch id hash.
type Store struct {
	shards     [shardCount]*shard
	inactivity time.Duration

	// closed remembers recently flushed/abandoned batch ids so late arrivals
	// can be recognized without resurrecting the batch.
	closedMu sync.Mutex
	closed   *lru.Cache[string, State]
}

// NewStore creates a batch store. Batches idle longer than the inactivity
// threshold are eligible for abandonment by SweepAbandoned.
func NewStore(inactivity time.Duration) (*Store, error) {
	if inactivity <= 0 {
		return nil, fmt.Errorf("inactivity threshold must be > 0")
	}

	closed, err := lru.New[string, State](defaultClosedMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to create closed-batch cache: %w", err)
	}

	s := &Store{
		inactivity: inactivity,
		closed:     closed,
	}
	for i := range s.shards {
		s.shards[i] = &shard{batches: make(map[string]*Batch)}
	}
	return s, nil
}

func (s *Store) shardFor(batchID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(batchID))
	return s.shards[h.Sum32()&(shardCount-1)]
}

// AddResult describes the outcome of adding one message to the store.
type AddResult struct {
	// Completed is set when this message completed its batch. The batch stays
	// resident in COMPLETE state until FinishFlush settles it.
	Completed *Batch
	// Overwrote reports that the item id already existed in the open batch and
	// its item was replaced rather than double-counted.
	Overwrote bool
	// Late reports a message for an already closed (FLUSHED/ABANDONED) or
	// already completed batch. Accepted and logged by the caller, never an error.
	Late bool
	// ClosedState carries the terminal state of a late message's batch, when known.
	ClosedState State
}

// Add inserts a message's item into its batch, creating the batch on first
// contact. The first message fixes the expected count and company. The batch
// transitions to COMPLETE exactly when the received size reaches the expected
// count. Messages must be validated by the caller before Add.
func (s *Store) Add(msg *events.PriceItemMessage, now time.Time) AddResult {
	if state, ok := s.closedState(msg.BatchID); ok {
		return AddResult{Late: true, ClosedState: state}
	}

	sh := s.shardFor(msg.BatchID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.batches[msg.BatchID]
	if !ok {
		// The unlocked closed-memory check can race with a FinishFlush or
		// sweep that closes this batch; re-check before recreating it.
		if state, closed := s.closedState(msg.BatchID); closed {
			return AddResult{Late: true, ClosedState: state}
		}
		b = &Batch{
			BatchID:     msg.BatchID,
			Company:     msg.Company,
			Expected:    msg.TotalItemsInBatch,
			Received:    make(map[string]*events.PriceItem, msg.TotalItemsInBatch),
			FirstSeenAt: now,
			State:       StateAccumulating,
		}
		sh.batches[msg.BatchID] = b
	}

	if b.State != StateAccumulating {
		// Completed but not yet flushed: extra arrivals do not mutate the set.
		return AddResult{Late: true, ClosedState: b.State}
	}

	_, overwrote := b.Received[msg.ItemID]
	b.Received[msg.ItemID] = msg.PriceItem
	b.LastUpdatedAt = now

	if len(b.Received) == b.Expected {
		b.State = StateComplete
		return AddResult{Completed: b, Overwrote: overwrote}
	}

	return AddResult{Overwrote: overwrote}
}

// BeginFlush claims a COMPLETE batch for flushing. Returns false if the batch is
// unknown, not complete, or already being flushed by another goroutine.
func (s *Store) BeginFlush(batchID string) (*Batch, bool) {
	sh := s.shardFor(batchID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.batches[batchID]
	if !ok || b.State != StateComplete || b.flushing {
		return nil, false
	}
	b.flushing = true
	return b, true
}

// FinishFlush settles a flush attempt started by BeginFlush. On success the
// batch transitions to FLUSHED and its state is discarded; on failure it stays
// COMPLETE so the flush can be retried.
func (s *Store) FinishFlush(batchID string, ok bool) {
	sh := s.shardFor(batchID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, exists := sh.batches[batchID]
	if !exists {
		return
	}
	b.flushing = false
	if !ok {
		return
	}

	b.State = StateFlushed
	delete(sh.batches, batchID)
	s.rememberClosed(batchID, StateFlushed)
}

// PendingFlush returns the ids of batches stuck in COMPLETE state, i.e. whose
// flush previously failed and should be retried.
func (s *Store) PendingFlush() []string {
	var ids []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, b := range sh.batches {
			if b.State == StateComplete && !b.flushing {
				ids = append(ids, id)
			}
		}
		sh.mu.Unlock()
	}
	return ids
}

// Abandoned describes a batch evicted by the timeout sweep.
type Abandoned struct {
	BatchID  string
	Company  string
	Received int
	Expected int
	IdleFor  time.Duration
}

// SweepAbandoned marks ACCUMULATING batches idle past the inactivity threshold
// as ABANDONED and evicts them. Partial data is never flushed. Returns the
// evicted batches for logging.
func (s *Store) SweepAbandoned(now time.Time) []Abandoned {
	var evicted []Abandoned
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, b := range sh.batches {
			if b.State != StateAccumulating {
				continue
			}
			idle := now.Sub(b.LastUpdatedAt)
			if idle < s.inactivity {
				continue
			}
			b.State = StateAbandoned
			delete(sh.batches, id)
			s.rememberClosed(id, StateAbandoned)
			evicted = append(evicted, Abandoned{
				BatchID:  id,
				Company:  b.Company,
				Received: len(b.Received),
				Expected: b.Expected,
				IdleFor:  idle,
			})
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the number of in-flight batches across all shards.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.batches)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) rememberClosed(batchID string, state State) {
	s.closedMu.Lock()
	s.closed.Add(batchID, state)
	s.closedMu.Unlock()
}

func (s *Store) closedState(batchID string) (State, bool) {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed.Get(batchID)
}
