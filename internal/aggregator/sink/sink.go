// Package sink publishes completed batches to the search index.
// The index lives in Redis: one document per item plus a per-company id set
// used by the search frontends to enumerate a company's data set.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pricat/price-pipeline/internal/aggregator/events"
)

// DefaultTimeout bounds sink operations when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// SearchIndex writes company price data into the Redis-backed search index.
type SearchIndex struct {
	client  *redis.Client
	timeout time.Duration
}

// NewSearchIndex creates a search index adapter over an existing Redis client.
func NewSearchIndex(client *redis.Client, timeout time.Duration) *SearchIndex {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SearchIndex{client: client, timeout: timeout}
}

// companyIDsKey holds the set of item ids currently indexed for a company.
func companyIDsKey(company string) string {
	return "search:" + company + ":ids"
}

// docKey holds one indexed item document.
func docKey(company, itemID string) string {
	return "search:" + company + ":doc:" + itemID
}

// Staging keys are scoped by a per-call token so concurrent replacements for
// the same company never stage into, or rename away, each other's keys.
func stagingIDsKey(company, token string) string {
	return "search:" + company + ":staging:" + token + ":ids"
}

func stagingDocKey(company, token, itemID string) string {
	return "search:" + company + ":staging:" + token + ":doc:" + itemID
}

// ReplaceCompanyData atomically replaces the company's entire indexed data set
// with the given items. Documents are written to staging keys first; a single
// transactional pipeline then renames them over the live keys and deletes
// documents that are no longer part of the set. Readers observe either the
// complete old set or the complete new set, never a mix. Concurrent
// replacements for the same company are safe: each call stages under its own
// token and the last swap wins. A losing swap may leave a document key that no
// id set references; readers only enumerate via the id set, so it is invisible.
func (s *SearchIndex) ReplaceCompanyData(ctx context.Context, company string, items []*events.PriceItem) error {
	if company == "" {
		return fmt.Errorf("company cannot be empty")
	}
	if len(items) == 0 {
		return s.DeleteAllForCompany(ctx, company)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	docs := make(map[string][]byte, len(items))
	for _, item := range items {
		// Items are validated upstream; a marshal failure here is a bug, not
		// an operational condition.
		body, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item %s: %w", item.ItemID, err)
		}
		docs[item.ItemID] = body
	}

	prior, err := s.client.SMembers(ctx, companyIDsKey(company)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read prior id set for %s: %w", company, err)
	}

	token := uuid.NewString()

	// Stage the new data set next to the live one.
	stage := s.client.TxPipeline()
	for id, body := range docs {
		stage.Set(ctx, stagingDocKey(company, token, id), body, 0)
		stage.SAdd(ctx, stagingIDsKey(company, token), id)
	}
	if _, err := stage.Exec(ctx); err != nil {
		s.discardStaged(company, token, docs)
		return fmt.Errorf("failed to stage documents for %s: %w", company, err)
	}

	// Swap staged keys over the live ones in one transaction.
	swap := s.client.TxPipeline()
	for id := range docs {
		swap.Rename(ctx, stagingDocKey(company, token, id), docKey(company, id))
	}
	swap.Rename(ctx, stagingIDsKey(company, token), companyIDsKey(company))
	for _, id := range prior {
		if _, kept := docs[id]; !kept {
			swap.Del(ctx, docKey(company, id))
		}
	}
	if _, err := swap.Exec(ctx); err != nil {
		s.discardStaged(company, token, docs)
		return fmt.Errorf("failed to swap data set for %s: %w", company, err)
	}

	slog.Info("Replaced company data set in search index",
		"company", company,
		"items", len(items),
		"removed", len(prior)-countKept(prior, docs),
	)

	return nil
}

// discardStaged best-effort deletes this call's staging keys after a failed
// stage or swap, so a retried flush does not accrete leftovers.
func (s *SearchIndex) discardStaged(company, token string, docs map[string][]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	for id := range docs {
		pipe.Del(ctx, stagingDocKey(company, token, id))
	}
	pipe.Del(ctx, stagingIDsKey(company, token))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to discard staged documents",
			"company", company,
			"error", err,
		)
	}
}

// DeleteAllForCompany removes the company's entire data set from the index.
func (s *SearchIndex) DeleteAllForCompany(ctx context.Context, company string) error {
	if company == "" {
		return fmt.Errorf("company cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, companyIDsKey(company)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read id set for %s: %w", company, err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, docKey(company, id))
	}
	pipe.Del(ctx, companyIDsKey(company))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete data set for %s: %w", company, err)
	}

	slog.Info("Deleted company data set from search index",
		"company", company,
		"items", len(ids),
	)

	return nil
}

// Close releases the underlying Redis client.
func (s *SearchIndex) Close() error {
	return s.client.Close()
}

func countKept(prior []string, docs map[string][]byte) int {
	kept := 0
	for _, id := range prior {
		if _, ok := docs[id]; ok {
			kept++
		}
	}
	return kept
}
