package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pricat/price-pipeline/internal/aggregator/events"
)

func TestKeyLayout(t *testing.T) {
	if got := companyIDsKey("Acme"); got != "search:Acme:ids" {
		t.Errorf("companyIDsKey() = %q", got)
	}
	if got := docKey("Acme", "i1"); got != "search:Acme:doc:i1" {
		t.Errorf("docKey() = %q", got)
	}
	if got := stagingIDsKey("Acme", "t1"); got != "search:Acme:staging:t1:ids" {
		t.Errorf("stagingIDsKey() = %q", got)
	}
	if got := stagingDocKey("Acme", "t1", "i1"); got != "search:Acme:staging:t1:doc:i1" {
		t.Errorf("stagingDocKey() = %q", got)
	}
}

func TestNewSearchIndex_DefaultTimeout(t *testing.T) {
	s := NewSearchIndex(redis.NewClient(&redis.Options{}), 0)
	if s.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", s.timeout, DefaultTimeout)
	}

	s = NewSearchIndex(redis.NewClient(&redis.Options{}), 3*time.Second)
	if s.timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", s.timeout)
	}
}

func TestReplaceCompanyData_EmptyCompany(t *testing.T) {
	s := NewSearchIndex(redis.NewClient(&redis.Options{}), time.Second)
	if err := s.ReplaceCompanyData(context.Background(), "", nil); err == nil {
		t.Error("ReplaceCompanyData() with empty company should fail")
	}
	if err := s.DeleteAllForCompany(context.Background(), ""); err == nil {
		t.Error("DeleteAllForCompany() with empty company should fail")
	}
}

func newTestIndex(t *testing.T) (*SearchIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSearchIndex(client, time.Second), mr
}

func makeItems(ids ...string) []*events.PriceItem {
	items := make([]*events.PriceItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, &events.PriceItem{
			ItemID:        id,
			ProductID:     id,
			ProductName:   "Widget " + id,
			Price:         decimal.NewFromFloat(9.99),
			Currency:      "EUR",
			StockQuantity: 10,
		})
	}
	return items
}

// liveSet reads the company's id set and checks every id has a document.
func liveSet(t *testing.T, client *redis.Client, company string) map[string]bool {
	t.Helper()
	ctx := context.Background()
	ids, err := client.SMembers(ctx, companyIDsKey(company)).Result()
	if err != nil && err != redis.Nil {
		t.Fatalf("failed to read id set: %v", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
		body, err := client.Get(ctx, docKey(company, id)).Result()
		if err != nil {
			t.Fatalf("live id %s has no document: %v", id, err)
		}
		var item events.PriceItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			t.Fatalf("document for %s is not valid JSON: %v", id, err)
		}
	}
	return set
}

func TestReplaceCompanyData_ReplacesPriorSet(t *testing.T) {
	s, _ := newTestIndex(t)
	ctx := context.Background()

	if err := s.ReplaceCompanyData(ctx, "Acme", makeItems("i1", "i2", "i3")); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}
	if err := s.ReplaceCompanyData(ctx, "Acme", makeItems("i2", "i4")); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	live := liveSet(t, s.client, "Acme")
	if len(live) != 2 || !live["i2"] || !live["i4"] {
		t.Errorf("live set = %v, want {i2 i4}", live)
	}
	if _, err := s.client.Get(ctx, docKey("Acme", "i1")).Result(); err != redis.Nil {
		t.Error("document for removed id i1 should be deleted")
	}
}

func TestReplaceCompanyData_EmptyItemsDeletesAll(t *testing.T) {
	s, _ := newTestIndex(t)
	ctx := context.Background()

	if err := s.ReplaceCompanyData(ctx, "Acme", makeItems("i1", "i2")); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if err := s.ReplaceCompanyData(ctx, "Acme", nil); err != nil {
		t.Fatalf("empty replace failed: %v", err)
	}

	if live := liveSet(t, s.client, "Acme"); len(live) != 0 {
		t.Errorf("live set = %v, want empty", live)
	}
	if _, err := s.client.Get(ctx, docKey("Acme", "i1")).Result(); err != redis.Nil {
		t.Error("documents should be deleted with the id set")
	}
}

func TestReplaceCompanyData_LeavesNoStagingKeys(t *testing.T) {
	s, mr := newTestIndex(t)

	if err := s.ReplaceCompanyData(context.Background(), "Acme", makeItems("i1", "i2")); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	for _, key := range mr.Keys() {
		if strings.Contains(key, ":staging:") {
			t.Errorf("staging key %q left behind after a successful replace", key)
		}
	}
}

// Two batches for the same company may complete and flush at the same time.
// Each replacement must stay atomic from the reader's perspective and neither
// call may fail because of the other.
func TestReplaceCompanyData_ConcurrentSameCompany(t *testing.T) {
	s, _ := newTestIndex(t)
	ctx := context.Background()

	setA := []string{"a1", "a2", "a3"}
	setB := []string{"b1", "b2"}

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = s.ReplaceCompanyData(ctx, "Acme", makeItems(setA...))
		}()
		go func() {
			defer wg.Done()
			errs[1] = s.ReplaceCompanyData(ctx, "Acme", makeItems(setB...))
		}()
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				t.Fatalf("iteration %d: concurrent replace failed: %v", i, err)
			}
		}

		live := liveSet(t, s.client, "Acme")
		if !matchesSet(live, setA) && !matchesSet(live, setB) {
			t.Fatalf("iteration %d: live set %v is neither %v nor %v", i, live, setA, setB)
		}
	}
}

func matchesSet(live map[string]bool, want []string) bool {
	if len(live) != len(want) {
		return false
	}
	for _, id := range want {
		if !live[id] {
			return false
		}
	}
	return true
}

func TestDiscardStaged_RemovesStagingKeys(t *testing.T) {
	s, mr := newTestIndex(t)
	ctx := context.Background()

	docs := map[string][]byte{"i1": []byte("{}"), "i2": []byte("{}")}
	for id, body := range docs {
		if err := s.client.Set(ctx, stagingDocKey("Acme", "tok", id), body, 0).Err(); err != nil {
			t.Fatalf("failed to seed staging doc: %v", err)
		}
		if err := s.client.SAdd(ctx, stagingIDsKey("Acme", "tok"), id).Err(); err != nil {
			t.Fatalf("failed to seed staging id: %v", err)
		}
	}

	s.discardStaged("Acme", "tok", docs)

	for _, key := range mr.Keys() {
		if strings.Contains(key, ":staging:") {
			t.Errorf("staging key %q not discarded", key)
		}
	}
}

func TestReplaceCompanyData_ManySequentialReplaces(t *testing.T) {
	s, _ := newTestIndex(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ids := []string{fmt.Sprintf("i%d", i), fmt.Sprintf("i%d", i+1)}
		if err := s.ReplaceCompanyData(ctx, "Acme", makeItems(ids...)); err != nil {
			t.Fatalf("replace %d failed: %v", i, err)
		}
		live := liveSet(t, s.client, "Acme")
		if !matchesSet(live, ids) {
			t.Fatalf("replace %d: live set %v, want %v", i, live, ids)
		}
	}
}
