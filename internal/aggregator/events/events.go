// Package events defines the price item message structures for the batch-aggregator service.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceItem is one product's price/stock record extracted from a source file.
type PriceItem struct {
	ItemID        string          `json:"item_id"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	StockQuantity int             `json:"stock_quantity"`
	Category      string          `json:"category,omitempty"`
	Description   string          `json:"description,omitempty"`
	Manufacturer  string          `json:"manufacturer,omitempty"`
	SupplierCode  string          `json:"supplier_code,omitempty"`
}

// Validate checks the item invariants: required identity fields and
// non-negative price and stock.
func (p *PriceItem) Validate() error {
	if strings.TrimSpace(p.ProductID) == "" {
		return fmt.Errorf("validation failed: product_id cannot be empty")
	}
	if strings.TrimSpace(p.ProductName) == "" {
		return fmt.Errorf("validation failed: product_name cannot be empty")
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("validation failed: price must be >= 0, got %s", p.Price)
	}
	if p.StockQuantity < 0 {
		return fmt.Errorf("validation failed: stock_quantity must be >= 0, got %d", p.StockQuantity)
	}
	return nil
}

// PriceItemMessage is the transport envelope carrying one PriceItem.
type PriceItemMessage struct {
	MessageID         string     `json:"message_id"`
	BatchID           string     `json:"batch_id"`
	TotalItemsInBatch int        `json:"total_items_in_batch"`
	ItemID            string     `json:"item_id"`
	Company           string     `json:"company"`
	FileProcessedAt   time.Time  `json:"file_processed_at"`
	MessageSentAt     time.Time  `json:"message_sent_at"`
	PriceItem         *PriceItem `json:"price_item"`
}

// Normalize fills defaulted fields: a generated message id, the receipt time as
// the sent time, and the item id, which is reconciled between the envelope and
// the carried item so both always agree.
func (m *PriceItemMessage) Normalize(now time.Time) {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.MessageSentAt.IsZero() {
		m.MessageSentAt = now
	}
	if m.ItemID == "" && m.PriceItem != nil {
		if m.PriceItem.ItemID != "" {
			m.ItemID = m.PriceItem.ItemID
		} else {
			m.ItemID = m.PriceItem.ProductID
		}
	}
	if m.PriceItem != nil && m.PriceItem.ItemID == "" {
		m.PriceItem.ItemID = m.ItemID
	}
}

// Validate checks the message invariants: company, batch id, and item must all
// be present, the expected batch size must be positive, and the carried item
// must itself be valid.
func (m *PriceItemMessage) Validate() error {
	if strings.TrimSpace(m.Company) == "" {
		return fmt.Errorf("validation failed: company cannot be empty")
	}
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("validation failed: batch_id cannot be empty")
	}
	if m.PriceItem == nil {
		return fmt.Errorf("validation failed: price_item cannot be empty")
	}
	if m.TotalItemsInBatch <= 0 {
		return fmt.Errorf("validation failed: total_items_in_batch must be > 0, got %d", m.TotalItemsInBatch)
	}
	return m.PriceItem.Validate()
}

// DedupKey is the idempotency key for a message: the same product within the
// same company batch always lands on the same key.
func (m *PriceItemMessage) DedupKey() string {
	productID := ""
	if m.PriceItem != nil {
		productID = m.PriceItem.ProductID
	}
	return fmt.Sprintf("%s|%s|%s", m.Company, productID, m.BatchID)
}
