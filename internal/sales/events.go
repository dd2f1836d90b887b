package sales

import (
	"context"
	"strconv"
	"time"

	"sales_engine/internal/outbox"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Topics of the events the engine writes to the outbox.
const (
	TopicSaleCompleted = "sales.sale.completed"
	TopicSaleCancelled = "sales.sale.cancelled"
	TopicInvoiceIssued = "sales.invoice.issued"
	TopicInvoicePaid   = "sales.invoice.paid"
	TopicInvoiceVoided = "sales.invoice.voided"
)

type saleEvent struct {
	SaleID     uint64          `json:"sale_id"`
	UserID     string          `json:"user_id"`
	Total      decimal.Decimal `json:"total"`
	Status     SaleStatus      `json:"status"`
	Lines      []SaleLine      `json:"lines"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type invoiceEvent struct {
	InvoiceID  uint64          `json:"invoice_id"`
	SaleID     uint64          `json:"sale_id"`
	UserID     string          `json:"user_id"`
	Number     string          `json:"number"`
	Amount     decimal.Decimal `json:"amount"`
	Status     InvoiceStatus   `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Events are keyed by sale id so every event of a sale lands on the same
// partition, in order.
func publishSale(ctx context.Context, tx *gorm.DB, topic string, s *Sale, at time.Time) error {
	return outbox.Insert(ctx, tx, topic, strconv.FormatUint(s.ID, 10), saleEvent{
		SaleID:     s.ID,
		UserID:     s.UserID,
		Total:      s.Total,
		Status:     s.Status,
		Lines:      s.Lines,
		OccurredAt: at,
	}, at)
}

func publishInvoice(ctx context.Context, tx *gorm.DB, topic string, inv *Invoice, at time.Time) error {
	return outbox.Insert(ctx, tx, topic, strconv.FormatUint(inv.SaleID, 10), invoiceEvent{
		InvoiceID:  inv.ID,
		SaleID:     inv.SaleID,
		UserID:     inv.UserID,
		Number:     inv.Number,
		Amount:     inv.Amount,
		Status:     inv.Status,
		Reason:     inv.VoidReason,
		OccurredAt: at,
	}, at)
}
