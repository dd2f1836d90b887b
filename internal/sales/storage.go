package sales

import (
	"time"

	"sales_engine/internal/outbox"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ProductModel is the catalog row. The engine only touches its stock columns.
type ProductModel struct {
	ID           uint64          `gorm:"primaryKey"`
	Name         string          `gorm:"size:255;not null"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Quantity     int             `gorm:"not null;check:chk_products_quantity,quantity >= 0"`
	Availability Availability    `gorm:"size:16;not null;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

type SaleModel struct {
	ID          uint64          `gorm:"primaryKey"`
	UserID      string          `gorm:"size:64;not null;index:idx_sales_user_created,priority:1"`
	Total       decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Status      SaleStatus      `gorm:"size:16;not null"`
	CreatedAt   time.Time       `gorm:"not null;index:idx_sales_user_created,priority:2"`
	UpdatedAt   time.Time
	CancelledAt *time.Time
	Lines       []SaleLineModel `gorm:"foreignKey:SaleID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (SaleModel) TableName() string {
	return "sales"
}

type SaleLineModel struct {
	ID        uint64          `gorm:"primaryKey"`
	SaleID    uint64          `gorm:"not null;index"`
	ProductID uint64          `gorm:"not null;index"`
	Quantity  int             `gorm:"not null;check:chk_sale_lines_quantity,quantity > 0"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Subtotal  decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Product   *ProductModel   `gorm:"foreignKey:ProductID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (SaleLineModel) TableName() string {
	return "sale_lines"
}

type InvoiceModel struct {
	ID         uint64          `gorm:"primaryKey"`
	SaleID     uint64          `gorm:"not null;uniqueIndex:idx_invoices_sale"`
	UserID     string          `gorm:"size:64;not null;index:idx_invoices_user_issued,priority:1"`
	Number     string          `gorm:"size:16;not null;uniqueIndex:idx_invoices_number"`
	Period     string          `gorm:"size:6;not null;index:idx_invoices_period_sequence,priority:1"`
	Sequence   int             `gorm:"not null;index:idx_invoices_period_sequence,priority:2"`
	IssuedAt   time.Time       `gorm:"not null;index:idx_invoices_user_issued,priority:2"`
	Amount     decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	TaxRate    decimal.Decimal `gorm:"type:decimal(6,4);not null"`
	TaxAmount  decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Status     InvoiceStatus   `gorm:"size:8;not null"`
	PaidAt     *time.Time
	VoidedAt   *time.Time
	VoidReason string `gorm:"size:255"`
	UpdatedAt  time.Time
	Sale       *SaleModel `gorm:"foreignKey:SaleID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (InvoiceModel) TableName() string {
	return "invoices"
}

// InvoiceSequenceModel is the per-period counter row invoice numbering locks.
type InvoiceSequenceModel struct {
	Period    string `gorm:"primaryKey;size:6"`
	LastValue int    `gorm:"not null"`
	UpdatedAt time.Time
}

func (InvoiceSequenceModel) TableName() string {
	return "invoice_sequences"
}

type CartItemModel struct {
	ID        uint64          `gorm:"primaryKey"`
	UserID    string          `gorm:"size:64;not null;index"`
	ProductID uint64          `gorm:"not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	CreatedAt time.Time
	Product   *ProductModel `gorm:"foreignKey:ProductID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (CartItemModel) TableName() string {
	return "cart_items"
}

// Migrate creates or updates every table the engine owns, the outbox included.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&ProductModel{},
		&SaleModel{},
		&SaleLineModel{},
		&InvoiceSequenceModel{},
		&InvoiceModel{},
		&CartItemModel{},
		&outbox.Record{},
	)
	return errors.Wrap(err, "migrate sales schema")
}

func toSale(m SaleModel) Sale {
	s := Sale{
		ID:          m.ID,
		UserID:      m.UserID,
		Total:       roundMoney(m.Total),
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		CancelledAt: m.CancelledAt,
		Lines:       make([]SaleLine, 0, len(m.Lines)),
	}
	for _, l := range m.Lines {
		s.Lines = append(s.Lines, SaleLine{
			SaleID:    l.SaleID,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: roundMoney(l.UnitPrice),
			Subtotal:  roundMoney(l.Subtotal),
		})
	}
	return s
}

func toInvoice(m InvoiceModel) Invoice {
	return Invoice{
		ID:         m.ID,
		SaleID:     m.SaleID,
		UserID:     m.UserID,
		Number:     m.Number,
		IssuedAt:   m.IssuedAt,
		Amount:     roundMoney(m.Amount),
		TaxRate:    m.TaxRate,
		TaxAmount:  roundMoney(m.TaxAmount),
		Status:     m.Status,
		PaidAt:     m.PaidAt,
		VoidedAt:   m.VoidedAt,
		VoidReason: m.VoidReason,
	}
}

func toStockRecord(m ProductModel) StockRecord {
	return StockRecord{ProductID: m.ID, Quantity: m.Quantity, Availability: m.Availability}
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
