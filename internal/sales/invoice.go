package sales

import (
	"context"
	"time"

	"sales_engine/internal/store"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceIssuer creates the invoice of a sale and moves it through its
// lifecycle.
type InvoiceIssuer struct {
	numbers  *InvoiceNumberGenerator
	taxRate  decimal.Decimal
	location *time.Location
	clock    func() time.Time
}

func NewInvoiceIssuer(numbers *InvoiceNumberGenerator, taxRate decimal.Decimal, location *time.Location, clock func() time.Time) *InvoiceIssuer {
	if clock == nil {
		clock = time.Now
	}
	if location == nil {
		location = time.UTC
	}
	return &InvoiceIssuer{numbers: numbers, taxRate: taxRate, location: location, clock: clock}
}

// Issue creates the ISSUED invoice of a completed sale. The amount is the
// sale total; the configured fixed tax rate only splits out the tax portion.
func (i *InvoiceIssuer) Issue(ctx context.Context, tx *gorm.DB, saleID uint64) (*Invoice, error) {
	db := tx.WithContext(ctx)

	var sale SaleModel
	err := store.ForUpdate(db).
		Where("id = ? AND status = ?", saleID, string(SaleCompleted)).
		First(&sale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrSaleNotFound, "no completed sale %d", saleID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock sale %d", saleID)
	}

	var existing int64
	if err := db.Model(&InvoiceModel{}).Where("sale_id = ?", saleID).Count(&existing).Error; err != nil {
		return nil, errors.Wrapf(err, "look up invoice of sale %d", saleID)
	}
	if existing > 0 {
		return nil, errors.Wrapf(ErrDuplicateInvoice, "sale %d", saleID)
	}

	now := i.clock().UTC()
	period := PeriodOf(now, i.location)
	number, seq, err := i.numbers.Next(ctx, tx, period)
	if err != nil {
		return nil, err
	}

	amount := roundMoney(sale.Total)
	m := InvoiceModel{
		SaleID:    sale.ID,
		UserID:    sale.UserID,
		Number:    number,
		Period:    period.String(),
		Sequence:  seq,
		IssuedAt:  now,
		Amount:    amount,
		TaxRate:   i.taxRate,
		TaxAmount: includedTax(amount, i.taxRate),
		Status:    InvoiceIssued,
		UpdatedAt: now,
	}
	if err := db.Omit("Sale").Create(&m).Error; err != nil {
		return nil, errors.Wrapf(err, "insert invoice %s", number)
	}
	inv := toInvoice(m)
	return &inv, nil
}

// MarkPaid moves an ISSUED invoice to PAID.
func (i *InvoiceIssuer) MarkPaid(ctx context.Context, tx *gorm.DB, invoiceID uint64) (*Invoice, error) {
	now := i.clock().UTC()
	return i.transition(ctx, tx, invoiceID, InvoicePaid, map[string]any{
		"paid_at": now,
	})
}

// MarkVoid moves an ISSUED or PAID invoice to VOID. Voiding is terminal.
func (i *InvoiceIssuer) MarkVoid(ctx context.Context, tx *gorm.DB, invoiceID uint64, reason string) (*Invoice, error) {
	now := i.clock().UTC()
	return i.transition(ctx, tx, invoiceID, InvoiceVoid, map[string]any{
		"voided_at":   now,
		"void_reason": reason,
	})
}

// transition applies target as a compare-and-set on the statuses the table
// allows to reach it.
func (i *InvoiceIssuer) transition(ctx context.Context, tx *gorm.DB, invoiceID uint64, target InvoiceStatus, fields map[string]any) (*Invoice, error) {
	fields["status"] = string(target)
	fields["updated_at"] = i.clock().UTC()

	db := tx.WithContext(ctx)
	res := db.Model(&InvoiceModel{}).
		Where("id = ? AND status IN ?", invoiceID, sourcesOf(invoiceTransitions, target)).
		Updates(fields)
	if res.Error != nil {
		return nil, errors.Wrapf(res.Error, "move invoice %d to %s", invoiceID, target)
	}

	inv, err := i.Get(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, &InvalidStateError{Entity: "invoice", ID: invoiceID, Current: string(inv.Status), Target: string(target)}
	}
	return inv, nil
}

// Get returns one invoice.
func (i *InvoiceIssuer) Get(ctx context.Context, db *gorm.DB, invoiceID uint64) (*Invoice, error) {
	var m InvoiceModel
	err := db.WithContext(ctx).First(&m, invoiceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrInvoiceNotFound, "invoice %d", invoiceID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read invoice %d", invoiceID)
	}
	inv := toInvoice(m)
	return &inv, nil
}

// GetBySale returns the invoice of a sale, or ErrInvoiceNotFound.
func (i *InvoiceIssuer) GetBySale(ctx context.Context, db *gorm.DB, saleID uint64) (*Invoice, error) {
	var m InvoiceModel
	err := db.WithContext(ctx).Where("sale_id = ?", saleID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrInvoiceNotFound, "sale %d", saleID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read invoice of sale %d", saleID)
	}
	inv := toInvoice(m)
	return &inv, nil
}

// ListByUser returns a page of the user's invoices, newest first.
func (i *InvoiceIssuer) ListByUser(ctx context.Context, db *gorm.DB, userID string, limit, offset int) ([]Invoice, error) {
	limit, offset = pageBounds(limit, offset)

	var rows []InvoiceModel
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("issued_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list invoices of user %s", userID)
	}

	out := make([]Invoice, 0, len(rows))
	for _, m := range rows {
		out = append(out, toInvoice(m))
	}
	return out, nil
}
