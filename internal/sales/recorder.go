package sales

import (
	"context"
	"time"

	"sales_engine/internal/store"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaleRecorder writes the append-only ledger of what was sold.
type SaleRecorder struct {
	clock func() time.Time
}

func NewSaleRecorder(clock func() time.Time) *SaleRecorder {
	if clock == nil {
		clock = time.Now
	}
	return &SaleRecorder{clock: clock}
}

// ValidateCart rejects an empty cart, lines with a quantity outside
// 1..maxLineQuantity and negative prices. It touches no state.
func ValidateCart(lines []CartLine) error {
	if len(lines) == 0 {
		return ErrEmptyCart
	}
	for _, l := range lines {
		if l.Quantity <= 0 || l.Quantity > maxLineQuantity {
			return errors.Wrapf(ErrInvalidQuantity, "product %d: quantity %d", l.ProductID, l.Quantity)
		}
		if l.UnitPrice.IsNegative() {
			return errors.Wrapf(ErrInvalidPrice, "product %d: price %s", l.ProductID, l.UnitPrice)
		}
	}
	_, err := mergeStockLines(stockLinesOfCart(lines))
	return err
}

// Create inserts a COMPLETED sale and its lines. Total is computed here once,
// as the exact sum of the line subtotals, and stored.
func (r *SaleRecorder) Create(ctx context.Context, tx *gorm.DB, userID string, lines []CartLine) (*Sale, error) {
	if err := ValidateCart(lines); err != nil {
		return nil, err
	}

	now := r.clock().UTC()
	total := decimal.Zero
	models := make([]SaleLineModel, 0, len(lines))
	for _, l := range lines {
		subtotal := lineSubtotal(l.UnitPrice, l.Quantity)
		total = total.Add(subtotal)
		models = append(models, SaleLineModel{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: roundMoney(l.UnitPrice),
			Subtotal:  subtotal,
		})
	}

	header := SaleModel{
		UserID:    userID,
		Total:     total,
		Status:    SaleCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	db := tx.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(&header).Error; err != nil {
		return nil, errors.Wrap(err, "insert sale")
	}
	for i := range models {
		models[i].SaleID = header.ID
	}
	if err := db.Omit(clause.Associations).Create(&models).Error; err != nil {
		return nil, errors.Wrapf(err, "insert lines of sale %d", header.ID)
	}

	header.Lines = models
	sale := toSale(header)
	return &sale, nil
}

// MarkCancelled moves a sale from COMPLETED to CANCELLED. The update only
// matches rows in a status the transition table allows, so a second call
// fails with an InvalidStateError instead of cancelling twice.
func (r *SaleRecorder) MarkCancelled(ctx context.Context, tx *gorm.DB, saleID uint64) error {
	now := r.clock().UTC()
	res := tx.WithContext(ctx).
		Model(&SaleModel{}).
		Where("id = ? AND status IN ?", saleID, sourcesOf(saleTransitions, SaleCancelled)).
		Updates(map[string]any{
			"status":       string(SaleCancelled),
			"cancelled_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "cancel sale %d", saleID)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.lock(ctx, tx, saleID)
	if err != nil {
		return err
	}
	return &InvalidStateError{Entity: "sale", ID: saleID, Current: string(current.Status), Target: string(SaleCancelled)}
}

// GetByID returns a sale with its lines.
func (r *SaleRecorder) GetByID(ctx context.Context, db *gorm.DB, saleID uint64) (*Sale, error) {
	var m SaleModel
	err := db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&m, saleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrSaleNotFound, "sale %d", saleID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read sale %d", saleID)
	}
	sale := toSale(m)
	return &sale, nil
}

// ListByUser returns a page of the user's sales, newest first.
func (r *SaleRecorder) ListByUser(ctx context.Context, db *gorm.DB, userID string, limit, offset int) ([]Sale, error) {
	limit, offset = pageBounds(limit, offset)

	var rows []SaleModel
	err := db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list sales of user %s", userID)
	}

	out := make([]Sale, 0, len(rows))
	for _, m := range rows {
		out = append(out, toSale(m))
	}
	return out, nil
}

// lock reads the sale header with an exclusive row lock.
func (r *SaleRecorder) lock(ctx context.Context, tx *gorm.DB, saleID uint64) (*SaleModel, error) {
	var m SaleModel
	err := store.ForUpdate(tx.WithContext(ctx)).First(&m, saleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrSaleNotFound, "sale %d", saleID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock sale %d", saleID)
	}
	return &m, nil
}

// lines reads the lines of a sale in insertion order.
func (r *SaleRecorder) lines(ctx context.Context, tx *gorm.DB, saleID uint64) ([]SaleLineModel, error) {
	var out []SaleLineModel
	err := tx.WithContext(ctx).Where("sale_id = ?", saleID).Order("id").Find(&out).Error
	return out, errors.Wrapf(err, "read lines of sale %d", saleID)
}
