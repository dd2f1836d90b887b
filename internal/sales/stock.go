package sales

import (
	"context"
	"math"
	"sort"
	"time"

	"sales_engine/internal/store"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// StockLine is a quantity of one product moving in or out of stock.
type StockLine struct {
	ProductID uint64
	Quantity  int
}

// maxLineQuantity bounds a single line and the merged demand per product, so
// no sum of quantities can wrap around.
const maxLineQuantity = math.MaxInt32

const decrementSQL = `UPDATE products
SET availability = CASE WHEN quantity - ? <= 0 THEN ? ELSE availability END,
    quantity = quantity - ?,
    updated_at = ?
WHERE id = ? AND availability = ? AND quantity >= ?`

const incrementSQL = `UPDATE products
SET availability = CASE WHEN availability = ? AND quantity + ? > 0 THEN ? ELSE availability END,
    quantity = quantity + ?,
    updated_at = ?
WHERE id = ?`

// StockLedger owns product quantities. Every method takes the caller's
// transaction and never commits on its own.
type StockLedger struct {
	clock func() time.Time
}

func NewStockLedger(clock func() time.Time) *StockLedger {
	if clock == nil {
		clock = time.Now
	}
	return &StockLedger{clock: clock}
}

// CheckAvailability locks the products in lines and reports every shortfall.
// Only AVAILABLE products count; a missing product has nothing available.
func (l *StockLedger) CheckAvailability(ctx context.Context, tx *gorm.DB, lines []StockLine) error {
	merged, err := mergeStockLines(lines)
	if err != nil {
		return err
	}

	ids := make([]uint64, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ProductID)
	}

	// Ordered by id so concurrent checkouts lock rows in the same order.
	var rows []ProductModel
	err = store.ForUpdate(tx.WithContext(ctx)).
		Where("id IN ?", ids).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return errors.Wrap(err, "lock stock rows")
	}

	byID := make(map[uint64]ProductModel, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	var shortfalls []Shortfall
	for _, line := range merged {
		available := 0
		if p, ok := byID[line.ProductID]; ok && p.Availability == Available {
			available = p.Quantity
		}
		if available < line.Quantity {
			shortfalls = append(shortfalls, Shortfall{
				ProductID: line.ProductID,
				Available: available,
				Requested: line.Quantity,
			})
		}
	}
	if len(shortfalls) > 0 {
		return &InsufficientStockError{Shortfalls: shortfalls}
	}
	return nil
}

// Decrement subtracts each line from stock. The update is guarded so quantity
// can never go below zero; a guard miss is reported as insufficient stock.
func (l *StockLedger) Decrement(ctx context.Context, tx *gorm.DB, lines []StockLine) error {
	merged, err := mergeStockLines(lines)
	if err != nil {
		return err
	}

	db := tx.WithContext(ctx)
	now := l.clock().UTC()
	var shortfalls []Shortfall
	for _, line := range merged {
		q := line.Quantity
		res := db.Exec(decrementSQL, q, string(OutOfStock), q, now, line.ProductID, string(Available), q)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "decrement stock of product %d", line.ProductID)
		}
		if res.RowsAffected == 1 {
			continue
		}

		available := 0
		rec, err := l.Get(ctx, tx, line.ProductID)
		switch {
		case err == nil && rec.Availability == Available:
			available = rec.Quantity
		case err != nil && !errors.Is(err, ErrProductNotFound):
			return err
		}
		shortfalls = append(shortfalls, Shortfall{ProductID: line.ProductID, Available: available, Requested: q})
	}
	if len(shortfalls) > 0 {
		return &InsufficientStockError{Shortfalls: shortfalls}
	}
	return nil
}

// Increment gives stock back. OUT_OF_STOCK products become AVAILABLE again
// once their quantity is positive; DISCONTINUED stays as it is.
func (l *StockLedger) Increment(ctx context.Context, tx *gorm.DB, lines []StockLine) error {
	merged, err := mergeStockLines(lines)
	if err != nil {
		return err
	}

	db := tx.WithContext(ctx)
	now := l.clock().UTC()
	for _, line := range merged {
		q := line.Quantity
		res := db.Exec(incrementSQL, string(OutOfStock), q, string(Available), q, now, line.ProductID)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "increment stock of product %d", line.ProductID)
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrProductNotFound, "restore stock of product %d", line.ProductID)
		}
	}
	return nil
}

// Get reads the stock record of one product.
func (l *StockLedger) Get(ctx context.Context, db *gorm.DB, productID uint64) (*StockRecord, error) {
	var m ProductModel
	err := db.WithContext(ctx).First(&m, productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrProductNotFound, "product %d", productID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read stock of product %d", productID)
	}
	rec := toStockRecord(m)
	return &rec, nil
}

// mergeStockLines sums duplicate products and sorts the result by product id.
// Neither a single line nor a merged total may exceed maxLineQuantity.
func mergeStockLines(lines []StockLine) ([]StockLine, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}
	totals := make(map[uint64]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 || line.Quantity > maxLineQuantity {
			return nil, errors.Wrapf(ErrInvalidQuantity, "product %d: quantity %d", line.ProductID, line.Quantity)
		}
		if totals[line.ProductID] > maxLineQuantity-line.Quantity {
			return nil, errors.Wrapf(ErrInvalidQuantity, "product %d: merged quantity exceeds %d", line.ProductID, maxLineQuantity)
		}
		totals[line.ProductID] += line.Quantity
	}
	out := make([]StockLine, 0, len(totals))
	for id, q := range totals {
		out = append(out, StockLine{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func stockLinesOfCart(lines []CartLine) []StockLine {
	out := make([]StockLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, StockLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}

func stockLinesOfSale(lines []SaleLineModel) []StockLine {
	out := make([]StockLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, StockLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}
