package sales

import (
	"context"

	"gorm.io/gorm"
)

// SaleCompensator undoes a completed sale: stock comes back line by line and
// the sale is marked CANCELLED, both on the caller's transaction.
type SaleCompensator struct {
	stock *StockLedger
	sales *SaleRecorder
}

func NewSaleCompensator(stock *StockLedger, sales *SaleRecorder) *SaleCompensator {
	return &SaleCompensator{stock: stock, sales: sales}
}

// ReverseSale restores the exact quantity of every line and cancels the sale.
// A sale that is not COMPLETED is rejected before any stock moves, so a sale
// is never restored twice.
func (c *SaleCompensator) ReverseSale(ctx context.Context, tx *gorm.DB, saleID uint64) (*Sale, error) {
	header, err := c.sales.lock(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if !header.Status.CanTransitionTo(SaleCancelled) {
		return nil, &InvalidStateError{Entity: "sale", ID: saleID, Current: string(header.Status), Target: string(SaleCancelled)}
	}

	lines, err := c.sales.lines(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		if err := c.stock.Increment(ctx, tx, stockLinesOfSale(lines)); err != nil {
			return nil, err
		}
	}
	if err := c.sales.MarkCancelled(ctx, tx, saleID); err != nil {
		return nil, err
	}

	return c.sales.GetByID(ctx, tx, saleID)
}
