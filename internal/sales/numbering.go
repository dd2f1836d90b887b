package sales

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const bumpSequenceSQL = `UPDATE invoice_sequences SET last_value = last_value + 1, updated_at = ? WHERE period = ?`

// InvoiceNumberGenerator hands out invoice numbers per period. Numbers are
// serialized by the write lock the UPDATE takes on the period's counter row,
// held until the caller's transaction ends.
type InvoiceNumberGenerator struct {
	clock func() time.Time
}

func NewInvoiceNumberGenerator(clock func() time.Time) *InvoiceNumberGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &InvoiceNumberGenerator{clock: clock}
}

// Next reserves the next sequence of period and returns the formatted number
// with its sequence. The sequence is never below the highest one already
// issued in the period, even if the counter row was lost or reset.
func (g *InvoiceNumberGenerator) Next(ctx context.Context, tx *gorm.DB, period Period) (string, int, error) {
	key := period.String()
	db := tx.WithContext(ctx)
	now := g.clock().UTC()

	res := db.Exec(bumpSequenceSQL, now, key)
	if res.Error != nil {
		return "", 0, errors.Wrapf(res.Error, "bump invoice sequence %s", key)
	}
	if res.RowsAffected == 0 {
		// First invoice of the period. A concurrent creator wins the insert
		// and this one falls through to the UPDATE, which waits for it.
		err := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&InvoiceSequenceModel{Period: key, LastValue: 0, UpdatedAt: now}).Error
		if err != nil {
			return "", 0, errors.Wrapf(err, "create invoice sequence %s", key)
		}
		res = db.Exec(bumpSequenceSQL, now, key)
		if res.Error != nil {
			return "", 0, errors.Wrapf(res.Error, "bump invoice sequence %s", key)
		}
		if res.RowsAffected == 0 {
			// Deleted between the insert and the bump; the next attempt
			// recreates it.
			return "", 0, &TransientError{Op: "next invoice number", Err: errors.Errorf("invoice sequence %s vanished", key)}
		}
	}

	var counter int
	err := db.Model(&InvoiceSequenceModel{}).
		Select("last_value").
		Where("period = ?", key).
		Scan(&counter).Error
	if err != nil {
		return "", 0, errors.Wrapf(err, "read invoice sequence %s", key)
	}

	var highest int
	err = db.Model(&InvoiceModel{}).
		Select("COALESCE(MAX(sequence), 0)").
		Where("period = ?", key).
		Scan(&highest).Error
	if err != nil {
		return "", 0, errors.Wrapf(err, "read highest invoice of %s", key)
	}

	seq := counter
	if highest >= seq {
		seq = highest + 1
		err = db.Model(&InvoiceSequenceModel{}).
			Where("period = ?", key).
			Update("last_value", seq).Error
		if err != nil {
			return "", 0, errors.Wrapf(err, "realign invoice sequence %s", key)
		}
	}
	return FormatInvoiceNumber(period, seq), seq, nil
}
