package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Record is one event waiting to be published. Rows are written in the same
// transaction as the state change they describe.
type Record struct {
	ID        uint64     `gorm:"primaryKey"`
	EventID   string     `gorm:"size:36;not null;uniqueIndex"`
	Topic     string     `gorm:"size:128;not null"`
	Key       string     `gorm:"size:128;not null"`
	Payload   []byte     `gorm:"not null"`
	CreatedAt time.Time  `gorm:"not null"`
	SentAt    *time.Time `gorm:"index"`
}

func (Record) TableName() string {
	return "outbox_events"
}

// Insert stores payload as a pending event on tx, created at the given time.
func Insert(ctx context.Context, tx *gorm.DB, topic, key string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s event", topic)
	}
	rec := Record{
		EventID:   uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   data,
		CreatedAt: at.UTC(),
	}
	if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.Wrapf(err, "insert %s event", topic)
	}
	return nil
}

// FetchPending returns up to limit unsent events, oldest first.
func FetchPending(ctx context.Context, db *gorm.DB, limit int) ([]Record, error) {
	var out []Record
	err := db.WithContext(ctx).
		Where("sent_at IS NULL").
		Order("id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkSent flags the events with the given ids as published.
func MarkSent(ctx context.Context, db *gorm.DB, ids []uint64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&Record{}).
		Where("id IN ?", ids).
		Update("sent_at", at).Error
}
