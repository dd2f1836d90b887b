package outbox

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher is the part of *kafka.Writer the relay needs.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay drains pending outbox rows to Kafka. It runs in its own process
// (cmd/outbox-relay); the engine itself never publishes.
type Relay struct {
	db        *gorm.DB
	publisher Publisher
	logger    *zap.Logger
	batchSize int
	interval  time.Duration
}

func NewRelay(db *gorm.DB, publisher Publisher, logger *zap.Logger, batchSize int, interval time.Duration) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{db: db, publisher: publisher, logger: logger, batchSize: batchSize, interval: interval}
}

// Flush publishes one batch and returns how many events were sent. Events are
// marked sent only after the broker acknowledged the whole batch, so a crash
// in between re-delivers rather than loses.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := FetchPending(ctx, r.db, r.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "fetch pending events")
	}
	if len(pending) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(pending))
	ids := make([]uint64, 0, len(pending))
	for _, rec := range pending {
		msgs = append(msgs, kafka.Message{
			Topic: rec.Topic,
			Key:   []byte(rec.Key),
			Value: rec.Payload,
			Headers: []kafka.Header{
				{Key: "event-id", Value: []byte(rec.EventID)},
			},
			Time: rec.CreatedAt,
		})
		ids = append(ids, rec.ID)
	}

	if err := r.publisher.WriteMessages(ctx, msgs...); err != nil {
		return 0, errors.Wrap(err, "publish events")
	}
	if err := MarkSent(ctx, r.db, ids, time.Now().UTC()); err != nil {
		return 0, errors.Wrap(err, "mark events sent")
	}
	return len(pending), nil
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Int("batch_size", r.batchSize), zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			for {
				n, err := r.Flush(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.logger.Error("outbox flush failed", zap.Error(err))
					break
				}
				if n > 0 {
					r.logger.Info("outbox events published", zap.Int("count", n))
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}
