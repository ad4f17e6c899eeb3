package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tasker-run/tasker/internal/platform/logger"
)

// queueMessageRow is C2's private schema (spec §3: "not exposed to C1
// directly — C2 owns its schema").
type queueMessageRow struct {
	ID            uuid.UUID   `gorm:"type:uuid;default:uuid_generate_v4();primaryKey"`
	Kind          MessageKind `gorm:"column:kind;not null;index:ix_queue_dispatch"`
	Namespace     string      `gorm:"column:namespace;not null;index:ix_queue_dispatch"`
	Body          []byte      `gorm:"column:body;type:bytea"`
	DeliveryCount int         `gorm:"column:delivery_count;not null;default:0"`
	ReceiptHandle string      `gorm:"column:receipt_handle;index"`
	EnqueuedAt    time.Time   `gorm:"column:enqueued_at;not null;default:now();index:ix_queue_dispatch"`
	VisibleAt     time.Time   `gorm:"column:visible_at;not null;default:now();index:ix_queue_dispatch"`
	Archived      bool        `gorm:"column:archived;not null;default:false;index"`
}

func (queueMessageRow) TableName() string { return "queue_message" }

// PostgresQueue is the production Queue backed by a single table with
// the same claim idiom C1 uses for step claiming: SELECT ... FOR UPDATE
// SKIP LOCKED inside a transaction, then stamp a fresh receipt handle and
// visibility deadline on the rows that won the race.
type PostgresQueue struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresQueue(db *gorm.DB, logg *logger.Logger) *PostgresQueue {
	return &PostgresQueue{db: db, log: logg.With("component", "messaging.postgres")}
}

func (q *PostgresQueue) AutoMigrate() error {
	return q.db.AutoMigrate(&queueMessageRow{})
}

func (q *PostgresQueue) Send(ctx context.Context, kind MessageKind, namespace string, body []byte) (uuid.UUID, error) {
	row := queueMessageRow{
		Kind:      kind,
		Namespace: namespace,
		Body:      body,
		VisibleAt: time.Now(),
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, err
	}
	return row.ID, nil
}

func (q *PostgresQueue) Receive(ctx context.Context, kind MessageKind, namespace string, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	now := time.Now()
	nextVisible := now.Add(visibility)

	var out []Message
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []queueMessageRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("kind = ? AND namespace = ? AND archived = ? AND visible_at <= ?", kind, namespace, false, now).
			Order("enqueued_at ASC").
			Limit(max).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			handle := uuid.NewString()
			res := tx.Model(&queueMessageRow{}).
				Where("id = ?", rows[i].ID).
				Updates(map[string]interface{}{
					"receipt_handle": handle,
					"visible_at":     nextVisible,
					"delivery_count": gorm.Expr("delivery_count + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			rows[i].ReceiptHandle = handle
			rows[i].DeliveryCount++
			out = append(out, Message{
				ID:              rows[i].ID,
				Kind:            rows[i].Kind,
				Namespace:       rows[i].Namespace,
				Body:            rows[i].Body,
				DeliveryCount:   rows[i].DeliveryCount,
				EnqueuedAt:      rows[i].EnqueuedAt,
				VisibilityUntil: nextVisible,
				ReceiptHandle:   handle,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return errors.New("empty receipt handle")
	}
	return q.db.WithContext(ctx).
		Where("receipt_handle = ?", receiptHandle).
		Delete(&queueMessageRow{}).Error
}

func (q *PostgresQueue) Nack(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return errors.New("empty receipt handle")
	}
	return q.db.WithContext(ctx).
		Model(&queueMessageRow{}).
		Where("receipt_handle = ?", receiptHandle).
		Update("visible_at", time.Now()).Error
}

func (q *PostgresQueue) Archive(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return errors.New("empty receipt handle")
	}
	return q.db.WithContext(ctx).
		Model(&queueMessageRow{}).
		Where("receipt_handle = ?", receiptHandle).
		Update("archived", true).Error
}

func (q *PostgresQueue) Stats(ctx context.Context, kind MessageKind, namespace string) (QueueStats, error) {
	var stats QueueStats
	var depth int64
	if err := q.db.WithContext(ctx).Model(&queueMessageRow{}).
		Where("kind = ? AND namespace = ? AND archived = ?", kind, namespace, false).
		Count(&depth).Error; err != nil {
		return stats, err
	}
	stats.Depth = int(depth)

	var oldest queueMessageRow
	err := q.db.WithContext(ctx).
		Where("kind = ? AND namespace = ? AND archived = ?", kind, namespace, false).
		Order("enqueued_at ASC").
		Limit(1).
		Find(&oldest).Error
	if err != nil {
		return stats, err
	}
	if oldest.ID != uuid.Nil {
		stats.OldestAge = time.Since(oldest.EnqueuedAt)
	}

	var inFlight int64
	if err := q.db.WithContext(ctx).Model(&queueMessageRow{}).
		Where("kind = ? AND namespace = ? AND archived = ? AND delivery_count > 0 AND visible_at > ?", kind, namespace, false, time.Now()).
		Count(&inFlight).Error; err != nil {
		return stats, err
	}
	stats.InFlight = int(inFlight)

	return stats, nil
}
