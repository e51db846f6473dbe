package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const OutboxEventDetectionCompleted = "detection_completed"

// NotificationOutboxRecord implements the transactional outbox: written in
// the same transaction as the detection batch, published asynchronously by
// the dispatcher after commit.
type NotificationOutboxRecord struct {
	ID               int        `gorm:"primary_key" json:"id"`
	SellerId         string     `gorm:"index;size:64;not null" json:"seller_id"`
	EventType        string     `gorm:"size:40;not null" json:"event_type"`
	Payload          []byte     `gorm:"type:json" json:"payload"`
	PublishStatus    string     `gorm:"size:15;not null;index;default:'PENDING'" json:"publish_status"`
	PublishAttempts  int        `gorm:"default:0" json:"publish_attempts"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	NextAttemptAt    *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:64" json:"pub_sub_message_id"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// EnqueueNotification writes the outbox row inside the caller's transaction.
// It never publishes directly.
func EnqueueNotification(ctx context.Context, tx *gorm.DB, sellerId, eventType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := NotificationOutboxRecord{
		SellerId:      sellerId,
		EventType:     eventType,
		Payload:       b,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: CorrelationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func CorrelationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
