package detection

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher drains the notification outbox to Pub/Sub. Rows are
// claimed with SKIP LOCKED so multiple replicas can run it concurrently.
type OutboxDispatcher struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	WorkerID    string
	BatchSize   int
	Interval    time.Duration
	LockTTL     time.Duration
	MaxAttempts int

	publish func(ctx context.Context, msg config.DetectionCompletedMessage) (string, error)
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:          db,
		Logger:      logger,
		WorkerID:    "dispatcher-" + time.Now().Format("20060102-150405.000"),
		BatchSize:   50,
		Interval:    2 * time.Second,
		LockTTL:     30 * time.Second,
		MaxAttempts: 8,
		publish:     config.PublishDetectionCompletedWithResult,
	}
}

func shouldRunOutboxDispatcher() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DISPATCHER")))
	return val != "false"
}

func (p *OutboxDispatcher) Run(ctx context.Context) {
	if p == nil || p.DB == nil || !shouldRunOutboxDispatcher() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *OutboxDispatcher) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.NotificationOutboxRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("publish_status IN ?", []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if err := tx.Model(&models.NotificationOutboxRecord{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"publish_status": models.OutboxPublishStatusProcessing,
					"locked_at":      &now,
					"locked_by":      &p.WorkerID,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		p.dispatch(ctx, rec)
	}
}

func (p *OutboxDispatcher) dispatch(ctx context.Context, rec models.NotificationOutboxRecord) {
	var msg config.DetectionCompletedMessage
	if err := json.Unmarshal(rec.Payload, &msg); err != nil {
		p.markDead(ctx, rec.ID, err)
		return
	}

	messageId, err := p.publish(ctx, msg)
	if err != nil {
		attempts := rec.PublishAttempts + 1
		if attempts >= p.MaxAttempts {
			p.markDead(ctx, rec.ID, err)
			config.LogError(p.Logger, "OutboxDispatcher", "dispatch", "notification dead after retries", rec.ID, err)
			return
		}
		delay := outboxBackoff(attempts)
		next := time.Now().UTC().Add(delay)
		errMsg := err.Error()
		_ = p.DB.WithContext(ctx).Model(&models.NotificationOutboxRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"publish_attempts":   attempts,
				"last_publish_error": &errMsg,
				"next_attempt_at":    &next,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":     "OutboxDispatcher",
				"record_id": rec.ID,
				"seller_id": rec.SellerId,
				"attempts":  attempts,
				"retry_in":  delay.String(),
			}).Warn("publish failed: " + errMsg)
		}
		return
	}

	publishedAt := time.Now().UTC()
	_ = p.DB.WithContext(ctx).Model(&models.NotificationOutboxRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &publishedAt,
			"pub_sub_message_id": &messageId,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

func (p *OutboxDispatcher) markDead(ctx context.Context, id int, cause error) {
	msg := cause.Error()
	_ = p.DB.WithContext(ctx).Model(&models.NotificationOutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusDead,
			"last_publish_error": &msg,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

// outboxBackoff is 10s * 2^(attempt-1) capped at 10 minutes.
func outboxBackoff(attempt int) time.Duration {
	delay := 10 * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return delay
}
