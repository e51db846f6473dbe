package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/detection"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

var (
	sellerMutexMap = make(map[string]*sync.Mutex)
	globalMutex    = &sync.Mutex{}
)

// RunDetectionSubscriber consumes sync-completed triggers from the pull
// subscription. The push endpoint (/pubsub) covers Cloud Run; this covers
// environments with a long-lived process.
func RunDetectionSubscriber(ctx context.Context, logger *logrus.Logger, orchestrator *detection.Orchestrator) {
	if os.Getenv("PUBSUB_SUBSCRIPTION") == "" {
		return
	}
	client, err := config.GetClient(ctx)
	if err != nil {
		config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "pubsub client", nil, err)
		return
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "create topic", nil, err)
		return
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "create subscription", nil, err)
		return
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.DetectionTriggerMessage{}
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "Unmarshaling pubsub message", msg.Data, err)
			// Poison message, drop.
			msg.Ack()
			return
		}
		if m.SellerId == "" || m.SyncId == "" {
			config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "missing seller_id/sync_id", m, nil)
			msg.Ack()
			return
		}

		// Get or create the mutex for the current SellerId
		globalMutex.Lock()
		mutex, exists := sellerMutexMap[m.SellerId]
		if !exists {
			mutex = &sync.Mutex{}
			sellerMutexMap[m.SellerId] = mutex
		}
		globalMutex.Unlock()

		// Lock the specific seller mutex
		mutex.Lock()
		defer mutex.Unlock()

		if m.CorrelationId == "" {
			m.CorrelationId = msg.ID
		}
		if m.TriggeredBy == "" {
			m.TriggeredBy = models.SyncTriggeredSync
		}

		db := config.GetDB()
		skip, err := detection.BeginIdempotency(db, m.SellerId, "detection_trigger", msg.ID)
		if err != nil {
			if errors.Is(err, detection.ErrIdempotencyInProgress) {
				msg.Nack()
				return
			}
			config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "begin idempotency", msg.ID, err)
			msg.Nack()
			return
		}
		if skip {
			msg.Ack()
			return
		}

		procCtx := utils.SetSellerIdInContext(ctx, m.SellerId)
		procCtx = utils.SetSyncIdInContext(procCtx, m.SyncId)
		procCtx = utils.SetCorrelationIdInContext(procCtx, m.CorrelationId)

		if _, err := orchestrator.EnqueueRun(procCtx, m); err != nil {
			_ = detection.MarkIdempotencyFailed(db, m.SellerId, "detection_trigger", msg.ID, err)
			if errors.Is(err, utils.ErrQueueSaturated) && m.Priority == string(models.JobPriorityLow) {
				logger.WithFields(logrus.Fields{
					"field":          "DetectionSubscriber",
					"seller_id":      m.SellerId,
					"sync_id":        m.SyncId,
					"message_id":     msg.ID,
					"correlation_id": m.CorrelationId,
				}).Warn("low-priority trigger dropped, queue saturated")
				msg.Ack()
				return
			}
			logger.WithFields(logrus.Fields{
				"field":          "DetectionSubscriber",
				"seller_id":      m.SellerId,
				"sync_id":        m.SyncId,
				"message_id":     msg.ID,
				"correlation_id": m.CorrelationId,
			}).Error("trigger processing failed: " + err.Error())
			msg.Nack()
			return
		}

		if err := detection.MarkIdempotencySucceeded(db, m.SellerId, "detection_trigger", msg.ID); err != nil {
			config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "mark idempotency succeeded", msg.ID, err)
		}
		msg.Ack()
	}

	if err := sub.Receive(ctx, callback); err != nil {
		config.LogError(logger, "detectionWorker.go", "RunDetectionSubscriber", "Failed to receive messages", nil, err)
	}
}
