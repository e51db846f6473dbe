package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/detection"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Re-runs detection over a seller's historic syncs. Runs inline, one sync
// at a time, so a backfill never competes with live traffic for queue slots.
func main() {
	sellerID := flag.String("seller-id", "", "Required: seller id")
	syncID := flag.String("sync-id", "", "Optional: single sync id (default: all syncs for the seller)")
	fromDateStr := flag.String("from", "", "Optional: only syncs finished on/after this date (YYYY-MM-DD)")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing syncs and continue")
	flag.Parse()

	if strings.TrimSpace(*sellerID) == "" {
		fmt.Fprintln(os.Stderr, "--seller-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	logger := logrus.New()

	var syncIds []string
	if strings.TrimSpace(*syncID) != "" {
		syncIds = []string{strings.TrimSpace(*syncID)}
	} else {
		q := db.Model(&models.SellerSyncRun{}).
			Where("seller_id = ?", *sellerID).
			Order("finished_at ASC")
		if strings.TrimSpace(*fromDateStr) != "" {
			d, err := time.Parse("2006-01-02", strings.TrimSpace(*fromDateStr))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid from date: %v\n", err)
				os.Exit(1)
			}
			q = q.Where("finished_at >= ?", d)
		}
		if err := q.Pluck("sync_id", &syncIds).Error; err != nil {
			fmt.Fprintf(os.Stderr, "listing syncs failed: %v\n", err)
			os.Exit(1)
		}
	}
	if len(syncIds) == 0 {
		fmt.Println("no syncs to backfill")
		return
	}

	queue := detection.NewJobQueue()
	orchestrator := detection.NewOrchestrator(db, queue, logger)
	ctx := context.Background()

	failed := 0
	for _, sync := range syncIds {
		job := models.DetectionJob{
			ID:            uuid.NewString(),
			SellerId:      *sellerID,
			SyncId:        sync,
			Priority:      models.JobPriorityLow,
			Status:        models.JobStatusPending,
			TriggeredBy:   models.SyncTriggeredBackfill,
			MaxAttempts:   1,
			EnqueuedAt:    time.Now(),
			CorrelationId: uuid.NewString(),
		}
		if err := db.Create(&job).Error; err != nil {
			fmt.Fprintf(os.Stderr, "creating job for sync %s failed: %v\n", sync, err)
			os.Exit(1)
		}
		_ = models.MarkJobProcessing(db, job.ID, "backfill", time.Now())

		summary, err := orchestrator.RunDetection(ctx, detection.QueuedJob{
			JobId:         job.ID,
			SellerId:      job.SellerId,
			SyncId:        job.SyncId,
			Priority:      job.Priority,
			Attempt:       1,
			CorrelationId: job.CorrelationId,
			TriggeredBy:   job.TriggeredBy,
		})
		if err != nil {
			failed++
			_ = models.MarkJobFailed(db, job.ID, err, time.Now())
			logger.WithFields(logrus.Fields{
				"field":     "detection-backfill",
				"seller_id": *sellerID,
				"sync_id":   sync,
			}).Error("backfill run failed: " + err.Error())
			if *continueOnError {
				continue
			}
			os.Exit(1)
		}
		_ = models.MarkJobCompleted(db, job.ID, summary, time.Now())
		fmt.Printf("sync %s: %d detections, %s %s\n", sync, summary.TotalDetections, summary.TotalEstimatedValue, summary.Currency)
	}

	fmt.Printf("backfill complete: %d syncs, %d failed\n", len(syncIds), failed)
}
