package models

import (
	"time"

	"gorm.io/gorm"
)

// SellerSyncRun is the ingestion-side sync record the detection engine
// annotates. Detection failure degrades the run, never aborts it.
type SellerSyncRun struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	SellerId           string     `gorm:"index:idx_sync_seller,priority:1;size:64;not null" json:"seller_id"`
	SyncId             string     `gorm:"uniqueIndex:uniq_sync_run;size:64;not null" json:"sync_id"`
	Status             string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy        string     `gorm:"size:20" json:"triggered_by"`
	RecordsSynced      int        `json:"records_synced"`
	DetectionStatus    string     `gorm:"size:20;default:'pending';index" json:"detection_status"`
	DetectionJobId     *string    `gorm:"size:36" json:"detection_job_id"`
	DetectionRunAt     *time.Time `json:"detection_run_at"`
	DetectionLastError *string    `gorm:"type:text" json:"detection_last_error"`
	StartedAt          *time.Time `json:"started_at"`
	FinishedAt         *time.Time `gorm:"index" json:"finished_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func MarkSyncDetectionRunning(db *gorm.DB, sellerId, syncId, jobId string) error {
	return db.Model(&SellerSyncRun{}).
		Where("seller_id = ? AND sync_id = ?", sellerId, syncId).
		Updates(map[string]interface{}{
			"detection_status": SyncDetectionStatusRunning,
			"detection_job_id": &jobId,
		}).Error
}

func MarkSyncDetectionCompleted(db *gorm.DB, sellerId, syncId string, now time.Time) error {
	return db.Model(&SellerSyncRun{}).
		Where("seller_id = ? AND sync_id = ?", sellerId, syncId).
		Updates(map[string]interface{}{
			"detection_status":     SyncDetectionStatusCompleted,
			"detection_run_at":     &now,
			"detection_last_error": nil,
		}).Error
}

// MarkSyncDetectionDegraded records exhausted detection retries. The sync
// itself stays whatever status ingestion gave it.
func MarkSyncDetectionDegraded(db *gorm.DB, sellerId, syncId string, runErr error, now time.Time) error {
	msg := runErr.Error()
	return db.Model(&SellerSyncRun{}).
		Where("seller_id = ? AND sync_id = ?", sellerId, syncId).
		Updates(map[string]interface{}{
			"detection_status":     SyncDetectionStatusDegraded,
			"detection_run_at":     &now,
			"detection_last_error": &msg,
		}).Error
}
