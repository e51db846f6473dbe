package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// DetectionJob is the orchestration unit for one seller+sync run. The
// orchestrator exclusively mutates status/attempts; detectors never see it.
type DetectionJob struct {
	ID            string      `gorm:"size:36;primary_key" json:"id"` // uuid
	SellerId      string      `gorm:"index:idx_job_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId        string      `gorm:"index:idx_job_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	Priority      JobPriority `gorm:"size:10;not null" json:"priority"`
	Status        JobStatus   `gorm:"size:15;not null;index" json:"status"`
	TriggeredBy   string      `gorm:"size:20" json:"triggered_by"`
	Attempts      int         `gorm:"default:0" json:"attempts"`
	MaxAttempts   int         `gorm:"default:3" json:"max_attempts"`
	PayloadJSON   []byte      `gorm:"type:json" json:"payload"`
	SummaryJSON   []byte      `gorm:"type:json" json:"results_summary"`
	LastError     *string     `gorm:"type:text" json:"last_error"`
	NextAttemptAt *time.Time  `gorm:"index" json:"next_attempt_at"`
	LockedAt      *time.Time  `json:"locked_at"`
	LockedBy      *string     `gorm:"size:64" json:"locked_by"`
	EnqueuedAt    time.Time   `gorm:"not null" json:"enqueued_at"`
	StartedAt     *time.Time  `json:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at"`
	CorrelationId string      `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// JobResultsSummary is stored on completion and returned by the status API.
type JobResultsSummary struct {
	TotalDetections     int            `json:"total_detections"`
	TotalEstimatedValue string         `json:"total_estimated_value"`
	Currency            string         `json:"currency"`
	BySeverity          map[string]int `json:"by_severity"`
	ByAnomalyType       map[string]int `json:"by_anomaly_type"`
	DurationMs          int64          `json:"duration_ms"`
}

func (j *DetectionJob) SetSummary(s JobResultsSummary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	j.SummaryJSON = b
	return nil
}

func (j *DetectionJob) Summary() (JobResultsSummary, bool) {
	var s JobResultsSummary
	if len(j.SummaryJSON) == 0 {
		return s, false
	}
	if err := json.Unmarshal(j.SummaryJSON, &s); err != nil {
		return s, false
	}
	return s, true
}

// Progress is a coarse indicator for the status API.
func (j *DetectionJob) Progress() int {
	switch j.Status {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 50
	case JobStatusCompleted, JobStatusFailed:
		return 100
	default:
		return 0
	}
}

func GetDetectionJob(db *gorm.DB, id string) (*DetectionJob, error) {
	var job DetectionJob
	if err := db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func MarkJobProcessing(db *gorm.DB, id string, workerId string, now time.Time) error {
	return db.Model(&DetectionJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          JobStatusProcessing,
			"attempts":        gorm.Expr("attempts + 1"),
			"locked_at":       &now,
			"locked_by":       &workerId,
			"started_at":      &now,
			"next_attempt_at": nil,
		}).Error
}

func MarkJobCompleted(db *gorm.DB, id string, summary JobResultsSummary, now time.Time) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return db.Model(&DetectionJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          JobStatusCompleted,
			"summary_json":    b,
			"finished_at":     &now,
			"last_error":      nil,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
}

// MarkJobRetrying records a failed attempt with its backoff deadline. The
// job stays pending so a status query reflects that work is still owed.
func MarkJobRetrying(db *gorm.DB, id string, runErr error, nextAttemptAt time.Time) error {
	msg := runErr.Error()
	return db.Model(&DetectionJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          JobStatusPending,
			"last_error":      &msg,
			"next_attempt_at": &nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

func MarkJobFailed(db *gorm.DB, id string, runErr error, now time.Time) error {
	msg := runErr.Error()
	return db.Model(&DetectionJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          JobStatusFailed,
			"last_error":      &msg,
			"finished_at":     &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
}

// ListReplayableJobs returns failed jobs for the internal ops replay
// endpoint.
func ListReplayableJobs(db *gorm.DB, sellerId string, limit int) ([]DetectionJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.Where("status = ?", JobStatusFailed)
	if sellerId != "" {
		q = q.Where("seller_id = ?", sellerId)
	}
	var jobs []DetectionJob
	err := q.Order("updated_at ASC").Limit(limit).Find(&jobs).Error
	return jobs, err
}
