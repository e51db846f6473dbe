package detection

import (
	"context"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultRunTimeout  = 5 * time.Minute
	DefaultWorkerCount = 4
	DefaultFetchFanout = 4

	sellerLockTTL = 6 * time.Minute
)

type datasetFetcher func(ctx context.Context, db *gorm.DB, sellerId, syncId string, concurrency int) (*Dataset, error)
type resultWriter func(ctx context.Context, sellerId string, results []models.DetectionResult, completed config.DetectionCompletedMessage) error

// Orchestrator owns the run lifecycle: admission, per-seller locking,
// dataset load, detector fan-out, calibration, persistence, notification.
type Orchestrator struct {
	DB         *gorm.DB
	Queue      *JobQueue
	Calibrator *Calibrator
	Locker     *redislock.Client
	Logger     *logrus.Logger

	Workers    int
	RunTimeout time.Duration
	WorkerId   string

	// Replaced in tests to run the pipeline without a database.
	fetchDataset datasetFetcher
	writeResults resultWriter
}

func NewOrchestrator(db *gorm.DB, queue *JobQueue, logger *logrus.Logger) *Orchestrator {
	host, _ := os.Hostname()
	o := &Orchestrator{
		DB:         db,
		Queue:      queue,
		Logger:     logger,
		Locker:     config.GetRedisLock(),
		Workers:    DefaultWorkerCount,
		RunTimeout: DefaultRunTimeout,
		WorkerId:   host,
	}
	o.Calibrator = NewCalibrator(func(ctx context.Context, t models.AnomalyType) (*models.CalibrationStat, error) {
		return models.GetCalibrationStat(ctx, db, t)
	}, logger)
	o.fetchDataset = FetchDataset
	o.writeResults = o.persistRun
	return o
}

// EnqueueRun records a job row and admits it to the in-process queue. A
// saturated queue marks the job failed immediately; low-priority work is
// shed, never parked.
func (o *Orchestrator) EnqueueRun(ctx context.Context, msg config.DetectionTriggerMessage) (*models.DetectionJob, error) {
	priority := models.ParseJobPriority(msg.Priority)
	job := models.DetectionJob{
		ID:            uuid.NewString(),
		SellerId:      msg.SellerId,
		SyncId:        msg.SyncId,
		Priority:      priority,
		Status:        models.JobStatusPending,
		TriggeredBy:   msg.TriggeredBy,
		MaxAttempts:   3,
		EnqueuedAt:    time.Now(),
		CorrelationId: msg.CorrelationId,
	}
	if job.CorrelationId == "" {
		job.CorrelationId = uuid.NewString()
	}
	if err := o.DB.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	if err := models.MarkSyncDetectionRunning(o.DB.WithContext(ctx), job.SellerId, job.SyncId, job.ID); err != nil {
		config.LogError(o.Logger, "Orchestrator", "EnqueueRun", "mark sync detection running", job.SyncId, err)
	}

	err := o.Queue.Enqueue(QueuedJob{
		JobId:         job.ID,
		SellerId:      job.SellerId,
		SyncId:        job.SyncId,
		Priority:      priority,
		Attempt:       1,
		CorrelationId: job.CorrelationId,
		TriggeredBy:   job.TriggeredBy,
	})
	if err != nil {
		o.Logger.WithFields(logrus.Fields{
			"field":     "Orchestrator",
			"job_id":    job.ID,
			"seller_id": job.SellerId,
			"priority":  priority,
		}).Warn("queue saturated, dropping detection job")
		_ = models.MarkJobFailed(o.DB.WithContext(ctx), job.ID, err, time.Now())
		if dbErr := models.MarkSyncDetectionDegraded(o.DB.WithContext(ctx), job.SellerId, job.SyncId, err, time.Now()); dbErr != nil {
			config.LogError(o.Logger, "Orchestrator", "EnqueueRun", "mark sync degraded", job.SyncId, dbErr)
		}
		return &job, err
	}
	return &job, nil
}

// RunNow executes a trigger inline on the caller's goroutine, bypassing the
// queue. Single attempt: synchronous callers handle their own retries.
func (o *Orchestrator) RunNow(ctx context.Context, msg config.DetectionTriggerMessage) (*models.DetectionJob, models.JobResultsSummary, error) {
	priority := models.ParseJobPriority(msg.Priority)
	job := models.DetectionJob{
		ID:            uuid.NewString(),
		SellerId:      msg.SellerId,
		SyncId:        msg.SyncId,
		Priority:      priority,
		Status:        models.JobStatusPending,
		TriggeredBy:   msg.TriggeredBy,
		MaxAttempts:   1,
		EnqueuedAt:    time.Now(),
		CorrelationId: msg.CorrelationId,
	}
	if job.CorrelationId == "" {
		job.CorrelationId = uuid.NewString()
	}
	if err := o.DB.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, models.JobResultsSummary{}, err
	}
	if err := models.MarkSyncDetectionRunning(o.DB.WithContext(ctx), job.SellerId, job.SyncId, job.ID); err != nil {
		config.LogError(o.Logger, "Orchestrator", "RunNow", "mark sync detection running", job.SyncId, err)
	}
	if err := models.MarkJobProcessing(o.DB, job.ID, o.WorkerId, time.Now()); err != nil {
		config.LogError(o.Logger, "Orchestrator", "RunNow", "mark job processing", job.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.RunTimeout)
	defer cancel()
	summary, err := o.RunDetection(runCtx, QueuedJob{
		JobId:         job.ID,
		SellerId:      job.SellerId,
		SyncId:        job.SyncId,
		Priority:      priority,
		Attempt:       1,
		CorrelationId: job.CorrelationId,
		TriggeredBy:   job.TriggeredBy,
	})
	if err != nil {
		_ = models.MarkJobFailed(o.DB, job.ID, err, time.Now())
		if dbErr := models.MarkSyncDetectionDegraded(o.DB, job.SellerId, job.SyncId, err, time.Now()); dbErr != nil {
			config.LogError(o.Logger, "Orchestrator", "RunNow", "mark sync degraded", job.SyncId, dbErr)
		}
		config.MetricJobsProcessed.WithLabelValues("failed").Inc()
		return &job, summary, err
	}
	if dbErr := models.MarkJobCompleted(o.DB, job.ID, summary, time.Now()); dbErr != nil {
		config.LogError(o.Logger, "Orchestrator", "RunNow", "mark job completed", job.ID, dbErr)
	}
	if dbErr := models.MarkSyncDetectionCompleted(o.DB, job.SellerId, job.SyncId, time.Now()); dbErr != nil {
		config.LogError(o.Logger, "Orchestrator", "RunNow", "mark sync completed", job.SyncId, dbErr)
	}
	config.MetricJobsProcessed.WithLabelValues("completed").Inc()
	return &job, summary, nil
}

// Start launches the worker pool. Blocks until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		o.Queue.Close()
		close(stop)
	}()

	done := make(chan struct{}, o.Workers)
	for i := 0; i < o.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				job, ok := o.Queue.Dequeue(stop)
				if !ok {
					return
				}
				o.process(ctx, job)
			}
		}()
	}
	for i := 0; i < o.Workers; i++ {
		<-done
	}
}

func (o *Orchestrator) process(ctx context.Context, job QueuedJob) {
	logger := o.Logger.WithFields(logrus.Fields{
		"field":          "Orchestrator",
		"job_id":         job.JobId,
		"seller_id":      job.SellerId,
		"sync_id":        job.SyncId,
		"attempt":        job.Attempt,
		"correlation_id": job.CorrelationId,
	})

	if err := models.MarkJobProcessing(o.DB, job.JobId, o.WorkerId, time.Now()); err != nil {
		config.LogError(o.Logger, "Orchestrator", "process", "mark job processing", job.JobId, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.RunTimeout)
	summary, err := o.RunDetection(runCtx, job)
	cancel()

	if err == nil {
		if dbErr := models.MarkJobCompleted(o.DB, job.JobId, summary, time.Now()); dbErr != nil {
			config.LogError(o.Logger, "Orchestrator", "process", "mark job completed", job.JobId, dbErr)
		}
		if dbErr := models.MarkSyncDetectionCompleted(o.DB, job.SellerId, job.SyncId, time.Now()); dbErr != nil {
			config.LogError(o.Logger, "Orchestrator", "process", "mark sync completed", job.SyncId, dbErr)
		}
		config.MetricJobsProcessed.WithLabelValues("completed").Inc()
		logger.WithFields(logrus.Fields{
			"total_detections": summary.TotalDetections,
			"total_value":      summary.TotalEstimatedValue,
			"duration_ms":      summary.DurationMs,
		}).Info("detection run completed")
		return
	}

	if job.Attempt >= o.maxAttempts(job) {
		_ = models.MarkJobFailed(o.DB, job.JobId, err, time.Now())
		if dbErr := models.MarkSyncDetectionDegraded(o.DB, job.SellerId, job.SyncId, err, time.Now()); dbErr != nil {
			config.LogError(o.Logger, "Orchestrator", "process", "mark sync degraded", job.SyncId, dbErr)
		}
		config.MetricJobsProcessed.WithLabelValues("failed").Inc()
		config.LogError(o.Logger, "Orchestrator", "process", "detection run exhausted retries", job.JobId, err)
		return
	}

	retry := job
	retry.Attempt++
	delay := o.Queue.Requeue(retry)
	if dbErr := models.MarkJobRetrying(o.DB, job.JobId, err, time.Now().Add(delay)); dbErr != nil {
		config.LogError(o.Logger, "Orchestrator", "process", "mark job retrying", job.JobId, dbErr)
	}
	config.MetricJobsProcessed.WithLabelValues("retrying").Inc()
	logger.WithField("retry_in", delay.String()).Warn("detection run failed, retrying: " + err.Error())
}

func (o *Orchestrator) maxAttempts(job QueuedJob) int {
	if o.DB != nil {
		if row, err := models.GetDetectionJob(o.DB, job.JobId); err == nil && row.MaxAttempts > 0 {
			return row.MaxAttempts
		}
	}
	return 3
}

// RunDetection executes one full pipeline pass for a seller+sync. Runs for
// the same seller are serialized with a redis lock so two workers cannot
// interleave writes for one seller.
func (o *Orchestrator) RunDetection(ctx context.Context, job QueuedJob) (models.JobResultsSummary, error) {
	started := time.Now()
	var summary models.JobResultsSummary

	if o.Locker != nil {
		lock, err := o.Locker.Obtain(ctx, "detection:seller:"+job.SellerId, sellerLockTTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(500*time.Millisecond), 20),
		})
		if err != nil {
			return summary, err
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	data, err := o.fetchDataset(ctx, o.DB, job.SellerId, job.SyncId, DefaultFetchFanout)
	if err != nil {
		return summary, err
	}
	if data.AsOf.IsZero() {
		data.AsOf = started
	}
	if data.Currency == "" {
		data.Currency = "USD"
	}

	run := RunContext{
		SellerId:      job.SellerId,
		SyncId:        job.SyncId,
		CorrelationId: job.CorrelationId,
		Now:           data.AsOf,
		Currency:      data.Currency,
		AutoFilingOn:  config.AutoFilingEnabled(),
		Logger:        o.Logger,
	}

	var results []models.DetectionResult
	for _, spec := range Registry() {
		found, err := spec.Detect(run, data)
		if err != nil {
			// Systemic detector failure fails the whole run, no partial writes.
			return summary, err
		}
		results = append(results, found...)
	}

	if config.CalibrationEnabled() {
		o.calibrate(ctx, run, results)
	}

	summary = summarize(results, data.Currency, time.Since(started))

	completed := config.DetectionCompletedMessage{
		SellerId:            job.SellerId,
		SyncId:              job.SyncId,
		JobId:               job.JobId,
		TotalDetections:     summary.TotalDetections,
		TotalEstimatedValue: summary.TotalEstimatedValue,
		Currency:            summary.Currency,
		CompletedAt:         time.Now().UTC(),
		CorrelationId:       job.CorrelationId,
	}
	if err := o.writeResults(ctx, job.SellerId, results, completed); err != nil {
		return summary, err
	}

	for _, r := range results {
		config.MetricDetectionsFound.WithLabelValues(string(r.AnomalyType), string(r.Severity)).Inc()
	}
	config.MetricRunDuration.Observe(time.Since(started).Seconds())
	return summary, nil
}

// calibrate rewrites confidence in place, preserving the raw score and the
// calibration inputs in the evidence payload for audit.
func (o *Orchestrator) calibrate(ctx context.Context, run RunContext, results []models.DetectionResult) {
	for i := range results {
		r := &results[i]
		outcome := o.Calibrator.Calibrate(ctx, r.AnomalyType, r.ConfidenceScore)
		if outcome.CalibratedConfidence == r.ConfidenceScore && outcome.SampleSize == 0 {
			continue
		}
		evidence, err := r.Evidence()
		if err != nil {
			config.LogError(o.Logger, "Orchestrator", "calibrate", "decode evidence", r.DedupeKey, err)
			continue
		}
		evidence.CalibrationFactor = outcome.CalibrationFactor
		evidence.HistoricalApprovalRate = outcome.HistoricalApprovalRate
		evidence.CalibrationSampleSize = outcome.SampleSize
		if err := r.SetEvidence(evidence); err != nil {
			config.LogError(o.Logger, "Orchestrator", "calibrate", "encode evidence", r.DedupeKey, err)
			continue
		}
		r.ConfidenceScore = outcome.CalibratedConfidence
		r.RecommendedAction = actionFor(r.ConfidenceScore, run.AutoFilingOn)
	}
}

// persistRun stores the batch and queues the completion notification in the
// same transaction, so a notification is never sent for unsaved results.
func (o *Orchestrator) persistRun(ctx context.Context, sellerId string, results []models.DetectionResult, completed config.DetectionCompletedMessage) error {
	return o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.UpsertDetectionResults(tx, results); err != nil {
			return err
		}
		return models.EnqueueNotification(ctx, tx, sellerId, models.OutboxEventDetectionCompleted, completed)
	})
}

func summarize(results []models.DetectionResult, currency string, elapsed time.Duration) models.JobResultsSummary {
	total := decimal.Zero
	bySeverity := map[string]int{}
	byType := map[string]int{}
	for _, r := range results {
		total = total.Add(r.EstimatedValue)
		bySeverity[string(r.Severity)]++
		byType[string(r.AnomalyType)]++
	}
	return models.JobResultsSummary{
		TotalDetections:     len(results),
		TotalEstimatedValue: utils.RoundForDisplay(total).String(),
		Currency:            currency,
		BySeverity:          bySeverity,
		ByAnomalyType:       byType,
		DurationMs:          elapsed.Milliseconds(),
	}
}

// ReplayFailedJobs re-admits replayable failed jobs, used by the ops
// endpoint after an incident.
func (o *Orchestrator) ReplayFailedJobs(ctx context.Context, sellerId string, limit int) (int, error) {
	jobs, err := models.ListReplayableJobs(o.DB.WithContext(ctx), sellerId, limit)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, j := range jobs {
		if err := o.DB.WithContext(ctx).Model(&models.DetectionJob{}).
			Where("id = ?", j.ID).
			Updates(map[string]interface{}{"status": models.JobStatusPending, "attempts": 0, "last_error": nil}).Error; err != nil {
			return replayed, err
		}
		if err := o.Queue.Enqueue(QueuedJob{
			JobId:         j.ID,
			SellerId:      j.SellerId,
			SyncId:        j.SyncId,
			Priority:      j.Priority,
			Attempt:       1,
			CorrelationId: j.CorrelationId,
			TriggeredBy:   models.SyncTriggeredRetry,
		}); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
