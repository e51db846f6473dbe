package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/detection"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var tracer = otel.Tracer("sellerguard-detection")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

type detectionRunRequest struct {
	SellerId    string `json:"seller_id" validate:"required,max=64"`
	SyncId      string `json:"sync_id" validate:"required,max=64"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	TriggeredBy string `json:"triggered_by" validate:"omitempty,oneof=manual sync retry backfill"`
}

// detectionRunHandler accepts a manual trigger and admits it to the queue.
// 429 signals saturation so the caller can back off.
func detectionRunHandler(orchestrator *detection.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req detectionRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.GetValidator().Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.TriggeredBy == "" {
			req.TriggeredBy = models.SyncTriggeredManual
		}

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		msg := config.DetectionTriggerMessage{
			SellerId:      req.SellerId,
			SyncId:        req.SyncId,
			Priority:      req.Priority,
			TriggeredBy:   req.TriggeredBy,
			CorrelationId: cid,
		}

		// sync=true runs inline and returns the findings in the response.
		if c.Query("sync") == "true" {
			job, summary, err := orchestrator.RunNow(c.Request.Context(), msg)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "job_id": jobIdOrEmpty(job)})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"success":            true,
				"job_id":             job.ID,
				"detections_found":   summary.TotalDetections,
				"estimated_recovery": summary.TotalEstimatedValue,
				"currency":           summary.Currency,
				"correlation_id":     job.CorrelationId,
			})
			return
		}

		job, err := orchestrator.EnqueueRun(c.Request.Context(), msg)
		if err != nil {
			if errors.Is(err, utils.ErrQueueSaturated) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "detection queue saturated", "job_id": job.ID})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":         job.ID,
			"seller_id":      job.SellerId,
			"sync_id":        job.SyncId,
			"priority":       job.Priority,
			"status":         job.Status,
			"correlation_id": job.CorrelationId,
		})
	}
}

func jobIdOrEmpty(job *models.DetectionJob) string {
	if job == nil {
		return ""
	}
	return job.ID
}

func detectionResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerId := strings.TrimSpace(c.Query("seller_id"))
		if sellerId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seller_id is required"})
			return
		}
		filter := models.DetectionResultFilter{
			SellerId:    sellerId,
			SyncId:      c.Query("sync_id"),
			AnomalyType: models.AnomalyType(c.Query("anomaly_type")),
			Severity:    models.Severity(c.Query("severity")),
			Status:      models.DetectionStatus(c.Query("status")),
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = n
			}
		}
		if v := c.Query("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				filter.Offset = n
			}
		}

		results, total, err := models.ListDetectionResults(config.GetDB().WithContext(c.Request.Context()), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total":   total,
			"results": results,
		})
	}
}

func detectionJobStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := models.GetDetectionJob(config.GetDB().WithContext(c.Request.Context()), c.Param("id"))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{
			"job_id":         job.ID,
			"seller_id":      job.SellerId,
			"sync_id":        job.SyncId,
			"priority":       job.Priority,
			"status":         job.Status,
			"progress":       job.Progress(),
			"attempts":       job.Attempts,
			"max_attempts":   job.MaxAttempts,
			"enqueued_at":    job.EnqueuedAt,
			"correlation_id": job.CorrelationId,
		}
		if job.LastError != nil {
			resp["last_error"] = *job.LastError
		}
		if summary, ok := job.Summary(); ok {
			resp["results_summary"] = summary
		}
		c.JSON(http.StatusOK, resp)
	}
}

// detectionPubSubHandler handles sync-completed push messages. Delivery is
// at-least-once, so the trigger is deduplicated via the idempotency table
// before a job is enqueued.
func detectionPubSubHandler(orchestrator *detection.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.DetectionTriggerMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "Unmarshal pubsub message", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.SellerId == "" || m.SyncId == "" {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("seller_id/sync_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}
		m.CorrelationId = correlationID

		db := config.GetDB()
		skip, err := detection.BeginIdempotency(db, m.SellerId, "detection_trigger", msg.Message.ID)
		if err != nil {
			if errors.Is(err, detection.ErrIdempotencyInProgress) {
				// Another worker holds this message; let Pub/Sub redeliver.
				c.Status(http.StatusConflict)
				return
			}
			config.LogError(logger, "server.go", "detectionPubSubHandler", "begin idempotency", msg.Message.ID, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetSellerIdInContext(c.Request.Context(), m.SellerId)
		ctx = utils.SetSyncIdInContext(ctx, m.SyncId)
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)

		if m.TriggeredBy == "" {
			m.TriggeredBy = models.SyncTriggeredSync
		}
		if _, err := orchestrator.EnqueueRun(ctx, m); err != nil {
			_ = detection.MarkIdempotencyFailed(db, m.SellerId, "detection_trigger", msg.Message.ID, err)
			if errors.Is(err, utils.ErrQueueSaturated) {
				if m.Priority == string(models.JobPriorityLow) {
					// Shed, not parked: ack so Pub/Sub stops redelivering.
					logger.WithFields(logrus.Fields{
						"field":          "detectionPubSubHandler",
						"seller_id":      m.SellerId,
						"sync_id":        m.SyncId,
						"message_id":     msg.Message.ID,
						"correlation_id": correlationID,
					}).Warn("low-priority trigger dropped, queue saturated")
					c.Status(http.StatusNoContent)
					return
				}
				// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
				c.Status(http.StatusServiceUnavailable)
				return
			}
			c.Status(http.StatusInternalServerError)
			return
		}

		if err := detection.MarkIdempotencySucceeded(db, m.SellerId, "detection_trigger", msg.Message.ID); err != nil {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "mark idempotency succeeded", msg.Message.ID, err)
		}
		c.Status(http.StatusNoContent)
	}
}

type jobsReplayRequest struct {
	SellerId string `json:"seller_id" validate:"required,max=64"`
	Limit    int    `json:"limit" validate:"omitempty,min=1,max=500"`
}

func jobsReplayHandler(orchestrator *detection.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req jobsReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.GetValidator().Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Limit == 0 {
			req.Limit = 100
		}

		replayed, err := orchestrator.ReplayFailedJobs(c.Request.Context(), req.SellerId, req.Limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "replayed": replayed})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"seller_id": req.SellerId,
			"replayed":  replayed,
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe and scrapes.
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	queue := detection.NewJobQueue()
	orchestrator := detection.NewOrchestrator(db, queue, logger)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go orchestrator.Start(workerCtx)
	go detection.NewOutboxDispatcher(db, logger).Run(workerCtx)
	go RunDetectionSubscriber(workerCtx, logger, orchestrator)

	r.POST("/api/detection/run", detectionRunHandler(orchestrator))
	r.GET("/api/detection/results", detectionResultsHandler())
	r.GET("/api/detection/jobs/:id", detectionJobStatusHandler())
	r.POST("/pubsub", detectionPubSubHandler(orchestrator))
	// Ops tooling: re-admit failed jobs after an incident.
	r.POST("/internal/ops/jobs/replay", jobsReplayHandler(orchestrator))
	r.NoRoute(customNotFoundHandler)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("detection service listening on port ", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
