package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run/queue metrics, scraped via /metrics on the main server.
var (
	MetricJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_jobs_processed_total",
		Help: "Detection jobs that reached a terminal attempt outcome.",
	}, []string{"status"})

	MetricJobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_jobs_dropped_total",
		Help: "Jobs rejected by queue backpressure, by priority.",
	}, []string{"priority"})

	MetricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "detection_queue_pending_jobs",
		Help: "Jobs currently pending in the in-process queue.",
	})

	MetricDetectionsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_results_total",
		Help: "Detection results produced, by anomaly type and severity.",
	}, []string{"anomaly_type", "severity"})

	MetricRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "detection_run_duration_seconds",
		Help:    "Wall time of a full detection run (fetch + detect + store).",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
