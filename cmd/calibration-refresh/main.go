package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/sirupsen/logrus"
)

// Recomputes per-anomaly-type approval rates from resolved detection
// results. Run on a schedule (Cloud Scheduler / cron).
func main() {
	dryRun := flag.Bool("dry-run", false, "Print the recomputed stats without saving")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	logger := logrus.New()

	ctx := context.Background()
	if *dryRun {
		var rows []models.CalibrationStat
		err := db.WithContext(ctx).Raw(`
			SELECT anomaly_type,
			       SUM(status = 'approved') / COUNT(*) AS historical_approval_rate,
			       COUNT(*) AS sample_size
			FROM detection_results
			WHERE status IN ('approved', 'rejected')
			GROUP BY anomaly_type
		`).Scan(&rows).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
			os.Exit(1)
		}
		for _, r := range rows {
			fmt.Printf("%-30s rate=%.4f samples=%d\n", r.AnomalyType, r.HistoricalApprovalRate, r.SampleSize)
		}
		return
	}

	stats, err := models.RecomputeCalibrationStats(ctx, db, time.Now().UTC())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "calibration-refresh"}).Error("recompute failed: " + err.Error())
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"field":         "calibration-refresh",
		"anomaly_types": len(stats),
	}).Info("calibration stats refreshed")
}
