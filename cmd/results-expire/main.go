package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/sirupsen/logrus"
)

// Marks pending detections past their claim deadline as expired. Run daily.
func main() {
	dryRun := flag.Bool("dry-run", false, "Count expirable results without updating")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	now := time.Now().UTC()
	if *dryRun {
		var count int64
		if err := db.Model(&models.DetectionResult{}).
			Where("status = ? AND deadline_date < ?", models.DetectionStatusPending, now).
			Count(&count).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d results past deadline\n", count)
		return
	}

	expired, err := models.ExpirePastDeadline(db, now)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "results-expire"}).Error("expire failed: " + err.Error())
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"field":   "results-expire",
		"expired": expired,
	}).Info("expired past-deadline detections")
}
