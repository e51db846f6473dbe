package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"gorm.io/gorm"
)

// CalibrationStat is the per-anomaly-type historical approval aggregate,
// refreshed out of band (cmd/calibration-refresh). Read-only for detection.
type CalibrationStat struct {
	AnomalyType            AnomalyType `gorm:"size:50;primary_key" json:"anomaly_type"`
	HistoricalApprovalRate float64     `gorm:"not null" json:"historical_approval_rate"`
	SampleSize             int         `gorm:"not null" json:"sample_size"`
	RefreshedAt            time.Time   `json:"refreshed_at"`
}

const calibrationStatCacheTTL = 10 * time.Minute

func calibrationStatCacheKey(anomalyType AnomalyType) string {
	return fmt.Sprintf("calibration_stat:%s", anomalyType)
}

// GetCalibrationStat reads through the redis cache. A miss on both cache and
// table returns (nil, nil): the calibrator treats absent history as a no-op.
func GetCalibrationStat(ctx context.Context, db *gorm.DB, anomalyType AnomalyType) (*CalibrationStat, error) {
	var cached CalibrationStat
	if ok, err := config.GetRedisObject(calibrationStatCacheKey(anomalyType), &cached); err == nil && ok {
		return &cached, nil
	}

	var stat CalibrationStat
	err := db.WithContext(ctx).Where("anomaly_type = ?", anomalyType).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(calibrationStatCacheKey(anomalyType), stat, calibrationStatCacheTTL)
	return &stat, nil
}

// RecomputeCalibrationStats rebuilds the aggregates from resolved detection
// history (approved vs rejected) and invalidates the cache.
func RecomputeCalibrationStats(ctx context.Context, db *gorm.DB, now time.Time) ([]CalibrationStat, error) {
	type row struct {
		AnomalyType AnomalyType
		Approved    int
		Resolved    int
	}
	var rows []row
	err := db.WithContext(ctx).Raw(`
		SELECT
			anomaly_type,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS approved,
			COUNT(*) AS resolved
		FROM detection_results
		WHERE status IN ?
		GROUP BY anomaly_type
	`, DetectionStatusApproved, []DetectionStatus{DetectionStatusApproved, DetectionStatusRejected}).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make([]CalibrationStat, 0, len(rows))
	for _, r := range rows {
		rate := 0.0
		if r.Resolved > 0 {
			rate = float64(r.Approved) / float64(r.Resolved)
		}
		stat := CalibrationStat{
			AnomalyType:            r.AnomalyType,
			HistoricalApprovalRate: rate,
			SampleSize:             r.Resolved,
			RefreshedAt:            now,
		}
		if err := db.WithContext(ctx).Save(&stat).Error; err != nil {
			return nil, err
		}
		_ = config.RemoveRedisKey(calibrationStatCacheKey(r.AnomalyType))
		stats = append(stats, stat)
	}
	return stats, nil
}
