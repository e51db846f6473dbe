package models_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Double-writing one dedupe key must never duplicate a row: the second batch
// overwrites the first, and a reviewed status survives later overwrites.
func TestUpsertDetectionResults_DoubleWriteOneDedupeKey(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires mysql)")
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	sellerId := "it-" + uuid.NewString()[:20]
	syncId := "sync-1"
	entityKey := "SKU-1"

	result := func(value string, severity models.Severity) models.DetectionResult {
		return models.DetectionResult{
			SellerId:          sellerId,
			SyncId:            syncId,
			AnomalyType:       models.AnomalyTypeLostWarehouseInventory,
			EntityKey:         entityKey,
			DedupeKey:         models.BuildDedupeKey(sellerId, syncId, models.AnomalyTypeLostWarehouseInventory, entityKey),
			DetectorName:      "lost_warehouse_inventory",
			Severity:          severity,
			EstimatedValue:    mustDec(t, value),
			Currency:          "USD",
			ConfidenceScore:   0.8,
			RecommendedAction: models.RecommendedActionReview,
			Status:            models.DetectionStatusPending,
			DiscoveryDate:     time.Now().UTC(),
			DeadlineDate:      time.Now().UTC().AddDate(0, 0, 60),
			DaysRemaining:     60,
			CorrelationId:     "corr-it",
		}
	}

	first := []models.DetectionResult{result("100", models.SeverityMedium)}
	if err := models.UpsertDetectionResults(db, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := []models.DetectionResult{result("300", models.SeverityHigh)}
	if err := models.UpsertDetectionResults(db, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var rows []models.DetectionResult
	if err := db.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&rows).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 row after double write, got %d", len(rows))
	}
	if !rows[0].EstimatedValue.Equal(mustDec(t, "300")) {
		t.Fatalf("expected last write to win, got value %s", rows[0].EstimatedValue)
	}
	if rows[0].Severity != models.SeverityHigh {
		t.Fatalf("expected last write to win, got severity %q", rows[0].Severity)
	}

	// A reviewed row keeps its status when the finding is re-reported.
	if err := db.Model(&models.DetectionResult{}).
		Where("seller_id = ? AND id = ?", sellerId, rows[0].ID).
		Update("status", models.DetectionStatusApproved).Error; err != nil {
		t.Fatalf("approve row: %v", err)
	}
	third := []models.DetectionResult{result("500", models.SeverityCritical)}
	if err := models.UpsertDetectionResults(db, third); err != nil {
		t.Fatalf("third upsert: %v", err)
	}

	var row models.DetectionResult
	if err := db.Where("seller_id = ? AND id = ?", sellerId, rows[0].ID).First(&row).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if row.Status != models.DetectionStatusApproved {
		t.Fatalf("expected review status to survive the overwrite, got %q", row.Status)
	}
	if !row.EstimatedValue.Equal(mustDec(t, "500")) {
		t.Fatalf("expected refreshed value 500, got %s", row.EstimatedValue)
	}
}

func TestListDetectionResults_FiltersBySeverity(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires mysql)")
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	sellerId := "it-" + uuid.NewString()[:20]
	batch := []models.DetectionResult{
		{
			SellerId: sellerId, SyncId: "sync-1",
			AnomalyType: models.AnomalyTypeFeeOvercharge, EntityKey: "SKU-1",
			DedupeKey:    models.BuildDedupeKey(sellerId, "sync-1", models.AnomalyTypeFeeOvercharge, "SKU-1"),
			DetectorName: "fee_overcharge", Severity: models.SeverityLow,
			EstimatedValue: mustDec(t, "10"), Currency: "USD", ConfidenceScore: 0.6,
			RecommendedAction: models.RecommendedActionReview, Status: models.DetectionStatusPending,
			DiscoveryDate: time.Now().UTC(), DeadlineDate: time.Now().UTC().AddDate(0, 0, 90),
		},
		{
			SellerId: sellerId, SyncId: "sync-1",
			AnomalyType: models.AnomalyTypeFeeOvercharge, EntityKey: "SKU-2",
			DedupeKey:    models.BuildDedupeKey(sellerId, "sync-1", models.AnomalyTypeFeeOvercharge, "SKU-2"),
			DetectorName: "fee_overcharge", Severity: models.SeverityHigh,
			EstimatedValue: mustDec(t, "250"), Currency: "USD", ConfidenceScore: 0.9,
			RecommendedAction: models.RecommendedActionAutoFile, Status: models.DetectionStatusPending,
			DiscoveryDate: time.Now().UTC(), DeadlineDate: time.Now().UTC().AddDate(0, 0, 90),
		},
	}
	if err := models.UpsertDetectionResults(db, batch); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	rows, total, err := models.ListDetectionResults(db, models.DetectionResultFilter{
		SellerId: sellerId,
		Severity: models.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected exactly the high-severity row, got total=%d len=%d", total, len(rows))
	}
	if rows[0].EntityKey != "SKU-2" || rows[0].Severity != models.SeverityHigh {
		t.Fatalf("unexpected row %+v", rows[0])
	}
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
