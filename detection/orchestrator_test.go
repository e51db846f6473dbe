package detection

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func stubDataset() *Dataset {
	return &Dataset{
		Events: []models.LedgerEvent{
			{ID: 1, EntityKey: "SKU-1", EventType: models.LedgerEventReceipt, Quantity: 100, EventDate: day(0)},
			{ID: 2, EntityKey: "SKU-1", EventType: models.LedgerEventSnapshot, SnapshotBalance: intPtr(80), EventDate: day(10)},
		},
		Prices:   map[string]decimal.Decimal{"SKU-1": decimal.NewFromInt(15)},
		Currency: "USD",
		AsOf:     day(12),
	}
}

type capturedRun struct {
	results   []models.DetectionResult
	completed config.DetectionCompletedMessage
}

func stubOrchestrator(fetch datasetFetcher) (*Orchestrator, *[]capturedRun) {
	var runs []capturedRun
	logger := logrus.New()
	o := &Orchestrator{
		Queue:      NewJobQueue(),
		Logger:     logger,
		RunTimeout: time.Minute,
		WorkerId:   "test-worker",
		Calibrator: NewCalibrator(fixedStatLookup(nil, nil), logger),
	}
	o.fetchDataset = fetch
	o.writeResults = func(_ context.Context, sellerId string, results []models.DetectionResult, completed config.DetectionCompletedMessage) error {
		runs = append(runs, capturedRun{results: results, completed: completed})
		return nil
	}
	return o, &runs
}

func stubFetch(data *Dataset) datasetFetcher {
	return func(context.Context, *gorm.DB, string, string, int) (*Dataset, error) {
		return data, nil
	}
}

func testQueuedJob() QueuedJob {
	return QueuedJob{
		JobId:         "job-1",
		SellerId:      "seller-1",
		SyncId:        "sync-1",
		Priority:      models.JobPriorityHigh,
		Attempt:       1,
		CorrelationId: "corr-1",
	}
}

func TestRunDetection_LedgerDiscrepancyProducesResult(t *testing.T) {
	o, runs := stubOrchestrator(stubFetch(stubDataset()))

	summary, err := o.RunDetection(context.Background(), testQueuedJob())
	if err != nil {
		t.Fatalf("RunDetection error: %v", err)
	}
	if len(*runs) != 1 {
		t.Fatalf("expected 1 persisted run, got %d", len(*runs))
	}
	results := (*runs)[0].results
	if len(results) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(results))
	}
	r := results[0]
	if r.AnomalyType != models.AnomalyTypeLostWarehouseInventory {
		t.Fatalf("expected lost_warehouse_inventory, got %s", r.AnomalyType)
	}
	// 20 missing units at the 15 average sale price.
	if !r.EstimatedValue.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected estimated value 300, got %s", r.EstimatedValue)
	}
	if r.Severity != models.SeverityHigh {
		t.Fatalf("expected high severity, got %s", r.Severity)
	}
	if summary.TotalDetections != 1 {
		t.Fatalf("summary mismatch: %+v", summary)
	}
	if summary.TotalEstimatedValue != "300" {
		t.Fatalf("expected summary value 300, got %s", summary.TotalEstimatedValue)
	}
	completed := (*runs)[0].completed
	if completed.SellerId != "seller-1" || completed.JobId != "job-1" || completed.TotalDetections != 1 {
		t.Fatalf("unexpected completion payload %+v", completed)
	}
	if completed.CompletedAt.IsZero() {
		t.Fatal("expected completion timestamp to be set")
	}
	if completed.CompletedAt.Location() != time.UTC {
		t.Fatalf("expected UTC completion timestamp, got %v", completed.CompletedAt.Location())
	}
}

func TestRunDetection_RepeatRunsProduceIdenticalDedupeKeys(t *testing.T) {
	o, runs := stubOrchestrator(func(context.Context, *gorm.DB, string, string, int) (*Dataset, error) {
		// Fresh dataset per call: Reconciled() memoizes per instance.
		return stubDataset(), nil
	})
	job := testQueuedJob()

	if _, err := o.RunDetection(context.Background(), job); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := o.RunDetection(context.Background(), job); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(*runs) != 2 {
		t.Fatalf("expected 2 persisted runs, got %d", len(*runs))
	}
	first, second := (*runs)[0].results, (*runs)[1].results
	if len(first) != len(second) {
		t.Fatalf("run sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].DedupeKey != second[i].DedupeKey {
			t.Fatalf("dedupe keys differ at %d: %q vs %q", i, first[i].DedupeKey, second[i].DedupeKey)
		}
	}
}

func TestRunDetection_FetchFailurePropagates(t *testing.T) {
	wantErr := context.DeadlineExceeded
	o, runs := stubOrchestrator(func(context.Context, *gorm.DB, string, string, int) (*Dataset, error) {
		return nil, wantErr
	})
	if _, err := o.RunDetection(context.Background(), testQueuedJob()); err == nil {
		t.Fatal("expected fetch error to fail the run")
	}
	if len(*runs) != 0 {
		t.Fatalf("failed run must not persist, got %d writes", len(*runs))
	}
}

func TestRunDetection_CleanDatasetWritesEmptyBatch(t *testing.T) {
	o, runs := stubOrchestrator(stubFetch(&Dataset{Currency: "USD", AsOf: day(0)}))
	summary, err := o.RunDetection(context.Background(), testQueuedJob())
	if err != nil {
		t.Fatalf("RunDetection error: %v", err)
	}
	if summary.TotalDetections != 0 {
		t.Fatalf("expected zero detections, got %d", summary.TotalDetections)
	}
	// Completion still publishes so downstream consumers see the run finish.
	if len(*runs) != 1 {
		t.Fatalf("expected completion write, got %d", len(*runs))
	}
	if (*runs)[0].completed.TotalDetections != 0 {
		t.Fatalf("unexpected completion payload %+v", (*runs)[0].completed)
	}
}
