package detection

import (
	"testing"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
)

func feeDataset(fees []models.FeeRecord) *Dataset {
	return &Dataset{Fees: fees, Currency: "USD", AsOf: testRun().Now}
}

func TestFeeOvercharge_AggregatesOveragePerEntity(t *testing.T) {
	data := feeDataset([]models.FeeRecord{
		{OrderId: "ord-1", EntityKey: "SKU-9", FeeType: "fulfillment", Amount: dec("14"), ExpectedAmount: dec("10"), FeeDate: day(3)},
		{OrderId: "ord-2", EntityKey: "SKU-9", FeeType: "weight_handling", Amount: dec("8"), ExpectedAmount: dec("5"), FeeDate: day(1)},
		// commission is not this rule's fee type
		{OrderId: "ord-3", EntityKey: "SKU-9", FeeType: "commission", Amount: dec("100"), ExpectedAmount: dec("1"), FeeDate: day(2)},
		// no expectation means unverifiable
		{OrderId: "ord-4", EntityKey: "SKU-9", FeeType: "fulfillment", Amount: dec("50"), FeeDate: day(2)},
		// charged exactly what was expected
		{OrderId: "ord-5", EntityKey: "SKU-9", FeeType: "fulfillment", Amount: dec("10"), ExpectedAmount: dec("10"), FeeDate: day(2)},
	})

	results, err := feeOverchargeDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.AnomalyType != models.AnomalyTypeFeeOvercharge {
		t.Fatalf("unexpected anomaly type %q", r.AnomalyType)
	}
	if r.EntityKey != "SKU-9" {
		t.Fatalf("unexpected entity key %q", r.EntityKey)
	}
	if !r.EstimatedValue.Equal(dec("7")) {
		t.Fatalf("expected aggregated overage 7, got %s", r.EstimatedValue)
	}
	// two occurrences is not yet a repeat pattern
	if r.ConfidenceScore != 0.75 {
		t.Fatalf("expected confidence 0.75, got %v", r.ConfidenceScore)
	}
	if got := r.RelatedEventIds(); len(got) != 2 || got[0] != "fee:ord-1" || got[1] != "fee:ord-2" {
		t.Fatalf("unexpected related event ids %v", got)
	}

	ev, err := r.Evidence()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", ev.Quantity)
	}
	if ev.UnitValueSource != "direct" {
		t.Fatalf("expected direct valuation, got %q", ev.UnitValueSource)
	}
	if occ, ok := ev.Detail["occurrences"].(float64); !ok || occ != 2 {
		t.Fatalf("expected 2 occurrences in detail, got %v", ev.Detail["occurrences"])
	}
}

func TestFeeOvercharge_RepeatPatternAtThreeOccurrences(t *testing.T) {
	data := feeDataset([]models.FeeRecord{
		{OrderId: "ord-1", EntityKey: "SKU-2", FeeType: "fulfillment", Amount: dec("12"), ExpectedAmount: dec("10"), FeeDate: day(1)},
		{OrderId: "ord-2", EntityKey: "SKU-2", FeeType: "fulfillment", Amount: dec("12"), ExpectedAmount: dec("10"), FeeDate: day(2)},
		{OrderId: "ord-3", EntityKey: "SKU-2", FeeType: "fulfillment", Amount: dec("12"), ExpectedAmount: dec("10"), FeeDate: day(3)},
	})

	results, err := feeOverchargeDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ConfidenceScore != 1.0 {
		t.Fatalf("expected full confidence at three occurrences, got %v", results[0].ConfidenceScore)
	}
	if !results[0].EstimatedValue.Equal(dec("6")) {
		t.Fatalf("expected overage 6, got %s", results[0].EstimatedValue)
	}
}

func TestFeeOvercharge_EarliestFeeDateIsIncidentDate(t *testing.T) {
	data := feeDataset([]models.FeeRecord{
		{OrderId: "ord-1", EntityKey: "SKU-4", FeeType: "fulfillment", Amount: dec("20"), ExpectedAmount: dec("10"), FeeDate: day(8)},
		{OrderId: "ord-2", EntityKey: "SKU-4", FeeType: "fulfillment", Amount: dec("20"), ExpectedAmount: dec("10"), FeeDate: day(2)},
	})

	spec := feeOverchargeDetector()
	candidates, err := spec.Select(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if !candidates[0].IncidentDate.Equal(day(2)) {
		t.Fatalf("expected earliest fee date, got %v", candidates[0].IncidentDate)
	}
}

func TestFeeOvercharge_MinValueFloorDropsSmallOverages(t *testing.T) {
	data := feeDataset([]models.FeeRecord{
		{OrderId: "ord-1", EntityKey: "SKU-5", FeeType: "fulfillment", Amount: dec("12"), ExpectedAmount: dec("10"), FeeDate: day(1)},
	})

	results, err := feeOverchargeDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected overage below floor to be dropped, got %d results", len(results))
	}
}

func TestFeeOvercharge_FallsBackToOrderEntityKey(t *testing.T) {
	data := feeDataset([]models.FeeRecord{
		{OrderId: "ord-7", FeeType: "fulfillment", Amount: dec("18"), ExpectedAmount: dec("10"), FeeDate: day(1)},
	})

	results, err := feeOverchargeDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].EntityKey != "order:ord-7" {
		t.Fatalf("unexpected entity key %q", results[0].EntityKey)
	}
}

func TestStorageFeeAnomaly_OverageFactorGatesNoise(t *testing.T) {
	data := feeDataset([]models.FeeRecord{
		// 20% over expectation stays under the 1.25 factor
		{OrderId: "ord-1", EntityKey: "SKU-1", FeeType: "storage", Amount: dec("120"), ExpectedAmount: dec("100"), FeeDate: day(1)},
		// 30% over crosses it; the overage is measured from the expectation
		{OrderId: "ord-2", EntityKey: "SKU-2", FeeType: "long_term_storage", Amount: dec("130"), ExpectedAmount: dec("100"), FeeDate: day(1)},
	})

	results, err := storageFeeAnomalyDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].EntityKey != "SKU-2" {
		t.Fatalf("unexpected entity key %q", results[0].EntityKey)
	}
	if !results[0].EstimatedValue.Equal(dec("30")) {
		t.Fatalf("expected overage 30 from the expectation, got %s", results[0].EstimatedValue)
	}
}

func TestCommissionOvercharge_MatchesCommissionFeeTypes(t *testing.T) {
	data := feeDataset([]models.FeeRecord{
		{OrderId: "ord-1", EntityKey: "SKU-3", FeeType: "referral", Amount: dec("40"), ExpectedAmount: dec("30"), FeeDate: day(4)},
		{OrderId: "ord-2", EntityKey: "SKU-3", FeeType: "fulfillment", Amount: dec("40"), ExpectedAmount: dec("30"), FeeDate: day(4)},
	})

	results, err := commissionOverchargeDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].AnomalyType != models.AnomalyTypeCommissionOvercharge {
		t.Fatalf("unexpected anomaly type %q", results[0].AnomalyType)
	}
	if !results[0].EstimatedValue.Equal(dec("10")) {
		t.Fatalf("expected overage 10, got %s", results[0].EstimatedValue)
	}
}
