package detection

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/shopspring/decimal"
)

func TestFraudulentReturn_FlagsFraudDispositionWithRefund(t *testing.T) {
	data := &Dataset{
		Currency: "USD",
		AsOf:     testRun().Now,
		Returns: []models.ReturnRecord{
			{OrderId: "ord-1", EntityKey: "SKU-1", Quantity: 1, ReturnDate: day(5), Received: true, Disposition: "customer_damaged_empty_box"},
			{OrderId: "ord-2", EntityKey: "SKU-1", Quantity: 1, ReturnDate: day(5), Received: true, Disposition: "sellable"},
			{OrderId: "ord-3", EntityKey: "SKU-1", Quantity: 1, ReturnDate: day(5), Received: false, Disposition: "empty_box"},
		},
		Refunds: []models.RefundRecord{
			{OrderId: "ord-1", EntityKey: "SKU-1", Quantity: 1, Amount: dec("40"), RefundDate: day(4)},
		},
	}

	results, err := fraudulentReturnDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.AnomalyType != models.AnomalyTypeFraudulentReturn {
		t.Fatalf("unexpected anomaly type %q", r.AnomalyType)
	}
	if !r.EstimatedValue.Equal(dec("40")) {
		t.Fatalf("expected refund amount 40, got %s", r.EstimatedValue)
	}
	if r.ConfidenceScore != 1.0 {
		t.Fatalf("expected full confidence, got %v", r.ConfidenceScore)
	}
	if r.Severity != models.SeverityMedium {
		t.Fatalf("expected medium severity at 40, got %q", r.Severity)
	}
}

func TestFraudulentReturn_NoRefundFallsBackToBaselineValue(t *testing.T) {
	data := &Dataset{
		Currency: "USD",
		AsOf:     testRun().Now,
		Returns: []models.ReturnRecord{
			{OrderId: "ord-1", EntityKey: "SKU-1", Quantity: 2, ReturnDate: day(5), Received: true, Disposition: "wrong_item"},
		},
	}

	results, err := fraudulentReturnDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	// refund_on_record and amount_verified drop out without a refund
	if results[0].ConfidenceScore != 0.5 {
		t.Fatalf("expected confidence 0.5, got %v", results[0].ConfidenceScore)
	}
	if !results[0].EstimatedValue.Equal(dec("20")) {
		t.Fatalf("expected 2 units at the 10 baseline, got %s", results[0].EstimatedValue)
	}
	ev, err := results[0].Evidence()
	if err != nil {
		t.Fatal(err)
	}
	if ev.UnitValueSource != "default_baseline" {
		t.Fatalf("expected baseline valuation, got %q", ev.UnitValueSource)
	}
}

func TestFraudulentReturn_ReimbursedEntitySuppressed(t *testing.T) {
	data := &Dataset{
		Currency: "USD",
		AsOf:     testRun().Now,
		Returns: []models.ReturnRecord{
			{OrderId: "ord-1", EntityKey: "SKU-1", Quantity: 1, ReturnDate: day(5), Received: true, Disposition: "switched"},
		},
		Refunds: []models.RefundRecord{
			{OrderId: "ord-1", EntityKey: "SKU-1", Quantity: 1, Amount: dec("40"), RefundDate: day(4)},
		},
		Reimbursements: []models.ReimbursementRecord{
			{EntityKey: "SKU-1", Quantity: 1, Amount: dec("40"), ReimbursedDate: day(6)},
		},
	}

	results, err := fraudulentReturnDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected reimbursed case to be suppressed, got %d results", len(results))
	}
}

func TestReturnlessRefundAbuse_BurstWithinWindow(t *testing.T) {
	data := &Dataset{
		Currency: "USD",
		AsOf:     testRun().Now,
		Refunds: []models.RefundRecord{
			{OrderId: "ord-1", CustomerId: "cust-1", Amount: dec("20"), RefundDate: day(1)},
			{OrderId: "ord-2", CustomerId: "cust-1", Amount: dec("30"), RefundDate: day(5)},
			{OrderId: "ord-3", CustomerId: "cust-1", Amount: dec("40"), RefundDate: day(9)},
			// return-expected refunds are a different rule's territory
			{OrderId: "ord-4", CustomerId: "cust-1", Amount: dec("99"), RefundDate: day(9), ReturnExpected: true},
			// only two events for this customer
			{OrderId: "ord-5", CustomerId: "cust-2", Amount: dec("50"), RefundDate: day(2)},
			{OrderId: "ord-6", CustomerId: "cust-2", Amount: dec("50"), RefundDate: day(3)},
		},
	}

	results, err := returnlessRefundAbuseDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.EntityKey != "customer:cust-1" {
		t.Fatalf("unexpected entity key %q", r.EntityKey)
	}
	if !r.EstimatedValue.Equal(dec("90")) {
		t.Fatalf("expected summed refunds 90, got %s", r.EstimatedValue)
	}
	if got := r.RelatedEventIds(); len(got) != 3 || got[0] != "refund:ord-1" || got[2] != "refund:ord-3" {
		t.Fatalf("unexpected related event ids %v", got)
	}
}

func TestReturnlessRefundAbuse_SpreadOutRefundsIgnored(t *testing.T) {
	data := &Dataset{
		Currency: "USD",
		AsOf:     time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
		Refunds: []models.RefundRecord{
			{OrderId: "ord-1", CustomerId: "cust-1", Amount: dec("40"), RefundDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
			{OrderId: "ord-2", CustomerId: "cust-1", Amount: dec("40"), RefundDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
			{OrderId: "ord-3", CustomerId: "cust-1", Amount: dec("40"), RefundDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
		},
	}

	results, err := returnlessRefundAbuseDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no burst over a five-month spread, got %d results", len(results))
	}
}

func TestHasRollingWindowBurst_WindowBoundary(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inside := []models.RefundRecord{
		{RefundDate: base},
		{RefundDate: base.AddDate(0, 0, 45)},
		{RefundDate: base.AddDate(0, 0, 90)},
	}
	if !hasRollingWindowBurst(inside, 90, 3) {
		t.Fatal("expected a span of exactly 90 days to count")
	}

	outside := []models.RefundRecord{
		{RefundDate: base},
		{RefundDate: base.AddDate(0, 0, 45)},
		{RefundDate: base.AddDate(0, 0, 90).Add(time.Hour)},
	}
	if hasRollingWindowBurst(outside, 90, 3) {
		t.Fatal("expected a span past 90 days to be ignored")
	}
}

func TestUnreturnedRefund_PolicyWindowElapsed(t *testing.T) {
	asOf := testRun().Now
	data := &Dataset{
		Currency: "USD",
		AsOf:     asOf,
		Refunds: []models.RefundRecord{
			{OrderId: "ord-1", EntityKey: "SKU-5", Quantity: 1, Amount: dec("60"), RefundDate: asOf.AddDate(0, 0, -50), ReturnExpected: true},
			// window still open
			{OrderId: "ord-2", EntityKey: "SKU-5", Quantity: 1, Amount: dec("60"), RefundDate: asOf.AddDate(0, 0, -10), ReturnExpected: true},
			// return arrived
			{OrderId: "ord-3", EntityKey: "SKU-6", Quantity: 1, Amount: dec("60"), RefundDate: asOf.AddDate(0, 0, -50), ReturnExpected: true},
		},
		Returns: []models.ReturnRecord{
			{OrderId: "ord-3", EntityKey: "SKU-6", Quantity: 1, ReturnDate: asOf.AddDate(0, 0, -30), Received: true, Disposition: "sellable"},
		},
	}

	results, err := unreturnedRefundDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.EntityKey != "SKU-5" {
		t.Fatalf("unexpected entity key %q", r.EntityKey)
	}
	if !r.EstimatedValue.Equal(dec("60")) {
		t.Fatalf("expected refund amount 60, got %s", r.EstimatedValue)
	}
	if r.ConfidenceScore != 1.0 {
		t.Fatalf("expected full confidence, got %v", r.ConfidenceScore)
	}
}

func TestRefundAmountMismatch_OverageAboveObservedPrice(t *testing.T) {
	data := &Dataset{
		Currency: "USD",
		AsOf:     testRun().Now,
		Prices:   map[string]decimal.Decimal{"SKU-3": dec("25")},
		Refunds: []models.RefundRecord{
			{OrderId: "ord-1", EntityKey: "SKU-3", Quantity: 2, Amount: dec("80"), RefundDate: day(5)},
			{OrderId: "ord-2", EntityKey: "SKU-3", Quantity: 2, Amount: dec("45"), RefundDate: day(5)},
			// no price history for this entity
			{OrderId: "ord-3", EntityKey: "SKU-4", Quantity: 1, Amount: dec("500"), RefundDate: day(5)},
		},
	}

	results, err := refundAmountMismatchDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if !r.EstimatedValue.Equal(dec("30")) {
		t.Fatalf("expected overage 30 above the 50 expectation, got %s", r.EstimatedValue)
	}
	ev, err := r.Evidence()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Detail["expected_value"] != "50" {
		t.Fatalf("unexpected expected_value detail %v", ev.Detail["expected_value"])
	}
}

func TestChargebackDoubleDebit_BoundedBySmallerLeg(t *testing.T) {
	data := &Dataset{
		Currency: "USD",
		AsOf:     testRun().Now,
		Chargebacks: []models.ChargebackRecord{
			{OrderId: "ord-1", Amount: dec("100"), ChargebackDate: day(6)},
			// seller won the dispute, nothing was double-debited
			{OrderId: "ord-2", EntityKey: "SKU-2", Amount: dec("100"), ChargebackDate: day(6), Resolution: "won"},
			// no refund leg at all
			{OrderId: "ord-3", EntityKey: "SKU-3", Amount: dec("100"), ChargebackDate: day(6)},
		},
		Refunds: []models.RefundRecord{
			{OrderId: "ord-1", EntityKey: "SKU-1", Quantity: 1, Amount: dec("60"), RefundDate: day(4)},
			{OrderId: "ord-2", EntityKey: "SKU-2", Quantity: 1, Amount: dec("60"), RefundDate: day(4)},
		},
	}

	results, err := chargebackDoubleDebitDetector().Detect(testRun(), data)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.EntityKey != "order:ord-1" {
		t.Fatalf("unexpected entity key %q", r.EntityKey)
	}
	if !r.EstimatedValue.Equal(dec("60")) {
		t.Fatalf("expected the refund leg 60 to bound the debit, got %s", r.EstimatedValue)
	}
	if r.ConfidenceScore != 1.0 {
		t.Fatalf("expected full confidence, got %v", r.ConfidenceScore)
	}
}
