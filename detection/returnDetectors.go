package detection

import (
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/shopspring/decimal"
)

// Dispositions the warehouse assigns when a returned unit is not what the
// customer sent back, or nothing came back at all.
var fraudDispositionKeywords = []string{
	"fraud",
	"wrong_item",
	"empty_box",
	"materially_different",
	"not_received",
	"switched",
}

const (
	returnlessAbuseWindow = 90 // rolling days
	returnlessAbuseCount  = 3
	returnPolicyDays      = 45
)

// fraudulentReturn flags received returns whose disposition matches the
// fraud keyword set while a refund was already paid out.
func fraudulentReturnDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "fraudulent_return",
		AnomalyType: models.AnomalyTypeFraudulentReturn,
		Tier:        models.JobPriorityHigh,
		Weights: []EvidenceWeight{
			{Factor: "fraud_disposition", Weight: 0.30},
			{Factor: "refund_on_record", Weight: 0.25},
			{Factor: "clear_incident_date", Weight: 0.20},
			{Factor: "amount_verified", Weight: 0.25},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(25),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(300),
		},
		MinValue:         decimal.NewFromInt(5),
		DefaultUnitValue: decimal.NewFromInt(10),
		DeadlineDays:     60,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, r := range data.Returns {
				if !r.Received || !matchesFraudKeyword(r.Disposition) {
					continue
				}
				refund := data.RefundForOrder(r.OrderId)
				c := Candidate{
					EntityKey:    r.EntityKey,
					Quantity:     r.Quantity,
					IncidentDate: r.ReturnDate,
					Factors: map[string]bool{
						"fraud_disposition":   true,
						"refund_on_record":    refund.IsPositive(),
						"clear_incident_date": true,
						"amount_verified":     refund.IsPositive(),
					},
					RelatedEventIds: []string{"return:" + r.OrderId},
					Detail: map[string]any{
						"order_id":    r.OrderId,
						"disposition": r.Disposition,
					},
				}
				if refund.IsPositive() {
					amount := refund
					c.AmountOverride = &amount
				}
				candidates = append(candidates, c)
			}
			return candidates, nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate)
		},
	}
}

// returnlessRefundAbuse flags customers with three or more returnless
// refunds in a rolling 90-day window. The entity key is the customer, not a
// product.
func returnlessRefundAbuseDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "returnless_refund_abuse",
		AnomalyType: models.AnomalyTypeReturnlessRefundAbuse,
		Tier:        models.JobPriorityNormal,
		Weights: []EvidenceWeight{
			{Factor: "repeat_pattern", Weight: 0.35},
			{Factor: "window_documented", Weight: 0.25},
			{Factor: "amount_verified", Weight: 0.20},
			{Factor: "no_return_expected", Weight: 0.20},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(30),
			High:     decimal.NewFromInt(150),
			Critical: decimal.NewFromInt(500),
		},
		MinValue:     decimal.NewFromInt(10),
		DeadlineDays: 45,
		Select: func(data *Dataset) ([]Candidate, error) {
			type hist struct {
				refunds []models.RefundRecord
				total   decimal.Decimal
			}
			byCustomer := map[string]*hist{}
			for _, r := range data.Refunds {
				if r.ReturnExpected || r.CustomerId == "" {
					continue
				}
				h, ok := byCustomer[r.CustomerId]
				if !ok {
					h = &hist{total: decimal.Zero}
					byCustomer[r.CustomerId] = h
				}
				h.refunds = append(h.refunds, r)
				h.total = h.total.Add(r.Amount)
			}

			var candidates []Candidate
			for customerId, h := range byCustomer {
				if !hasRollingWindowBurst(h.refunds, returnlessAbuseWindow, returnlessAbuseCount) {
					continue
				}
				sort.Slice(h.refunds, func(i, j int) bool {
					return h.refunds[i].RefundDate.Before(h.refunds[j].RefundDate)
				})
				related := make([]string, 0, len(h.refunds))
				for _, r := range h.refunds {
					related = append(related, "refund:"+r.OrderId)
				}
				total := h.total
				candidates = append(candidates, Candidate{
					EntityKey:      "customer:" + customerId,
					Quantity:       len(h.refunds),
					IncidentDate:   h.refunds[len(h.refunds)-1].RefundDate,
					AmountOverride: &total,
					Factors: map[string]bool{
						"repeat_pattern":     true,
						"window_documented":  true,
						"amount_verified":    true,
						"no_return_expected": true,
					},
					RelatedEventIds: related,
					Detail: map[string]any{
						"customer_id":  customerId,
						"refund_count": len(h.refunds),
					},
				})
			}
			return candidates, nil
		},
	}
}

// unreturnedRefund flags refunds where a return was expected and the policy
// window elapsed with nothing received.
func unreturnedRefundDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "unreturned_refund",
		AnomalyType: models.AnomalyTypeUnreturnedRefund,
		Tier:        models.JobPriorityHigh,
		Weights: []EvidenceWeight{
			{Factor: "policy_window_elapsed", Weight: 0.30},
			{Factor: "no_return_received", Weight: 0.25},
			{Factor: "clear_incident_date", Weight: 0.20},
			{Factor: "amount_verified", Weight: 0.25},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(25),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(300),
		},
		MinValue:     decimal.NewFromInt(5),
		DeadlineDays: 45,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, r := range data.Refunds {
				if !r.ReturnExpected {
					continue
				}
				if data.ageDays(r.RefundDate) < returnPolicyDays {
					continue
				}
				if data.ReturnReceivedForOrder(r.OrderId) {
					continue
				}
				amount := r.Amount
				candidates = append(candidates, Candidate{
					EntityKey:      r.EntityKey,
					Quantity:       r.Quantity,
					IncidentDate:   r.RefundDate,
					AmountOverride: &amount,
					Factors: map[string]bool{
						"policy_window_elapsed": true,
						"no_return_received":    true,
						"clear_incident_date":   true,
						"amount_verified":       true,
					},
					RelatedEventIds: []string{"refund:" + r.OrderId},
					Detail:          map[string]any{"order_id": r.OrderId},
				})
			}
			return candidates, nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate)
		},
	}
}

// refundAmountMismatch flags refunds that exceed the observed value of the
// refunded units.
func refundAmountMismatchDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "refund_amount_mismatch",
		AnomalyType: models.AnomalyTypeRefundAmountMismatch,
		Tier:        models.JobPriorityNormal,
		Weights: []EvidenceWeight{
			{Factor: "amount_verified", Weight: 0.35},
			{Factor: "clear_incident_date", Weight: 0.25},
			{Factor: "price_history", Weight: 0.40},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(20),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(300),
		},
		MinValue:     decimal.NewFromInt(5),
		DeadlineDays: 60,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, r := range data.Refunds {
				if r.Quantity <= 0 || r.EntityKey == "" {
					continue
				}
				avg, ok := data.AvgSalePrice(r.EntityKey)
				if !ok || !avg.IsPositive() {
					continue
				}
				expected := avg.Mul(decimal.NewFromInt(int64(r.Quantity)))
				if r.Amount.LessThanOrEqual(expected) {
					continue
				}
				overage := r.Amount.Sub(expected)
				candidates = append(candidates, Candidate{
					EntityKey:      r.EntityKey,
					Quantity:       r.Quantity,
					IncidentDate:   r.RefundDate,
					AmountOverride: &overage,
					Factors: map[string]bool{
						"amount_verified":     true,
						"clear_incident_date": true,
						"price_history":       true,
					},
					RelatedEventIds: []string{"refund:" + r.OrderId},
					Detail: map[string]any{
						"order_id":        r.OrderId,
						"refunded_amount": r.Amount.String(),
						"expected_value":  expected.String(),
					},
				})
			}
			return candidates, nil
		},
	}
}

// chargebackDoubleDebit flags orders debited twice: a chargeback lost (or
// still open) on top of a refund already issued to the customer.
func chargebackDoubleDebitDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "chargeback_double_debit",
		AnomalyType: models.AnomalyTypeChargebackDoubleDebit,
		Tier:        models.JobPriorityCritical,
		Weights: []EvidenceWeight{
			{Factor: "refund_on_record", Weight: 0.30},
			{Factor: "chargeback_debited", Weight: 0.30},
			{Factor: "clear_incident_date", Weight: 0.20},
			{Factor: "amount_verified", Weight: 0.20},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(20),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(300),
		},
		MinValue:     decimal.NewFromInt(5),
		DeadlineDays: 45,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, cb := range data.Chargebacks {
				if cb.Resolution == "won" {
					continue
				}
				refund := data.RefundForOrder(cb.OrderId)
				if !refund.IsPositive() {
					continue
				}
				// the double debit is bounded by the smaller leg
				doubled := cb.Amount
				if refund.LessThan(doubled) {
					doubled = refund
				}
				entityKey := cb.EntityKey
				if entityKey == "" {
					entityKey = "order:" + cb.OrderId
				}
				candidates = append(candidates, Candidate{
					EntityKey:      entityKey,
					Quantity:       1,
					IncidentDate:   cb.ChargebackDate,
					AmountOverride: &doubled,
					Factors: map[string]bool{
						"refund_on_record":    true,
						"chargeback_debited":  true,
						"clear_incident_date": true,
						"amount_verified":     true,
					},
					RelatedEventIds: []string{"chargeback:" + cb.OrderId, "refund:" + cb.OrderId},
					Detail: map[string]any{
						"order_id":          cb.OrderId,
						"chargeback_amount": cb.Amount.String(),
						"refund_amount":     refund.String(),
					},
				})
			}
			return candidates, nil
		},
	}
}

func matchesFraudKeyword(disposition string) bool {
	d := strings.ToLower(disposition)
	for _, kw := range fraudDispositionKeywords {
		if strings.Contains(d, kw) {
			return true
		}
	}
	return false
}

// hasRollingWindowBurst reports whether count or more refunds fall inside
// any windowDays-wide span.
func hasRollingWindowBurst(refunds []models.RefundRecord, windowDays, count int) bool {
	if len(refunds) < count {
		return false
	}
	sorted := make([]models.RefundRecord, len(refunds))
	copy(sorted, refunds)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RefundDate.Before(sorted[j].RefundDate)
	})
	for i := 0; i+count-1 < len(sorted); i++ {
		span := sorted[i+count-1].RefundDate.Sub(sorted[i].RefundDate)
		if span.Hours() <= float64(windowDays)*24 {
			return true
		}
	}
	return false
}
