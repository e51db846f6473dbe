package detection

import (
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/shopspring/decimal"
)

// underpaidReimbursement flags paid reimbursements that fall short of the
// observed value of the units they cover.
func underpaidReimbursementDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "underpaid_reimbursement",
		AnomalyType: models.AnomalyTypeUnderpaidReimbursement,
		Tier:        models.JobPriorityHigh,
		Weights: []EvidenceWeight{
			{Factor: "claim_on_record", Weight: 0.25},
			{Factor: "price_history", Weight: 0.30},
			{Factor: "clear_incident_date", Weight: 0.20},
			{Factor: "amount_verified", Weight: 0.25},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(20),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(400),
		},
		MinValue:     decimal.NewFromInt(5),
		DeadlineDays: 90,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, r := range data.Reimbursements {
				if r.Quantity <= 0 || r.EntityKey == "" {
					continue
				}
				avg, ok := data.AvgSalePrice(r.EntityKey)
				if !ok || !avg.IsPositive() {
					continue
				}
				expected := avg.Mul(decimal.NewFromInt(int64(r.Quantity)))
				if r.Amount.GreaterThanOrEqual(expected) {
					continue
				}
				shortfall := expected.Sub(r.Amount)
				candidates = append(candidates, Candidate{
					EntityKey:      r.EntityKey,
					Quantity:       r.Quantity,
					IncidentDate:   r.ReimbursedDate,
					AmountOverride: &shortfall,
					Factors: map[string]bool{
						"claim_on_record":     true,
						"price_history":       true,
						"clear_incident_date": true,
						"amount_verified":     true,
					},
					RelatedEventIds: []string{"reimbursement:" + r.CaseId},
					Detail: map[string]any{
						"case_id":         r.CaseId,
						"paid_amount":     r.Amount.String(),
						"expected_amount": expected.String(),
					},
				})
			}
			return candidates, nil
		},
	}
}
