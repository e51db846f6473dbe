package detection

import (
	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/shopspring/decimal"
)

// Fee rules compare charged amounts against the expected amount ingestion
// derived from the published fee schedule. Rows without an expectation are
// unverifiable and never selected.

func feeOverchargeDetector() DetectorSpec {
	return feeComparisonSpec(feeComparisonConfig{
		name:        "fee_overcharge",
		anomalyType: models.AnomalyTypeFeeOvercharge,
		tier:        models.JobPriorityHigh,
		feeTypes:    map[string]bool{"fulfillment": true, "weight_handling": true},
		minOverage:  decimal.NewFromFloat(0.01),
		deadline:    90,
	})
}

func commissionOverchargeDetector() DetectorSpec {
	return feeComparisonSpec(feeComparisonConfig{
		name:        "commission_overcharge",
		anomalyType: models.AnomalyTypeCommissionOvercharge,
		tier:        models.JobPriorityNormal,
		feeTypes:    map[string]bool{"commission": true, "referral": true},
		minOverage:  decimal.NewFromFloat(0.01),
		deadline:    90,
	})
}

func storageFeeAnomalyDetector() DetectorSpec {
	// Storage estimates wobble with cubic-foot remeasurement; only flag
	// charges 25%+ above expectation to stay out of the noise.
	return feeComparisonSpec(feeComparisonConfig{
		name:          "storage_fee_anomaly",
		anomalyType:   models.AnomalyTypeStorageFeeAnomaly,
		tier:          models.JobPriorityLow,
		feeTypes:      map[string]bool{"storage": true, "long_term_storage": true},
		overageFactor: decimal.NewFromFloat(1.25),
		minOverage:    decimal.NewFromFloat(0.01),
		deadline:      60,
	})
}

type feeComparisonConfig struct {
	name          string
	anomalyType   models.AnomalyType
	tier          models.JobPriority
	feeTypes      map[string]bool
	overageFactor decimal.Decimal // zero means any overage counts
	minOverage    decimal.Decimal
	deadline      int
}

func feeComparisonSpec(cfg feeComparisonConfig) DetectorSpec {
	return DetectorSpec{
		Name:        cfg.name,
		AnomalyType: cfg.anomalyType,
		Tier:        cfg.tier,
		Weights: []EvidenceWeight{
			{Factor: "published_rate_verified", Weight: 0.30},
			{Factor: "clear_incident_date", Weight: 0.20},
			{Factor: "repeat_pattern", Weight: 0.25},
			{Factor: "amount_verified", Weight: 0.25},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(20),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(500),
		},
		MinValue:     decimal.NewFromInt(5),
		DeadlineDays: cfg.deadline,
		Select: func(data *Dataset) ([]Candidate, error) {
			type agg struct {
				overage decimal.Decimal
				count   int
				c       Candidate
			}
			byEntity := map[string]*agg{}
			for _, f := range data.Fees {
				if !cfg.feeTypes[f.FeeType] {
					continue
				}
				if !f.ExpectedAmount.IsPositive() {
					continue
				}
				threshold := f.ExpectedAmount
				if cfg.overageFactor.IsPositive() {
					threshold = f.ExpectedAmount.Mul(cfg.overageFactor)
				}
				if f.Amount.LessThanOrEqual(threshold) {
					continue
				}
				overage := f.Amount.Sub(f.ExpectedAmount)
				if overage.LessThan(cfg.minOverage) {
					continue
				}

				key := f.EntityKey
				if key == "" {
					key = "order:" + f.OrderId
				}
				a, ok := byEntity[key]
				if !ok {
					a = &agg{
						overage: decimal.Zero,
						c: Candidate{
							EntityKey:    key,
							Quantity:     0,
							IncidentDate: f.FeeDate,
							Detail:       map[string]any{"fee_types": []string{}},
						},
					}
					byEntity[key] = a
				}
				a.overage = a.overage.Add(overage)
				a.count++
				a.c.Quantity++
				if f.FeeDate.Before(a.c.IncidentDate) {
					a.c.IncidentDate = f.FeeDate
				}
				a.c.RelatedEventIds = append(a.c.RelatedEventIds, "fee:"+f.OrderId)
				if ts, ok := a.c.Detail["fee_types"].([]string); ok {
					a.c.Detail["fee_types"] = append(ts, f.FeeType)
				}
			}

			candidates := make([]Candidate, 0, len(byEntity))
			for _, a := range byEntity {
				overage := a.overage
				a.c.AmountOverride = &overage
				a.c.Factors = map[string]bool{
					"published_rate_verified": true,
					"clear_incident_date":     true,
					"repeat_pattern":          a.count >= 3,
					"amount_verified":         true,
				}
				a.c.Detail["occurrences"] = a.count
				candidates = append(candidates, a.c)
			}
			return candidates, nil
		},
	}
}
