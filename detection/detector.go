package detection

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Decision floors applied to calibrated confidence.
const (
	ReviewConfidenceFloor   = 0.55
	AutoFileConfidenceFloor = 0.75
)

// EvidenceWeight is one graded evidence factor. A detector's weights must
// sum to at most 1.0 at full evidence.
type EvidenceWeight struct {
	Factor string
	Weight float64
}

// SeverityThresholds are the monotonic estimated-value steps between the
// four severity tiers. Values below Medium are low severity.
type SeverityThresholds struct {
	Medium   decimal.Decimal
	High     decimal.Decimal
	Critical decimal.Decimal
}

// Candidate is one potential finding produced by a detector's selection
// predicate.
type Candidate struct {
	EntityKey       string
	Quantity        int
	IncidentDate    time.Time
	Factors         map[string]bool
	UnitValueHint   decimal.Decimal  // zero means unknown
	AmountOverride  *decimal.Decimal // direct monetary findings skip qty*unit
	RelatedEventIds []string
	Reconciliation  *models.ReconciliationEvidence
	Detail          map[string]any
}

// RunContext carries the run-scoped inputs a detector needs to stay pure:
// time is injected, never read from the wall clock inside evaluation.
type RunContext struct {
	SellerId      string
	SyncId        string
	CorrelationId string
	Now           time.Time
	Currency      string
	AutoFilingOn  bool
	Logger        *logrus.Logger
}

// DetectorSpec is a data-described detection rule: the shared engine below
// is the only code path, each concrete rule is configuration plus two
// closures (selection predicate, corroboration check).
type DetectorSpec struct {
	Name             string
	AnomalyType      models.AnomalyType
	Tier             models.JobPriority
	Weights          []EvidenceWeight
	Thresholds       SeverityThresholds
	MinValue         decimal.Decimal
	DefaultUnitValue decimal.Decimal
	DeadlineDays     int

	// Select scans the dataset for candidates. A returned error is systemic
	// and fails the owning job; malformed individual records must be skipped
	// inside Select, not surfaced.
	Select func(data *Dataset) ([]Candidate, error)

	// Resolved reports corroborating "already settled" evidence, e.g. an
	// existing reimbursement for the same entity. Optional.
	Resolved func(data *Dataset, c Candidate) bool
}

func (s DetectorSpec) TotalWeight() float64 {
	total := 0.0
	for _, w := range s.Weights {
		total += w.Weight
	}
	return total
}

// Detect runs the five-step evaluation for this rule. Pure given its inputs.
func (s DetectorSpec) Detect(run RunContext, data *Dataset) ([]models.DetectionResult, error) {
	candidates, err := s.Select(data)
	if err != nil {
		return nil, fmt.Errorf("%s: select candidates: %w", s.Name, err)
	}

	results := make([]models.DetectionResult, 0, len(candidates))
	for _, c := range candidates {
		if c.EntityKey == "" {
			s.skip(run, c, "missing entity key")
			continue
		}
		if c.AmountOverride == nil && c.Quantity <= 0 {
			s.skip(run, c, "non-positive quantity")
			continue
		}

		if s.Resolved != nil && s.Resolved(data, c) {
			continue
		}

		value, unitValue, valueSource := s.estimateValue(data, c)
		if value.LessThan(s.MinValue) {
			continue
		}

		confidence := scoreConfidence(s.Weights, c.Factors)
		severity := severityFor(value, s.Thresholds)
		action := actionFor(confidence, run.AutoFilingOn)

		deadline := run.Now.AddDate(0, 0, s.DeadlineDays)
		result := models.DetectionResult{
			SellerId:          run.SellerId,
			SyncId:            run.SyncId,
			AnomalyType:       s.AnomalyType,
			EntityKey:         c.EntityKey,
			DedupeKey:         models.BuildDedupeKey(run.SellerId, run.SyncId, s.AnomalyType, c.EntityKey),
			DetectorName:      s.Name,
			Severity:          severity,
			EstimatedValue:    value,
			Currency:          run.Currency,
			ConfidenceScore:   confidence,
			RecommendedAction: action,
			Status:            models.DetectionStatusPending,
			DiscoveryDate:     run.Now,
			DeadlineDate:      deadline,
			DaysRemaining:     utils.DaysRemaining(deadline, run.Now),
			CorrelationId:     run.CorrelationId,
		}

		evidence := models.EvidencePayload{
			Factors:         c.Factors,
			RawConfidence:   confidence,
			UnitValue:       unitValue.String(),
			UnitValueSource: valueSource,
			Quantity:        c.Quantity,
			Reconciliation:  c.Reconciliation,
			Detail:          c.Detail,
		}
		if err := result.SetEvidence(evidence); err != nil {
			s.skip(run, c, "encode evidence: "+err.Error())
			continue
		}
		if err := result.SetRelatedEventIds(c.RelatedEventIds); err != nil {
			s.skip(run, c, "encode related events: "+err.Error())
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (s DetectorSpec) skip(run RunContext, c Candidate, reason string) {
	if run.Logger == nil {
		return
	}
	run.Logger.WithFields(logrus.Fields{
		"field":      "Detector",
		"detector":   s.Name,
		"seller_id":  run.SellerId,
		"sync_id":    run.SyncId,
		"entity_key": c.EntityKey,
	}).Warn("skipping malformed candidate: " + reason)
}

// estimateValue prefers a direct amount, then the observed average sale
// price, then the candidate's own hint, then the detector baseline.
func (s DetectorSpec) estimateValue(data *Dataset, c Candidate) (value, unitValue decimal.Decimal, source string) {
	if c.AmountOverride != nil {
		return *c.AmountOverride, *c.AmountOverride, "direct"
	}
	qty := decimal.NewFromInt(int64(c.Quantity))

	if avg, ok := data.AvgSalePrice(c.EntityKey); ok && avg.IsPositive() {
		return avg.Mul(qty), avg, "avg_sale_price"
	}
	if c.UnitValueHint.IsPositive() {
		return c.UnitValueHint.Mul(qty), c.UnitValueHint, "ledger_hint"
	}
	return s.DefaultUnitValue.Mul(qty), s.DefaultUnitValue, "default_baseline"
}

func scoreConfidence(weights []EvidenceWeight, factors map[string]bool) float64 {
	score := 0.0
	for _, w := range weights {
		if factors[w.Factor] {
			score += w.Weight
		}
	}
	return utils.ClampUnit(score)
}

func severityFor(value decimal.Decimal, t SeverityThresholds) models.Severity {
	switch {
	case value.GreaterThanOrEqual(t.Critical):
		return models.SeverityCritical
	case value.GreaterThanOrEqual(t.High):
		return models.SeverityHigh
	case value.GreaterThanOrEqual(t.Medium):
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func actionFor(confidence float64, autoFilingOn bool) models.RecommendedAction {
	switch {
	case confidence >= AutoFileConfidenceFloor && autoFilingOn:
		return models.RecommendedActionAutoFile
	case confidence >= ReviewConfidenceFloor:
		return models.RecommendedActionReview
	default:
		return models.RecommendedActionMonitor
	}
}
