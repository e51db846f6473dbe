package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DetectionResult is one flagged discrepancy. The unique index backing the
// upsert guarantees at most one live row per dedupe key, so a retried run
// overwrites instead of duplicating.
type DetectionResult struct {
	ID                uint              `gorm:"primary_key" json:"id"`
	SellerId          string            `gorm:"uniqueIndex:uniq_detection_dedupe,priority:1;size:64;not null" json:"seller_id"`
	SyncId            string            `gorm:"uniqueIndex:uniq_detection_dedupe,priority:2;size:64;not null" json:"sync_id"`
	AnomalyType       AnomalyType       `gorm:"uniqueIndex:uniq_detection_dedupe,priority:3;size:50;not null" json:"anomaly_type"`
	EntityKey         string            `gorm:"uniqueIndex:uniq_detection_dedupe,priority:4;size:128;not null" json:"entity_key"`
	DedupeKey         string            `gorm:"size:255;not null;index" json:"dedupe_key"`
	DetectorName      string            `gorm:"size:64;not null" json:"detector_name"`
	Severity          Severity          `gorm:"size:10;not null;index" json:"severity"`
	EstimatedValue    decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"estimated_value"`
	Currency          string            `gorm:"size:3;default:'USD'" json:"currency"`
	ConfidenceScore   float64           `gorm:"not null" json:"confidence_score"`
	RecommendedAction RecommendedAction `gorm:"size:20;not null" json:"recommended_action"`
	Status            DetectionStatus   `gorm:"size:20;not null;index;default:'pending'" json:"status"`
	EvidenceJSON      []byte            `gorm:"type:json" json:"evidence"`
	RelatedEventsJSON []byte            `gorm:"type:json" json:"related_event_ids"`
	DiscoveryDate     time.Time         `gorm:"not null" json:"discovery_date"`
	DeadlineDate      time.Time         `gorm:"not null;index" json:"deadline_date"`
	DaysRemaining     int               `json:"days_remaining"`
	CorrelationId     string            `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// BuildDedupeKey identifies "the same finding" across repeated runs.
func BuildDedupeKey(sellerId, syncId string, anomalyType AnomalyType, entityKey string) string {
	return strings.Join([]string{sellerId, syncId, string(anomalyType), entityKey}, "|")
}

// ReconciliationEvidence captures the balance-vs-expectation inputs behind a
// ledger-based detection.
type ReconciliationEvidence struct {
	TotalInput        int `json:"total_input"`
	TotalOutput       int `json:"total_output"`
	CalculatedBalance int `json:"calculated_balance"`
	ReportedBalance   int `json:"reported_balance"`
	Discrepancy       int `json:"discrepancy"`
}

// EvidencePayload is the stored forensic detail. Typed fields cover what
// every detector produces; Detail carries genuinely variable extras.
type EvidencePayload struct {
	Factors                map[string]bool         `json:"factors"`
	RawConfidence          float64                 `json:"raw_confidence"`
	CalibrationFactor      float64                 `json:"calibration_factor"`
	HistoricalApprovalRate float64                 `json:"historical_approval_rate"`
	CalibrationSampleSize  int                     `json:"calibration_sample_size"`
	UnitValue              string                  `json:"unit_value"`
	UnitValueSource        string                  `json:"unit_value_source"`
	Quantity               int                     `json:"quantity"`
	Reconciliation         *ReconciliationEvidence `json:"reconciliation,omitempty"`
	Detail                 map[string]any          `json:"detail,omitempty"`
}

func (r *DetectionResult) SetEvidence(p EvidencePayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r.EvidenceJSON = b
	return nil
}

func (r *DetectionResult) Evidence() (EvidencePayload, error) {
	var p EvidencePayload
	if len(r.EvidenceJSON) == 0 {
		return p, nil
	}
	err := json.Unmarshal(r.EvidenceJSON, &p)
	return p, err
}

func (r *DetectionResult) SetRelatedEventIds(ids []string) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	r.RelatedEventsJSON = b
	return nil
}

func (r *DetectionResult) RelatedEventIds() []string {
	var ids []string
	if len(r.RelatedEventsJSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.RelatedEventsJSON, &ids); err != nil {
		return nil
	}
	return ids
}

// UpsertDetectionResults writes a run's batch in one transaction.
// Last write wins per dedupe key; downstream status is preserved only for
// rows a later run no longer re-reports.
func UpsertDetectionResults(tx *gorm.DB, results []DetectionResult) error {
	if len(results) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "seller_id"},
			{Name: "sync_id"},
			{Name: "anomaly_type"},
			{Name: "entity_key"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"dedupe_key",
			"detector_name",
			"severity",
			"estimated_value",
			"currency",
			"confidence_score",
			"recommended_action",
			"evidence_json",
			"related_events_json",
			"discovery_date",
			"deadline_date",
			"days_remaining",
			"correlation_id",
			"updated_at",
		}),
	}).Create(&results).Error
}

type DetectionResultFilter struct {
	SellerId    string
	SyncId      string
	AnomalyType AnomalyType
	Severity    Severity
	Status      DetectionStatus
	Limit       int
	Offset      int
}

func ListDetectionResults(db *gorm.DB, filter DetectionResultFilter) ([]DetectionResult, int64, error) {
	q := db.Model(&DetectionResult{})
	if filter.SellerId != "" {
		q = q.Where("seller_id = ?", filter.SellerId)
	}
	if filter.SyncId != "" {
		q = q.Where("sync_id = ?", filter.SyncId)
	}
	if filter.AnomalyType != "" {
		q = q.Where("anomaly_type = ?", filter.AnomalyType)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var results []DetectionResult
	err := q.Order("estimated_value DESC, id ASC").Limit(limit).Offset(filter.Offset).Find(&results).Error
	return results, total, err
}

// ExpirePastDeadline marks pending results whose dispute window has closed.
func ExpirePastDeadline(db *gorm.DB, now time.Time) (int64, error) {
	res := db.Model(&DetectionResult{}).
		Where("status = ? AND deadline_date < ?", DetectionStatusPending, now).
		Updates(map[string]interface{}{
			"status":         DetectionStatusExpired,
			"days_remaining": 0,
		})
	return res.RowsAffected, res.Error
}
