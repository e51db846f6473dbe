package models

// AnomalyType identifies the business rule family that produced a detection.
type AnomalyType string

const (
	AnomalyTypeLostWarehouseInventory AnomalyType = "lost_warehouse_inventory"
	AnomalyTypeDamagedInventory       AnomalyType = "damaged_inventory"
	AnomalyTypeDestroyedInventory     AnomalyType = "destroyed_inventory"
	AnomalyTypeMissingInboundShipment AnomalyType = "missing_inbound_shipment"
	AnomalyTypeStrandedRemoval        AnomalyType = "stranded_removal"
	AnomalyTypeFeeOvercharge          AnomalyType = "fee_overcharge"
	AnomalyTypeCommissionOvercharge   AnomalyType = "commission_overcharge"
	AnomalyTypeStorageFeeAnomaly      AnomalyType = "storage_fee_anomaly"
	AnomalyTypeFraudulentReturn       AnomalyType = "fraudulent_return"
	AnomalyTypeReturnlessRefundAbuse  AnomalyType = "returnless_refund_abuse"
	AnomalyTypeUnreturnedRefund       AnomalyType = "unreturned_refund"
	AnomalyTypeRefundAmountMismatch   AnomalyType = "refund_amount_mismatch"
	AnomalyTypeChargebackDoubleDebit  AnomalyType = "chargeback_double_debit"
	AnomalyTypeUnderpaidReimbursement AnomalyType = "underpaid_reimbursement"
	AnomalyTypeExpiredShipmentClaim   AnomalyType = "expired_shipment_claim"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecommendedAction is derived from calibrated confidence against two fixed
// decision floors (see detection package).
type RecommendedAction string

const (
	RecommendedActionMonitor  RecommendedAction = "monitor"
	RecommendedActionReview   RecommendedAction = "review"
	RecommendedActionAutoFile RecommendedAction = "auto_file"
)

// DetectionStatus is the downstream lifecycle of a stored result.
type DetectionStatus string

const (
	DetectionStatusPending  DetectionStatus = "pending"
	DetectionStatusFiled    DetectionStatus = "filed"
	DetectionStatusApproved DetectionStatus = "approved"
	DetectionStatusRejected DetectionStatus = "rejected"
	DetectionStatusExpired  DetectionStatus = "expired"
)

type JobPriority string

const (
	JobPriorityLow      JobPriority = "low"
	JobPriorityNormal   JobPriority = "normal"
	JobPriorityHigh     JobPriority = "high"
	JobPriorityCritical JobPriority = "critical"
)

// Score orders jobs for dequeue: higher first, ties broken FIFO.
func (p JobPriority) Score() int {
	switch p {
	case JobPriorityCritical:
		return 4
	case JobPriorityHigh:
		return 3
	case JobPriorityNormal:
		return 2
	case JobPriorityLow:
		return 1
	default:
		return 0
	}
}

func ParseJobPriority(s string) JobPriority {
	switch JobPriority(s) {
	case JobPriorityLow, JobPriorityNormal, JobPriorityHigh, JobPriorityCritical:
		return JobPriority(s)
	default:
		return JobPriorityNormal
	}
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

type EventDirection string

const (
	EventDirectionIn  EventDirection = "in"
	EventDirectionOut EventDirection = "out"
)

// LedgerEventType classifies ledger rows into flows and snapshots.
type LedgerEventType string

const (
	LedgerEventReceipt            LedgerEventType = "receipt"
	LedgerEventCustomerReturn     LedgerEventType = "customer_return"
	LedgerEventAdjustmentPositive LedgerEventType = "adjustment_positive"
	LedgerEventShipment           LedgerEventType = "shipment"
	LedgerEventRemoval            LedgerEventType = "removal"
	LedgerEventDisposal           LedgerEventType = "disposal"
	LedgerEventAdjustmentNegative LedgerEventType = "adjustment_negative"
	LedgerEventSnapshot           LedgerEventType = "snapshot"
)

// Sync-side detection lifecycle. A failed detection run degrades the sync
// record, it never aborts the sync itself.
const (
	SyncDetectionStatusPending   = "pending"
	SyncDetectionStatusRunning   = "running"
	SyncDetectionStatusCompleted = "completed"
	SyncDetectionStatusDegraded  = "degraded"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSync     = "sync"
	SyncTriggeredRetry    = "retry"
	SyncTriggeredBackfill = "backfill"
)
