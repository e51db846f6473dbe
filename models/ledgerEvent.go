package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEvent is an append-only operational event keyed by entity
// (typically a product identifier). Snapshot rows carry an authoritative
// point-in-time balance; everything else is a flow.
type LedgerEvent struct {
	ID              uint             `gorm:"primary_key" json:"id"`
	SellerId        string           `gorm:"index:idx_ledger_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId          string           `gorm:"index:idx_ledger_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	EntityKey       string           `gorm:"index:idx_ledger_entity;size:128;not null" json:"entity_key"`
	EventType       LedgerEventType  `gorm:"size:30;not null" json:"event_type"`
	Direction       EventDirection   `gorm:"size:3;not null" json:"direction"`
	Quantity        int              `gorm:"not null" json:"quantity"`
	EventDate       time.Time        `gorm:"index;not null" json:"event_date"`
	SnapshotBalance *int             `json:"snapshot_balance"`
	UnitValueHint   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_value_hint"`
	SourceId        string           `gorm:"size:128" json:"source_id"`
	IngestedAt      time.Time        `gorm:"autoCreateTime" json:"ingested_at"`
}

func (e LedgerEvent) IsSnapshot() bool {
	return e.EventType == LedgerEventSnapshot && e.SnapshotBalance != nil
}

// IsInput reports whether the event adds units the seller should still hold.
func (e LedgerEvent) IsInput() bool {
	switch e.EventType {
	case LedgerEventReceipt, LedgerEventCustomerReturn, LedgerEventAdjustmentPositive:
		return true
	}
	return e.Direction == EventDirectionIn && e.EventType != LedgerEventSnapshot
}

func (e LedgerEvent) IsOutput() bool {
	switch e.EventType {
	case LedgerEventShipment, LedgerEventRemoval, LedgerEventDisposal, LedgerEventAdjustmentNegative:
		return true
	}
	return e.Direction == EventDirectionOut && e.EventType != LedgerEventSnapshot
}

// Magnitude is the absolute quantity; adjustments may be ingested signed.
func (e LedgerEvent) Magnitude() int {
	if e.Quantity < 0 {
		return -e.Quantity
	}
	return e.Quantity
}
