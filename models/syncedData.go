package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// The synced record types below are written by the upstream ingestion
// service per seller+sync and consumed read-only by the detection engine.

type RefundRecord struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	SellerId       string          `gorm:"index:idx_refund_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId         string          `gorm:"index:idx_refund_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	OrderId        string          `gorm:"index;size:64;not null" json:"order_id"`
	CustomerId     string          `gorm:"index;size:64" json:"customer_id"`
	EntityKey      string          `gorm:"index;size:128" json:"entity_key"`
	Quantity       int             `json:"quantity"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency       string          `gorm:"size:3;default:'USD'" json:"currency"`
	RefundDate     time.Time       `gorm:"index;not null" json:"refund_date"`
	ReturnExpected bool            `json:"return_expected"`
	Reason         string          `gorm:"size:255" json:"reason"`
}

type ReturnRecord struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SellerId    string    `gorm:"index:idx_return_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId      string    `gorm:"index:idx_return_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	OrderId     string    `gorm:"index;size:64;not null" json:"order_id"`
	CustomerId  string    `gorm:"index;size:64" json:"customer_id"`
	EntityKey   string    `gorm:"index;size:128;not null" json:"entity_key"`
	Quantity    int       `json:"quantity"`
	ReturnDate  time.Time `gorm:"index;not null" json:"return_date"`
	Received    bool      `json:"received"`
	Disposition string    `gorm:"size:64" json:"disposition"`
}

type FeeRecord struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	SellerId       string          `gorm:"index:idx_fee_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId         string          `gorm:"index:idx_fee_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	OrderId        string          `gorm:"index;size:64" json:"order_id"`
	EntityKey      string          `gorm:"index;size:128" json:"entity_key"`
	FeeType        string          `gorm:"size:40;not null" json:"fee_type"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ExpectedAmount decimal.Decimal `gorm:"type:decimal(20,4)" json:"expected_amount"`
	Currency       string          `gorm:"size:3;default:'USD'" json:"currency"`
	FeeDate        time.Time       `gorm:"index;not null" json:"fee_date"`
}

type ShipmentRecord struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	SellerId         string     `gorm:"index:idx_shipment_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId           string     `gorm:"index:idx_shipment_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	ShipmentId       string     `gorm:"index;size:64;not null" json:"shipment_id"`
	EntityKey        string     `gorm:"index;size:128;not null" json:"entity_key"`
	QuantityShipped  int        `json:"quantity_shipped"`
	QuantityReceived int        `json:"quantity_received"`
	Status           string     `gorm:"size:30;not null" json:"status"`
	ShippedDate      time.Time  `json:"shipped_date"`
	ClosedDate       *time.Time `gorm:"index" json:"closed_date"`
}

type ReimbursementRecord struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	SellerId       string          `gorm:"index:idx_reimb_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId         string          `gorm:"index:idx_reimb_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	CaseId         string          `gorm:"index;size:64" json:"case_id"`
	EntityKey      string          `gorm:"index;size:128;not null" json:"entity_key"`
	Quantity       int             `json:"quantity"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency       string          `gorm:"size:3;default:'USD'" json:"currency"`
	ReimbursedDate time.Time       `gorm:"index;not null" json:"reimbursed_date"`
	Reason         string          `gorm:"size:128" json:"reason"`
}

type ChargebackRecord struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	SellerId       string          `gorm:"index:idx_cb_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId         string          `gorm:"index:idx_cb_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	OrderId        string          `gorm:"index;size:64;not null" json:"order_id"`
	EntityKey      string          `gorm:"index;size:128" json:"entity_key"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency       string          `gorm:"size:3;default:'USD'" json:"currency"`
	ChargebackDate time.Time       `gorm:"index;not null" json:"chargeback_date"`
	Resolution     string          `gorm:"size:30" json:"resolution"`
}

type RemovalRecord struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	SellerId          string     `gorm:"index:idx_removal_seller_sync,priority:1;size:64;not null" json:"seller_id"`
	SyncId            string     `gorm:"index:idx_removal_seller_sync,priority:2;size:64;not null" json:"sync_id"`
	RemovalId         string     `gorm:"index;size:64;not null" json:"removal_id"`
	EntityKey         string     `gorm:"index;size:128;not null" json:"entity_key"`
	QuantityRequested int        `json:"quantity_requested"`
	QuantityReturned  int        `json:"quantity_returned"`
	Disposition       string     `gorm:"size:30" json:"disposition"`
	SellerRequested   bool       `json:"seller_requested"`
	Status            string     `gorm:"size:30;not null" json:"status"`
	RequestedDate     time.Time  `gorm:"index;not null" json:"requested_date"`
	CompletedDate     *time.Time `json:"completed_date"`
}

// EntityPriceStat is the observed average sale price per entity, refreshed
// by ingestion. Detectors prefer it over category baselines when estimating
// recovery value.
type EntityPriceStat struct {
	ID           uint            `gorm:"primary_key" json:"id"`
	SellerId     string          `gorm:"uniqueIndex:uniq_price_entity,priority:1;size:64;not null" json:"seller_id"`
	EntityKey    string          `gorm:"uniqueIndex:uniq_price_entity,priority:2;size:128;not null" json:"entity_key"`
	AvgSalePrice decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"avg_sale_price"`
	Currency     string          `gorm:"size:3;default:'USD'" json:"currency"`
	SampleSize   int             `json:"sample_size"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
