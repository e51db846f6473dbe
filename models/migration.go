package models

import (
	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		// synced ledger + event slices (written by ingestion, read here)
		&LedgerEvent{},
		&RefundRecord{},
		&ReturnRecord{},
		&FeeRecord{},
		&ShipmentRecord{},
		&ReimbursementRecord{},
		&ChargebackRecord{},
		&RemovalRecord{},
		&EntityPriceStat{},

		// detection engine state
		&DetectionResult{},
		&DetectionJob{},
		&CalibrationStat{},
		&SellerSyncRun{},
		&IdempotencyKey{},
		&NotificationOutboxRecord{},
	)
	utils.ErrorPanic(err)
}
