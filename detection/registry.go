package detection

import (
	"sort"

	"bitbucket.org/mmdatafocus/sellerguard_backend/config"
)

// Registry returns the fixed detector set, highest priority tier first.
// Concrete rules are data-described DetectorSpec instances; the shared
// engine in detector.go is the only evaluation code path.
func Registry() []DetectorSpec {
	specs := []DetectorSpec{
		// inventory / ledger
		lostWarehouseInventoryDetector(),
		damagedInventoryDetector(),
		destroyedInventoryDetector(),
		missingInboundShipmentDetector(),
		expiredShipmentClaimDetector(),
		strandedRemovalDetector(),

		// fees
		feeOverchargeDetector(),
		commissionOverchargeDetector(),
		storageFeeAnomalyDetector(),

		// returns / refunds
		fraudulentReturnDetector(),
		returnlessRefundAbuseDetector(),
		unreturnedRefundDetector(),
		refundAmountMismatchDetector(),
		chargebackDoubleDebitDetector(),

		// reimbursements
		underpaidReimbursementDetector(),
	}

	enabled := specs[:0]
	for _, s := range specs {
		if config.DetectorDisabled(s.Name) {
			continue
		}
		enabled = append(enabled, s)
	}

	// Results are order-insensitive for correctness; ordering by tier is
	// for presentation and log readability only.
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Tier.Score() > enabled[j].Tier.Score()
	})
	return enabled
}
