package detection

import (
	"sort"
	"strconv"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
)

// ReconciliationOutcome is the derived balance-vs-expectation comparison for
// one entity. It is never persisted; detectors consume it directly.
type ReconciliationOutcome struct {
	EntityKey            string
	TotalInput           int
	TotalOutput          int
	CalculatedBalance    int
	ReportedBalance      int
	Discrepancy          int
	SnapshotDate         int64 // unix seconds of the anchoring snapshot
	ContributingEventIds []string
}

// Reconcile groups ledger events by entity key, accumulates input/output
// flow totals by absolute magnitude, anchors on the most recent snapshot
// (timestamp, then ingestion id as the deterministic tie-break) and emits an
// outcome only when the calculated balance exceeds the reported one. An
// entity with no snapshot is skipped: without a truth anchor there is
// nothing to reconcile. Pure and deterministic; output ordered by entity key.
func Reconcile(events []models.LedgerEvent) []ReconciliationOutcome {
	groups := make(map[string][]models.LedgerEvent)
	for _, e := range events {
		if e.EntityKey == "" {
			continue
		}
		groups[e.EntityKey] = append(groups[e.EntityKey], e)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var outcomes []ReconciliationOutcome
	for _, key := range keys {
		group := groups[key]

		var snapshot *models.LedgerEvent
		for i := range group {
			e := &group[i]
			if !e.IsSnapshot() {
				continue
			}
			if snapshot == nil ||
				e.EventDate.After(snapshot.EventDate) ||
				(e.EventDate.Equal(snapshot.EventDate) && e.ID > snapshot.ID) {
				snapshot = e
			}
		}
		if snapshot == nil {
			continue
		}

		outcome := ReconciliationOutcome{
			EntityKey:       key,
			ReportedBalance: *snapshot.SnapshotBalance,
			SnapshotDate:    snapshot.EventDate.Unix(),
		}
		for _, e := range group {
			if e.IsSnapshot() {
				continue
			}
			switch {
			case e.IsInput():
				outcome.TotalInput += e.Magnitude()
			case e.IsOutput():
				outcome.TotalOutput += e.Magnitude()
			default:
				// unclassifiable flow rows contribute nothing
				continue
			}
			outcome.ContributingEventIds = append(outcome.ContributingEventIds, eventRef(e))
		}

		outcome.CalculatedBalance = outcome.TotalInput - outcome.TotalOutput
		outcome.Discrepancy = outcome.CalculatedBalance - outcome.ReportedBalance

		// reported >= calculated is healthy: it cannot represent
		// seller-adverse loss under this model.
		if outcome.Discrepancy <= 0 {
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func eventRef(e models.LedgerEvent) string {
	if e.SourceId != "" {
		return e.SourceId
	}
	return "ledger:" + strconv.FormatUint(uint64(e.ID), 10)
}
