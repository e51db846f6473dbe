package detection

import (
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"github.com/shopspring/decimal"
)

// Settlement windows used by the inbound shipment rules, in days since the
// shipment closed. Short of the window the marketplace may still reconcile
// units on its own.
const (
	inboundSettleDays = 30
	inboundClaimDays  = 90
)

// lostWarehouseInventory flags entities whose replayed ledger says more
// units should exist than the latest snapshot reports.
func lostWarehouseInventoryDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "lost_warehouse_inventory",
		AnomalyType: models.AnomalyTypeLostWarehouseInventory,
		Tier:        models.JobPriorityCritical,
		Weights: []EvidenceWeight{
			{Factor: "authoritative_snapshot", Weight: 0.25},
			{Factor: "documented_policy_window", Weight: 0.25},
			{Factor: "no_pending_inbound", Weight: 0.20},
			{Factor: "amount_verified", Weight: 0.15},
			{Factor: "no_open_removal", Weight: 0.15},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(30),
			High:     decimal.NewFromInt(200),
			Critical: decimal.NewFromInt(500),
		},
		MinValue:         decimal.NewFromInt(5),
		DefaultUnitValue: decimal.NewFromInt(10),
		DeadlineDays:     90,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, outcome := range data.Reconciled() {
				_, priced := data.AvgSalePrice(outcome.EntityKey)
				candidates = append(candidates, Candidate{
					EntityKey:    outcome.EntityKey,
					Quantity:     outcome.Discrepancy,
					IncidentDate: time.Unix(outcome.SnapshotDate, 0).UTC(),
					Factors: map[string]bool{
						"authoritative_snapshot":   true,
						"documented_policy_window": true,
						"no_pending_inbound":       !hasOpenShipment(data, outcome.EntityKey),
						"amount_verified":          priced,
						"no_open_removal":          !hasOpenRemoval(data, outcome.EntityKey),
					},
					RelatedEventIds: outcome.ContributingEventIds,
					Reconciliation: &models.ReconciliationEvidence{
						TotalInput:        outcome.TotalInput,
						TotalOutput:       outcome.TotalOutput,
						CalculatedBalance: outcome.CalculatedBalance,
						ReportedBalance:   outcome.ReportedBalance,
						Discrepancy:       outcome.Discrepancy,
					},
				})
			}
			return candidates, nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate.AddDate(0, 0, -inboundClaimDays))
		},
	}
}

// damagedInventory flags returns the warehouse graded as damaged in the
// marketplace's custody (carrier or fulfillment-center damage).
func damagedInventoryDetector() DetectorSpec {
	damagedDispositions := map[string]bool{
		"carrier_damaged":   true,
		"warehouse_damaged": true,
		"damaged_by_fc":     true,
	}
	return DetectorSpec{
		Name:        "damaged_inventory",
		AnomalyType: models.AnomalyTypeDamagedInventory,
		Tier:        models.JobPriorityHigh,
		Weights: []EvidenceWeight{
			{Factor: "clear_incident_date", Weight: 0.25},
			{Factor: "custody_disposition", Weight: 0.30},
			{Factor: "amount_verified", Weight: 0.20},
			{Factor: "documented_policy_window", Weight: 0.25},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(25),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(500),
		},
		MinValue:         decimal.NewFromInt(5),
		DefaultUnitValue: decimal.NewFromInt(10),
		DeadlineDays:     60,
		Select: func(data *Dataset) ([]Candidate, error) {
			byEntity := map[string]*Candidate{}
			for _, r := range data.Returns {
				if !damagedDispositions[r.Disposition] || !r.Received {
					continue
				}
				c, ok := byEntity[r.EntityKey]
				if !ok {
					_, priced := data.AvgSalePrice(r.EntityKey)
					c = &Candidate{
						EntityKey:    r.EntityKey,
						IncidentDate: r.ReturnDate,
						Factors: map[string]bool{
							"clear_incident_date":      true,
							"custody_disposition":      true,
							"amount_verified":          priced,
							"documented_policy_window": true,
						},
						Detail: map[string]any{"dispositions": []string{}},
					}
					byEntity[r.EntityKey] = c
				}
				c.Quantity += r.Quantity
				if r.ReturnDate.Before(c.IncidentDate) {
					c.IncidentDate = r.ReturnDate
				}
				c.RelatedEventIds = append(c.RelatedEventIds, "return:"+r.OrderId)
				if ds, ok := c.Detail["dispositions"].([]string); ok {
					c.Detail["dispositions"] = append(ds, r.Disposition)
				}
			}
			return collectCandidates(byEntity), nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate)
		},
	}
}

// destroyedInventory flags completed disposal removals the seller never
// requested.
func destroyedInventoryDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "destroyed_inventory",
		AnomalyType: models.AnomalyTypeDestroyedInventory,
		Tier:        models.JobPriorityCritical,
		Weights: []EvidenceWeight{
			{Factor: "clear_incident_date", Weight: 0.25},
			{Factor: "no_seller_request", Weight: 0.35},
			{Factor: "amount_verified", Weight: 0.20},
			{Factor: "documented_policy_window", Weight: 0.20},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(25),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(400),
		},
		MinValue:         decimal.NewFromInt(5),
		DefaultUnitValue: decimal.NewFromInt(10),
		DeadlineDays:     60,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, r := range data.Removals {
				if r.Disposition != "disposal" || r.Status != "completed" || r.SellerRequested {
					continue
				}
				incident := r.RequestedDate
				if r.CompletedDate != nil {
					incident = *r.CompletedDate
				}
				_, priced := data.AvgSalePrice(r.EntityKey)
				candidates = append(candidates, Candidate{
					EntityKey:    r.EntityKey,
					Quantity:     r.QuantityRequested,
					IncidentDate: incident,
					Factors: map[string]bool{
						"clear_incident_date":      r.CompletedDate != nil,
						"no_seller_request":        true,
						"amount_verified":          priced,
						"documented_policy_window": true,
					},
					RelatedEventIds: []string{"removal:" + r.RemovalId},
					Detail:          map[string]any{"removal_id": r.RemovalId},
				})
			}
			return candidates, nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate)
		},
	}
}

// missingInboundShipment flags closed inbound shipments with a receiving
// shortfall inside the normal claim window.
func missingInboundShipmentDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "missing_inbound_shipment",
		AnomalyType: models.AnomalyTypeMissingInboundShipment,
		Tier:        models.JobPriorityHigh,
		Weights: []EvidenceWeight{
			{Factor: "clear_incident_date", Weight: 0.25},
			{Factor: "shipment_closed", Weight: 0.25},
			{Factor: "settle_window_elapsed", Weight: 0.20},
			{Factor: "amount_verified", Weight: 0.15},
			{Factor: "documented_policy_window", Weight: 0.15},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(30),
			High:     decimal.NewFromInt(150),
			Critical: decimal.NewFromInt(500),
		},
		MinValue:         decimal.NewFromInt(10),
		DefaultUnitValue: decimal.NewFromInt(10),
		DeadlineDays:     75,
		Select: func(data *Dataset) ([]Candidate, error) {
			return shipmentShortfalls(data, func(ageDays int) bool {
				return ageDays >= inboundSettleDays && ageDays < inboundClaimDays
			}), nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate)
		},
	}
}

// expiredShipmentClaim flags shortfalls whose claim window is already past
// the urgent threshold and still unreimbursed.
func expiredShipmentClaimDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "expired_shipment_claim",
		AnomalyType: models.AnomalyTypeExpiredShipmentClaim,
		Tier:        models.JobPriorityCritical,
		Weights: []EvidenceWeight{
			{Factor: "clear_incident_date", Weight: 0.25},
			{Factor: "shipment_closed", Weight: 0.25},
			{Factor: "claim_window_expiring", Weight: 0.25},
			{Factor: "amount_verified", Weight: 0.25},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(30),
			High:     decimal.NewFromInt(150),
			Critical: decimal.NewFromInt(500),
		},
		MinValue:         decimal.NewFromInt(10),
		DefaultUnitValue: decimal.NewFromInt(10),
		DeadlineDays:     45,
		Select: func(data *Dataset) ([]Candidate, error) {
			return shipmentShortfalls(data, func(ageDays int) bool {
				return ageDays >= inboundClaimDays
			}), nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate)
		},
	}
}

// strandedRemoval flags return removals stuck incomplete for 60+ days.
func strandedRemovalDetector() DetectorSpec {
	return DetectorSpec{
		Name:        "stranded_removal",
		AnomalyType: models.AnomalyTypeStrandedRemoval,
		Tier:        models.JobPriorityNormal,
		Weights: []EvidenceWeight{
			{Factor: "clear_incident_date", Weight: 0.25},
			{Factor: "aged_past_sla", Weight: 0.30},
			{Factor: "amount_verified", Weight: 0.20},
			{Factor: "documented_policy_window", Weight: 0.25},
		},
		Thresholds: SeverityThresholds{
			Medium:   decimal.NewFromInt(25),
			High:     decimal.NewFromInt(100),
			Critical: decimal.NewFromInt(400),
		},
		MinValue:         decimal.NewFromInt(5),
		DefaultUnitValue: decimal.NewFromInt(10),
		DeadlineDays:     60,
		Select: func(data *Dataset) ([]Candidate, error) {
			var candidates []Candidate
			for _, r := range data.Removals {
				if r.Disposition != "return" || r.Status == "completed" || r.Status == "cancelled" {
					continue
				}
				missing := r.QuantityRequested - r.QuantityReturned
				if missing <= 0 {
					continue
				}
				age := data.ageDays(r.RequestedDate)
				if age < 60 {
					continue
				}
				_, priced := data.AvgSalePrice(r.EntityKey)
				candidates = append(candidates, Candidate{
					EntityKey:    r.EntityKey,
					Quantity:     missing,
					IncidentDate: r.RequestedDate,
					Factors: map[string]bool{
						"clear_incident_date":      true,
						"aged_past_sla":            true,
						"amount_verified":          priced,
						"documented_policy_window": true,
					},
					RelatedEventIds: []string{"removal:" + r.RemovalId},
					Detail:          map[string]any{"removal_id": r.RemovalId, "age_days": age},
				})
			}
			return candidates, nil
		},
		Resolved: func(data *Dataset, c Candidate) bool {
			return data.HasReimbursementFor(c.EntityKey, c.IncidentDate)
		},
	}
}

func shipmentShortfalls(data *Dataset, inWindow func(ageDays int) bool) []Candidate {
	var candidates []Candidate
	for _, s := range data.Shipments {
		if s.Status != "closed" || s.ClosedDate == nil {
			continue
		}
		missing := s.QuantityShipped - s.QuantityReceived
		if missing <= 0 {
			continue
		}
		age := data.ageDays(*s.ClosedDate)
		if !inWindow(age) {
			continue
		}
		_, priced := data.AvgSalePrice(s.EntityKey)
		candidates = append(candidates, Candidate{
			EntityKey:    s.EntityKey,
			Quantity:     missing,
			IncidentDate: *s.ClosedDate,
			Factors: map[string]bool{
				"clear_incident_date":      true,
				"shipment_closed":          true,
				"settle_window_elapsed":    true,
				"claim_window_expiring":    age >= inboundClaimDays,
				"amount_verified":          priced,
				"documented_policy_window": true,
			},
			RelatedEventIds: []string{"shipment:" + s.ShipmentId},
			Detail:          map[string]any{"shipment_id": s.ShipmentId, "age_days": age},
		})
	}
	return candidates
}

func hasOpenShipment(data *Dataset, entityKey string) bool {
	for _, s := range data.Shipments {
		if s.EntityKey == entityKey && s.Status != "closed" && s.Status != "cancelled" {
			return true
		}
	}
	return false
}

func hasOpenRemoval(data *Dataset, entityKey string) bool {
	for _, r := range data.Removals {
		if r.EntityKey == entityKey && r.Status != "completed" && r.Status != "cancelled" {
			return true
		}
	}
	return false
}

func collectCandidates(byEntity map[string]*Candidate) []Candidate {
	candidates := make([]Candidate, 0, len(byEntity))
	for _, c := range byEntity {
		candidates = append(candidates, *c)
	}
	return candidates
}
