package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Dataset is the read-only bundle every detector in a run evaluates against.
// Slices are loaded concurrently and never mutated after FetchDataset
// returns.
type Dataset struct {
	Events         []models.LedgerEvent
	Refunds        []models.RefundRecord
	Returns        []models.ReturnRecord
	Fees           []models.FeeRecord
	Shipments      []models.ShipmentRecord
	Reimbursements []models.ReimbursementRecord
	Chargebacks    []models.ChargebackRecord
	Removals       []models.RemovalRecord
	Prices         map[string]decimal.Decimal
	Currency       string

	// AsOf is the run's evaluation instant. Age predicates use it instead
	// of the wall clock so detection stays deterministic for a given input.
	AsOf time.Time

	reconcileOnce sync.Once
	reconciled    []ReconciliationOutcome
}

// Reconciled runs the reconciliation primitive once per dataset; detectors
// sharing a run share the outcome slice read-only.
func (d *Dataset) Reconciled() []ReconciliationOutcome {
	d.reconcileOnce.Do(func() {
		d.reconciled = Reconcile(d.Events)
	})
	return d.reconciled
}

func (d *Dataset) ageDays(t time.Time) int {
	if t.After(d.AsOf) {
		return 0
	}
	return int(d.AsOf.Sub(t).Hours() / 24)
}

func (d *Dataset) AvgSalePrice(entityKey string) (decimal.Decimal, bool) {
	p, ok := d.Prices[entityKey]
	return p, ok
}

// HasReimbursementFor reports settled evidence for an entity on or after the
// given date. Used by corroboration checks to avoid double-counting cases
// the marketplace already paid out.
func (d *Dataset) HasReimbursementFor(entityKey string, since time.Time) bool {
	for _, r := range d.Reimbursements {
		if r.EntityKey == entityKey && !r.ReimbursedDate.Before(since) {
			return true
		}
	}
	return false
}

// ReturnReceivedForOrder reports whether any return for the order reached
// the warehouse.
func (d *Dataset) ReturnReceivedForOrder(orderId string) bool {
	for _, r := range d.Returns {
		if r.OrderId == orderId && r.Received {
			return true
		}
	}
	return false
}

// RefundForOrder sums refund amounts issued against an order.
func (d *Dataset) RefundForOrder(orderId string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range d.Refunds {
		if r.OrderId == orderId {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// FetchDataset loads every slice for the seller+sync pair with bounded
// fan-out. Any slice failure is systemic: the whole fetch fails and the
// owning job retries.
func FetchDataset(ctx context.Context, db *gorm.DB, sellerId, syncId string, concurrency int) (*Dataset, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	data := &Dataset{Currency: "USD"}

	loaders := []struct {
		name string
		load func(tx *gorm.DB) error
	}{
		{"ledger_events", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).
				Order("event_date ASC, id ASC").Find(&data.Events).Error
		}},
		{"refunds", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&data.Refunds).Error
		}},
		{"returns", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&data.Returns).Error
		}},
		{"fees", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&data.Fees).Error
		}},
		{"shipments", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&data.Shipments).Error
		}},
		{"reimbursements", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&data.Reimbursements).Error
		}},
		{"chargebacks", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&data.Chargebacks).Error
		}},
		{"removals", func(tx *gorm.DB) error {
			return tx.Where("seller_id = ? AND sync_id = ?", sellerId, syncId).Find(&data.Removals).Error
		}},
		{"price_stats", func(tx *gorm.DB) error {
			var stats []models.EntityPriceStat
			if err := tx.Where("seller_id = ?", sellerId).Find(&stats).Error; err != nil {
				return err
			}
			prices := make(map[string]decimal.Decimal, len(stats))
			for _, s := range stats {
				prices[s.EntityKey] = s.AvgSalePrice
				if s.Currency != "" {
					data.Currency = s.Currency
				}
			}
			data.Prices = prices
			return nil
		}},
	}

	sem := make(chan struct{}, concurrency)
	errCh := make(chan error, len(loaders))
	var wg sync.WaitGroup
	for _, l := range loaders {
		wg.Add(1)
		go func(name string, load func(tx *gorm.DB) error) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			if err := load(db.WithContext(ctx)); err != nil {
				errCh <- fmt.Errorf("load %s: %w", name, err)
			}
		}(l.name, l.load)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrDatasetUnavailable, err)
		}
	}
	if data.Prices == nil {
		data.Prices = map[string]decimal.Decimal{}
	}
	return data, nil
}
