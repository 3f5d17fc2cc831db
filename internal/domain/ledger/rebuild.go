package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Rebuilder recomputes ledger entries from primary records.
type Rebuilder struct {
	store    Store
	lg       *zap.Logger
	currency string
	now      func() time.Time
}

// NewRebuilder creates a Rebuilder. fallbackCurrency is used for stores
// without completed orders.
func NewRebuilder(store Store, lg *zap.Logger, fallbackCurrency string) *Rebuilder {
	if fallbackCurrency == "" {
		fallbackCurrency = DefaultCurrency
	}
	return &Rebuilder{
		store:    store,
		lg:       lg,
		currency: fallbackCurrency,
		now:      time.Now,
	}
}

// Rebuild replaces the store's entry with one computed from its completed,
// non-deleted orders and successful refunds. Running it twice on unchanged
// data yields the same entry.
func (r *Rebuilder) Rebuild(ctx context.Context, storeID int64) (*Entry, error) {
	if storeID <= 0 {
		return nil, errors.Wrapf(ErrInvalidDelta, "store id %d", storeID)
	}
	start := time.Now()
	e, err := r.store.Replace(ctx, storeID, func(t Totals) Entry {
		return r.build(storeID, t)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "rebuild store %d", storeID)
	}
	r.lg.Info("Ledger rebuilt",
		zap.Int64("store_id", storeID),
		zap.Int64("orders", e.OrderCount),
		zap.String("revenue", e.TotalRevenue.String()),
		zap.Duration("duration", time.Since(start)),
	)
	return e, nil
}

// Report computes the entry Rebuild would write without persisting it.
func (r *Rebuilder) Report(ctx context.Context, storeID int64) (*Entry, error) {
	if storeID <= 0 {
		return nil, errors.Wrapf(ErrInvalidDelta, "store id %d", storeID)
	}
	t, err := r.store.ScanTotals(ctx, storeID)
	if err != nil {
		return nil, errors.Wrapf(err, "scan store %d", storeID)
	}
	e := r.build(storeID, t)
	return &e, nil
}

// DriftError lists fields where the stored entry and the recomputed one
// disagree.
type DriftError struct {
	StoreID int64
	Fields  []string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("store %d drifted on %v", e.StoreID, e.Fields)
}

func (e *DriftError) Is(target error) bool { return target == ErrInconsistent }

// Check compares the stored entry against a fresh report. It returns a
// *DriftError matching ErrInconsistent when they differ.
func (r *Rebuilder) Check(ctx context.Context, storeID int64) (*Entry, error) {
	stored, err := r.store.Get(ctx, storeID)
	if err != nil {
		return nil, err
	}
	want, err := r.Report(ctx, storeID)
	if err != nil {
		return nil, err
	}
	var fields []string
	if !stored.TotalRevenue.Equal(want.TotalRevenue) {
		fields = append(fields, "total_revenue")
	}
	if !stored.TotalPaid.Equal(want.TotalPaid) {
		fields = append(fields, "total_paid")
	}
	if !stored.TotalRefunded.Equal(want.TotalRefunded) {
		fields = append(fields, "total_refunded")
	}
	if stored.OrderCount != want.OrderCount {
		fields = append(fields, "order_count")
	}
	if stored.PaidOrderCount != want.PaidOrderCount {
		fields = append(fields, "paid_order_count")
	}
	if stored.RefundedOrderCount != want.RefundedOrderCount {
		fields = append(fields, "refunded_order_count")
	}
	if len(fields) > 0 {
		return want, &DriftError{StoreID: storeID, Fields: fields}
	}
	return want, nil
}

func (r *Rebuilder) build(storeID int64, t Totals) Entry {
	now := r.now().UTC()
	return Entry{
		StoreID:            storeID,
		TotalRevenue:       t.Revenue,
		TotalPaid:          t.Paid,
		TotalRefunded:      t.Refunded,
		OrderCount:         t.Orders,
		PaidOrderCount:     t.PaidOrders,
		RefundedOrderCount: t.Refunds,
		Currency:           modeCurrency(t.Currencies, r.currency),
		LastOrderID:        t.LastOrderID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// modeCurrency returns the most frequent currency, breaking ties by code.
func modeCurrency(counts map[string]int64, fallback string) string {
	codes := make([]string, 0, len(counts))
	for code, n := range counts {
		if n > 0 {
			codes = append(codes, code)
		}
	}
	if len(codes) == 0 {
		return fallback
	}
	sort.Slice(codes, func(i, j int) bool {
		if counts[codes[i]] != counts[codes[j]] {
			return counts[codes[i]] > counts[codes[j]]
		}
		return codes[i] < codes[j]
	})
	return codes[0]
}
