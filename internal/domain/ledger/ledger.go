// Package ledger maintains the per-store revenue entry through idempotent
// delta operations and rebuilds it from primary order records.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoEntry is returned when a store has no ledger entry yet.
	ErrNoEntry = errors.New("ledger entry not found")
	// ErrDuplicateDelta is returned when a delta key has already been applied.
	ErrDuplicateDelta = errors.New("delta already applied")
	// ErrInconsistent is returned when a stored entry differs from the totals
	// recomputed from primary records.
	ErrInconsistent = errors.New("ledger entry inconsistent with orders")
	// ErrInvalidDelta is returned for deltas with a bad store or negative amounts.
	ErrInvalidDelta = errors.New("invalid delta")
)

// DefaultCurrency is used when neither the caller nor the data names one.
const DefaultCurrency = "EUR"

// Entry is the aggregate revenue row of one store.
type Entry struct {
	StoreID            int64
	TotalRevenue       decimal.Decimal
	TotalPaid          decimal.Decimal
	TotalRefunded      decimal.Decimal
	OrderCount         int64
	PaidOrderCount     int64
	RefundedOrderCount int64
	Currency           string
	LastOrderID        int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NetRevenue is what the store kept after refunds.
func (e Entry) NetRevenue() decimal.Decimal {
	return e.TotalPaid.Sub(e.TotalRefunded)
}

// HasData reports whether any order has been counted.
func (e Entry) HasData() bool {
	return e.OrderCount != 0
}

// Kind names the operation a delta came from.
type Kind string

const (
	KindAddOrder    Kind = "add_order"
	KindRemoveOrder Kind = "remove_order"
	KindAddRefund   Kind = "add_refund"
	KindAddPayment  Kind = "add_payment"
	// KindRebuild marks keys of records already counted by a rebuild.
	KindRebuild Kind = "rebuild"
)

// FloorPolicy decides whether decrements may take a value below zero.
type FloorPolicy int

const (
	// FloorNone applies decrements as-is; counters may go negative.
	FloorNone FloorPolicy = iota
	// FloorZero clamps revenue, paid and every counter at zero.
	FloorZero
)

func (p FloorPolicy) String() string {
	switch p {
	case FloorZero:
		return "zero"
	default:
		return "none"
	}
}

// Delta is a signed change to a ledger entry. A non-empty Key makes the
// delta idempotent. LastOrderID, when positive, replaces the entry's last
// order id.
type Delta struct {
	Key            string
	Kind           Kind
	StoreID        int64
	Currency       string
	Revenue        decimal.Decimal
	Paid           decimal.Decimal
	Refunded       decimal.Decimal
	Orders         int64
	PaidOrders     int64
	RefundedOrders int64
	LastOrderID    int64
}

// Totals is the raw aggregate of a store's primary records.
type Totals struct {
	Revenue     decimal.Decimal
	Paid        decimal.Decimal
	Orders      int64
	PaidOrders  int64
	Refunded    decimal.Decimal
	Refunds     int64
	LastOrderID int64
	// Currencies counts completed orders per currency code.
	Currencies map[string]int64
}

// Reader reads a single entry.
type Reader interface {
	Get(ctx context.Context, storeID int64) (*Entry, error)
}

// Store persists ledger entries.
type Store interface {
	Reader
	// Ensure creates a zeroed entry when none exists.
	Ensure(ctx context.Context, storeID int64, currency string) error
	// Apply ensures the entry and applies d as a single arithmetic update in
	// one transaction. It returns ErrDuplicateDelta for an already seen key.
	Apply(ctx context.Context, d Delta, floor FloorPolicy) error
	// ScanTotals aggregates completed, non-deleted orders of the store.
	ScanTotals(ctx context.Context, storeID int64) (Totals, error)
	// Replace scans the store and swaps its entry for build's result
	// atomically.
	Replace(ctx context.Context, storeID int64, build func(Totals) Entry) (*Entry, error)
}
