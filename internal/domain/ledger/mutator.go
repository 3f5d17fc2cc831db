package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// OrderDelta carries the amounts of one order.
type OrderDelta struct {
	Key      string
	OrderID  int64
	StoreID  int64
	Total    decimal.Decimal
	Paid     decimal.Decimal
	Currency string
}

// AmountDelta carries a single payment or refund amount.
type AmountDelta struct {
	Key     string
	StoreID int64
	Amount  decimal.Decimal
}

// Mutator applies incremental changes to ledger entries.
type Mutator struct {
	store    Store
	lg       *zap.Logger
	floor    FloorPolicy
	currency string

	applied   metric.Int64Counter
	duplicate metric.Int64Counter
}

// MutatorOptions configures a Mutator.
type MutatorOptions struct {
	Floor FloorPolicy
	// Currency is used for entries created by a delta that names none.
	Currency string
}

// NewMutator creates a Mutator over store.
func NewMutator(store Store, lg *zap.Logger, mp metric.MeterProvider, opts MutatorOptions) (*Mutator, error) {
	meter := mp.Meter("github.com/xenking/revenue-ledger/internal/domain/ledger")
	applied, err := meter.Int64Counter("ledger.deltas.applied",
		metric.WithDescription("Ledger deltas applied"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create applied counter")
	}
	duplicate, err := meter.Int64Counter("ledger.deltas.duplicate",
		metric.WithDescription("Ledger deltas skipped because their key was already applied"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create duplicate counter")
	}
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	return &Mutator{
		store:     store,
		lg:        lg,
		floor:     opts.Floor,
		currency:  opts.Currency,
		applied:   applied,
		duplicate: duplicate,
	}, nil
}

// AddOrder counts a completed order.
func (m *Mutator) AddOrder(ctx context.Context, d OrderDelta) error {
	if err := checkOrderDelta(d); err != nil {
		return err
	}
	delta := Delta{
		Key:         d.Key,
		Kind:        KindAddOrder,
		StoreID:     d.StoreID,
		Currency:    d.Currency,
		Revenue:     d.Total,
		Paid:        d.Paid,
		Orders:      1,
		LastOrderID: d.OrderID,
	}
	if d.Paid.IsPositive() {
		delta.PaidOrders = 1
	}
	return m.apply(ctx, delta)
}

// RemoveOrder reverses AddOrder for an order leaving the completed set.
func (m *Mutator) RemoveOrder(ctx context.Context, d OrderDelta) error {
	if err := checkOrderDelta(d); err != nil {
		return err
	}
	delta := Delta{
		Key:      d.Key,
		Kind:     KindRemoveOrder,
		StoreID:  d.StoreID,
		Currency: d.Currency,
		Revenue:  d.Total.Neg(),
		Paid:     d.Paid.Neg(),
		Orders:   -1,
	}
	if d.Paid.IsPositive() {
		delta.PaidOrders = -1
	}
	return m.apply(ctx, delta)
}

// AddRefund moves amount from paid to refunded.
func (m *Mutator) AddRefund(ctx context.Context, d AmountDelta) error {
	if err := checkAmountDelta(d); err != nil {
		return err
	}
	return m.apply(ctx, Delta{
		Key:            d.Key,
		Kind:           KindAddRefund,
		StoreID:        d.StoreID,
		Paid:           d.Amount.Neg(),
		Refunded:       d.Amount,
		RefundedOrders: 1,
		PaidOrders:     -1,
	})
}

// AddPayment counts a payment captured after the order was completed.
func (m *Mutator) AddPayment(ctx context.Context, d AmountDelta) error {
	if err := checkAmountDelta(d); err != nil {
		return err
	}
	return m.apply(ctx, Delta{
		Key:        d.Key,
		Kind:       KindAddPayment,
		StoreID:    d.StoreID,
		Paid:       d.Amount,
		PaidOrders: 1,
	})
}

// EnsureRecord creates a zeroed entry for the store if it has none.
func (m *Mutator) EnsureRecord(ctx context.Context, storeID int64, currency string) error {
	if storeID <= 0 {
		return errors.Wrapf(ErrInvalidDelta, "store id %d", storeID)
	}
	if currency == "" {
		currency = m.currency
	}
	if err := m.store.Ensure(ctx, storeID, currency); err != nil {
		return errors.Wrapf(err, "ensure entry for store %d", storeID)
	}
	return nil
}

// Get returns the store's entry or ErrNoEntry.
func (m *Mutator) Get(ctx context.Context, storeID int64) (*Entry, error) {
	return m.store.Get(ctx, storeID)
}

func (m *Mutator) apply(ctx context.Context, d Delta) error {
	if d.Currency == "" {
		d.Currency = m.currency
	}
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("kind", string(d.Kind)))

	err := m.store.Apply(ctx, d, m.floor)
	switch {
	case errors.Is(err, ErrDuplicateDelta):
		m.duplicate.Add(ctx, 1, attrs)
		m.lg.Debug("Delta already applied",
			zap.String("key", d.Key),
			zap.String("kind", string(d.Kind)),
			zap.Int64("store_id", d.StoreID),
		)
		return err
	case err != nil:
		return errors.Wrapf(err, "apply %s to store %d", d.Kind, d.StoreID)
	}

	m.applied.Add(ctx, 1, attrs)
	m.lg.Debug("Delta applied",
		zap.String("key", d.Key),
		zap.String("kind", string(d.Kind)),
		zap.Int64("store_id", d.StoreID),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func checkOrderDelta(d OrderDelta) error {
	if d.StoreID <= 0 {
		return errors.Wrapf(ErrInvalidDelta, "store id %d", d.StoreID)
	}
	if d.Total.IsNegative() || d.Paid.IsNegative() {
		return errors.Wrap(ErrInvalidDelta, "negative order amount")
	}
	return nil
}

func checkAmountDelta(d AmountDelta) error {
	if d.StoreID <= 0 {
		return errors.Wrapf(ErrInvalidDelta, "store id %d", d.StoreID)
	}
	if d.Amount.IsNegative() {
		return errors.Wrap(ErrInvalidDelta, "negative amount")
	}
	return nil
}
