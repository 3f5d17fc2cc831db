package ledger

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderEvent describes an order at the time of a lifecycle event. EventID
// identifies a delete or restore occurrence; without it those deltas carry
// no idempotency key.
type OrderEvent struct {
	EventID     string
	OrderID     int64
	StoreID     int64
	Total       decimal.Decimal
	TotalPaid   decimal.Decimal
	Currency    string
	IsCompleted bool
}

// Transaction types and statuses as reported by the gateway.
const (
	TransactionTypeRefund = "refund"
	StatusSuccess         = "success"
)

// TransactionEvent describes a transaction that reached a final status.
type TransactionEvent struct {
	Hash    string
	OrderID int64
	StoreID int64
	Type    string
	Status  string
	Amount  decimal.Decimal
}

// Bridge receives order lifecycle events.
type Bridge interface {
	OnOrderCompleted(ctx context.Context, e OrderEvent) error
	OnRefundSucceeded(ctx context.Context, e TransactionEvent) error
	OnOrderDeleted(ctx context.Context, e OrderEvent) error
	OnOrderRestored(ctx context.Context, e OrderEvent) error
}

var _ Bridge = (*Hooks)(nil)

// Hooks translates lifecycle events into ledger deltas. Replayed events
// are logged and ignored.
type Hooks struct {
	m  *Mutator
	lg *zap.Logger
}

// NewHooks creates Hooks over m.
func NewHooks(m *Mutator, lg *zap.Logger) *Hooks {
	return &Hooks{m: m, lg: lg}
}

// CompletedKey is the idempotency key of an order completion.
func CompletedKey(orderID int64) string {
	return fmt.Sprintf("order-completed:%d", orderID)
}

// RefundKey is the idempotency key of a successful refund.
func RefundKey(hash string) string {
	return "refund:" + hash
}

// OnOrderCompleted counts the order.
func (h *Hooks) OnOrderCompleted(ctx context.Context, e OrderEvent) error {
	if err := checkOrderID(e.OrderID); err != nil {
		return err
	}
	err := h.m.AddOrder(ctx, OrderDelta{
		Key:      CompletedKey(e.OrderID),
		OrderID:  e.OrderID,
		StoreID:  e.StoreID,
		Total:    e.Total,
		Paid:     e.TotalPaid,
		Currency: e.Currency,
	})
	return h.settle(err, "order completed", e.OrderID)
}

// OnRefundSucceeded records successful refunds and ignores every other
// transaction.
func (h *Hooks) OnRefundSucceeded(ctx context.Context, e TransactionEvent) error {
	if e.Type != TransactionTypeRefund || e.Status != StatusSuccess {
		return nil
	}
	if err := checkOrderID(e.OrderID); err != nil {
		return err
	}
	var key string
	if e.Hash != "" {
		key = RefundKey(e.Hash)
	}
	err := h.m.AddRefund(ctx, AmountDelta{
		Key:     key,
		StoreID: e.StoreID,
		Amount:  e.Amount,
	})
	return h.settle(err, "refund succeeded", e.OrderID)
}

// OnOrderDeleted removes a completed order from the totals.
func (h *Hooks) OnOrderDeleted(ctx context.Context, e OrderEvent) error {
	if err := checkOrderID(e.OrderID); err != nil {
		return err
	}
	if !e.IsCompleted {
		return nil
	}
	err := h.m.RemoveOrder(ctx, OrderDelta{
		Key:      eventKey("order-deleted", e),
		OrderID:  e.OrderID,
		StoreID:  e.StoreID,
		Total:    e.Total,
		Paid:     e.TotalPaid,
		Currency: e.Currency,
	})
	return h.settle(err, "order deleted", e.OrderID)
}

// OnOrderRestored counts a restored completed order again.
func (h *Hooks) OnOrderRestored(ctx context.Context, e OrderEvent) error {
	if err := checkOrderID(e.OrderID); err != nil {
		return err
	}
	if !e.IsCompleted {
		return nil
	}
	err := h.m.AddOrder(ctx, OrderDelta{
		Key:      eventKey("order-restored", e),
		OrderID:  e.OrderID,
		StoreID:  e.StoreID,
		Total:    e.Total,
		Paid:     e.TotalPaid,
		Currency: e.Currency,
	})
	return h.settle(err, "order restored", e.OrderID)
}

func (h *Hooks) settle(err error, event string, orderID int64) error {
	if errors.Is(err, ErrDuplicateDelta) {
		h.lg.Info("Skipping replayed event",
			zap.String("event", event),
			zap.Int64("order_id", orderID),
		)
		return nil
	}
	return err
}

// checkOrderID rejects events without an order id. Their keys would
// collide on id 0 and swallow every later event.
func checkOrderID(id int64) error {
	if id <= 0 {
		return errors.Wrapf(ErrInvalidDelta, "order id %d", id)
	}
	return nil
}

func eventKey(prefix string, e OrderEvent) string {
	if e.EventID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d:%s", prefix, e.OrderID, e.EventID)
}
