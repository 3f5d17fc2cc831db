// Package outbox delivers ledger deltas written alongside orders.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/revenue-ledger/internal/domain/ledger"
)

// Kind identifies the payload schema of an event.
type Kind string

const KindOrderCompleted Kind = "order.completed"

// Event is a pending side effect persisted in the same unit as its cause.
type Event struct {
	ID        int64
	Key       string
	Kind      Kind
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Store reads and settles pending events.
type Store interface {
	// Process locks up to limit pending events, least attempted first, and
	// passes each to fn. Events for which fn returns nil are marked
	// dispatched. The others stay pending with the error recorded until
	// they reach the store's attempt limit, after which they are marked
	// failed and no longer claimed.
	Process(ctx context.Context, limit int, fn func(ctx context.Context, e Event) error) (Batch, error)
	// Pending counts undelivered events.
	Pending(ctx context.Context) (int64, error)
}

// Batch summarizes one Process call.
type Batch struct {
	Claimed    int
	Dispatched int
	Failed     int
	// DeadLettered counts failed events that reached the attempt limit.
	DeadLettered int
}

// DefaultMaxAttempts is the attempt limit stores apply when none is set.
const DefaultMaxAttempts = 10

// NewOrderCompleted builds the event announcing a completed order.
func NewOrderCompleted(e ledger.OrderEvent, now time.Time) Event {
	var w jx.Encoder
	w.ObjStart()
	w.FieldStart("order_id")
	w.Int64(e.OrderID)
	w.FieldStart("store_id")
	w.Int64(e.StoreID)
	w.FieldStart("total")
	w.Str(e.Total.String())
	w.FieldStart("total_paid")
	w.Str(e.TotalPaid.String())
	w.FieldStart("currency")
	w.Str(e.Currency)
	w.FieldStart("is_completed")
	w.Bool(e.IsCompleted)
	w.ObjEnd()

	return Event{
		Key:       ledger.CompletedKey(e.OrderID),
		Kind:      KindOrderCompleted,
		Payload:   w.Bytes(),
		CreatedAt: now,
	}
}

// DecodeOrderEvent parses an order.completed payload.
func DecodeOrderEvent(payload []byte) (ledger.OrderEvent, error) {
	var e ledger.OrderEvent
	d := jx.DecodeBytes(payload)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "order_id":
			e.OrderID, err = d.Int64()
		case "store_id":
			e.StoreID, err = d.Int64()
		case "total":
			e.Total, err = decodeDecimal(d)
		case "total_paid":
			e.TotalPaid, err = decodeDecimal(d)
		case "currency":
			e.Currency, err = d.Str()
		case "is_completed":
			e.IsCompleted, err = d.Bool()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	if err != nil {
		return ledger.OrderEvent{}, errors.Wrap(err, "decode order event")
	}
	return e, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}
