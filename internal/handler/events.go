package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/revenue-ledger/internal/domain/ledger"
)

// Lifecycle webhooks. Replays are accepted: the bridge deduplicates by
// event key.

func (h *Handler) orderCompleted(w http.ResponseWriter, r *http.Request) {
	h.orderEvent(w, r, h.deps.Bridge.OnOrderCompleted)
}

func (h *Handler) orderDeleted(w http.ResponseWriter, r *http.Request) {
	h.orderEvent(w, r, h.deps.Bridge.OnOrderDeleted)
}

func (h *Handler) orderRestored(w http.ResponseWriter, r *http.Request) {
	h.orderEvent(w, r, h.deps.Bridge.OnOrderRestored)
}

func (h *Handler) orderEvent(w http.ResponseWriter, r *http.Request, fn func(context.Context, ledger.OrderEvent) error) {
	var ev ledger.OrderEvent
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "event_id":
			ev.EventID, err = d.Str()
		case "order_id":
			ev.OrderID, err = d.Int64()
		case "store_id":
			ev.StoreID, err = d.Int64()
		case "total":
			ev.Total, err = decodeDecimal(d)
		case "total_paid":
			ev.TotalPaid, err = decodeDecimal(d)
		case "currency":
			ev.Currency, err = d.Str()
		case "is_completed":
			ev.IsCompleted, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := fn(r.Context(), ev); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refundSucceeded(w http.ResponseWriter, r *http.Request) {
	var ev ledger.TransactionEvent
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "hash":
			ev.Hash, err = d.Str()
		case "order_id":
			ev.OrderID, err = d.Int64()
		case "store_id":
			ev.StoreID, err = d.Int64()
		case "type":
			ev.Type, err = d.Str()
		case "status":
			ev.Status, err = d.Str()
		case "amount":
			ev.Amount, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.deps.Bridge.OnRefundSucceeded(r.Context(), ev); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
