package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/revenue-ledger/internal/domain/ledger"
)

const noRevenueMessage = "No revenue data found. Run init-revenue first."

// getRevenue reads the stored entry without scanning orders.
func (h *Handler) getRevenue(w http.ResponseWriter, r *http.Request) {
	storeID, err := storeIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entry, err := h.deps.Ledger.Get(r.Context(), storeID)
	switch {
	case err == nil && !entry.HasData(), errors.Is(err, ledger.ErrNoEntry):
		writeMessage(w, http.StatusNotFound, noRevenueMessage)
		return
	case err != nil:
		writeError(w, r, err)
		return
	}
	writeEntry(w, http.StatusOK, entry)
}

func (h *Handler) revenueReport(w http.ResponseWriter, r *http.Request) {
	storeID, err := storeIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entry, err := h.deps.Rebuilder.Report(r.Context(), storeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeEntry(w, http.StatusOK, entry)
}

func (h *Handler) rebuildRevenue(w http.ResponseWriter, r *http.Request) {
	storeID, err := storeIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entry, err := h.deps.Rebuilder.Rebuild(r.Context(), storeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeEntry(w, http.StatusOK, entry)
}

func writeEntry(w http.ResponseWriter, status int, en *ledger.Entry) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("store_id")
	e.Int64(en.StoreID)
	e.FieldStart("currency")
	e.Str(en.Currency)
	e.FieldStart("total_revenue")
	e.Str(money(en.TotalRevenue))
	e.FieldStart("total_paid")
	e.Str(money(en.TotalPaid))
	e.FieldStart("total_refunded")
	e.Str(money(en.TotalRefunded))
	e.FieldStart("net_revenue")
	e.Str(money(en.NetRevenue()))
	e.FieldStart("order_count")
	e.Int64(en.OrderCount)
	e.FieldStart("paid_order_count")
	e.Int64(en.PaidOrderCount)
	e.FieldStart("refunded_order_count")
	e.Int64(en.RefundedOrderCount)
	if en.LastOrderID > 0 {
		e.FieldStart("last_order_id")
		e.Int64(en.LastOrderID)
	}
	if !en.UpdatedAt.IsZero() {
		e.FieldStart("updated_at")
		e.Str(en.UpdatedAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
	writeJSON(w, status, &e)
}
