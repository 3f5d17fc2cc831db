package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/revenue-ledger/internal/domain/order"
)

// createOrder accepts either explicit priced items or a single catalog
// variant:
//
//	{"email": "...", "items": [{"purchasable_id": 1, "quantity": 2, "unit_price": "499.00"}]}
//	{"email": "...", "purchasable_id": 1, "qty": 2}
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var (
		cfg     order.Config
		variant order.VariantOrder
		priced  bool
	)
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "store_id":
			cfg.StoreID, err = d.Int64()
			variant.StoreID = cfg.StoreID
		case "customer_id":
			cfg.CustomerID, err = d.Int64()
			variant.CustomerID = cfg.CustomerID
		case "gateway_id":
			cfg.GatewayID, err = d.Int64()
		case "site_id":
			cfg.SiteID, err = d.Int64()
		case "email":
			cfg.Email, err = d.Str()
			variant.Email = cfg.Email
		case "currency":
			cfg.Currency, err = d.Str()
			variant.Currency = cfg.Currency
		case "purchasable_id":
			variant.PurchasableID, err = d.Int64()
		case "qty":
			variant.Qty, err = d.Int()
		case "items":
			priced = true
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeLineItem(d)
				if err != nil {
					return err
				}
				cfg.Items = append(cfg.Items, item)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	var res *order.Result
	if priced {
		res, err = h.deps.Orders.CreatePaidOrder(r.Context(), cfg)
	} else {
		res, err = h.deps.Orders.CreateVariantOrder(r.Context(), variant)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_id")
	e.Int64(res.OrderID)
	e.FieldStart("number")
	e.Str(res.Number)
	e.FieldStart("reference")
	e.Str(res.Reference)
	e.FieldStart("total")
	e.Str(money(res.Total))
	e.FieldStart("currency")
	e.Str(res.Currency)
	e.FieldStart("transaction_hash")
	e.Str(res.TransactionHash)
	e.FieldStart("transaction_reference")
	e.Str(res.TransactionReference)
	e.ObjEnd()
	writeJSON(w, http.StatusCreated, &e)
}

func decodeLineItem(d *jx.Decoder) (order.LineItemSpec, error) {
	var (
		item     order.LineItemSpec
		hasPrice bool
	)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "purchasable_id":
			item.PurchasableID, err = d.Int64()
		case "quantity":
			item.Quantity, err = d.Int()
		case "unit_price":
			hasPrice = true
			item.UnitPrice, err = decodeDecimal(d)
		case "sku":
			item.SKU, err = d.Str()
		case "description":
			item.Description, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return item, err
	}
	if !hasPrice {
		return item, errors.Errorf("unit_price required for purchasable %d", item.PurchasableID)
	}
	return item, nil
}

// bulkOrders queues count identical variant orders and returns immediately.
func (h *Handler) bulkOrders(w http.ResponseWriter, r *http.Request) {
	var (
		v     order.VariantOrder
		count int
	)
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "store_id":
			v.StoreID, err = d.Int64()
		case "customer_id":
			v.CustomerID, err = d.Int64()
		case "email":
			v.Email, err = d.Str()
		case "currency":
			v.Currency, err = d.Str()
		case "purchasable_id":
			v.PurchasableID, err = d.Int64()
		case "qty":
			v.Qty, err = d.Int()
		case "count":
			count, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if count < 1 || count > h.cfg.MaxBulk {
		writeError(w, r, errors.Wrapf(errBadRequest, "count must be between 1 and %d", h.cfg.MaxBulk))
		return
	}
	if v.Email == "" || v.Qty < 1 || v.PurchasableID <= 0 {
		writeError(w, r, errors.Wrap(errBadRequest, "email, purchasable_id and qty are required"))
		return
	}

	queued := 0
	for ; queued < count; queued++ {
		if err := h.deps.Bulk.Enqueue(r.Context(), v); err != nil {
			if queued == 0 {
				writeError(w, r, err)
				return
			}
			break
		}
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("queued")
	e.Int(queued)
	e.ObjEnd()
	writeJSON(w, http.StatusAccepted, &e)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, h.cfg.ListLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.deps.OrderList.ListCompleted(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orders")
	e.ArrStart()
	for _, o := range orders {
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(o.ID)
		e.FieldStart("reference")
		e.Str(o.Reference)
		e.FieldStart("email")
		e.Str(o.Email)
		e.FieldStart("total")
		e.Str(money(o.Total))
		e.FieldStart("total_paid")
		e.Str(money(o.TotalPaid))
		e.FieldStart("currency")
		e.Str(o.Currency)
		e.FieldStart("paid_status")
		e.Str(string(o.PaidStatus))
		e.FieldStart("date_ordered")
		e.Str(o.DateOrdered.UTC().Format(time.RFC3339))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
