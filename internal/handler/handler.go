// Package handler exposes the order and ledger operations over HTTP.
package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/domain/user"
	"github.com/xenking/revenue-ledger/internal/queue"
)

const maxBodyBytes = 1 << 20

// errBadRequest marks malformed requests.
var errBadRequest = errors.New("bad request")

// OrderCreator creates paid orders.
type OrderCreator interface {
	CreatePaidOrder(ctx context.Context, cfg order.Config) (*order.Result, error)
	CreateVariantOrder(ctx context.Context, v order.VariantOrder) (*order.Result, error)
}

// LedgerRebuilder recomputes ledger entries.
type LedgerRebuilder interface {
	Rebuild(ctx context.Context, storeID int64) (*ledger.Entry, error)
	Report(ctx context.Context, storeID int64) (*ledger.Entry, error)
}

// BulkQueue accepts variant orders for background creation.
type BulkQueue interface {
	Enqueue(ctx context.Context, v order.VariantOrder) error
}

// Deps holds the collaborators of a Handler.
type Deps struct {
	Orders    OrderCreator
	OrderList order.Reader
	Users     user.Repository
	Ledger    ledger.Reader
	Rebuilder LedgerRebuilder
	Bridge    ledger.Bridge
	Bulk      BulkQueue
}

// Config holds non-dependency settings.
type Config struct {
	// MaxBulk caps the number of orders a single bulk request may queue.
	MaxBulk int
	// ListLimit is the default page size of list endpoints.
	ListLimit int
}

// Handler serves the JSON API.
type Handler struct {
	deps Deps
	cfg  Config
}

// New creates a Handler.
func New(cfg Config, deps Deps) *Handler {
	if cfg.MaxBulk <= 0 {
		cfg.MaxBulk = 10000
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 20
	}
	return &Handler{deps: deps, cfg: cfg}
}

// Routes registers the API endpoints on a new mux. Health endpoints are
// added by the caller.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", h.createOrder)
	mux.HandleFunc("POST /api/orders/bulk", h.bulkOrders)
	mux.HandleFunc("GET /api/orders", h.listOrders)
	mux.HandleFunc("GET /api/users", h.listUsers)

	mux.HandleFunc("GET /api/stores/{storeID}/revenue", h.getRevenue)
	mux.HandleFunc("GET /api/stores/{storeID}/revenue/report", h.revenueReport)
	mux.HandleFunc("POST /api/stores/{storeID}/revenue/rebuild", h.rebuildRevenue)

	mux.HandleFunc("POST /api/events/order-completed", h.orderCompleted)
	mux.HandleFunc("POST /api/events/refund-succeeded", h.refundSucceeded)
	mux.HandleFunc("POST /api/events/order-deleted", h.orderDeleted)
	mux.HandleFunc("POST /api/events/order-restored", h.orderRestored)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, status, &e)
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, order.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidDelta):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrNoEntry):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrDuplicateDelta):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrConflict):
		writeMessage(w, http.StatusConflict, "order "+order.ErrConflict.Error())
	case errors.Is(err, queue.ErrClosed):
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody runs fn on every field of the JSON object in the request body.
func decodeBody(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(errBadRequest, "read body")
	}
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return fn(d, string(key))
	}); err != nil {
		return errors.Wrapf(errBadRequest, "decode body: %v", err)
	}
	return nil
}

// decodeDecimal accepts a JSON string or number.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("expected decimal, got %s", tt)
	}
}

func storeIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("storeID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid store id %q", r.PathValue("storeID"))
	}
	return id, nil
}

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.Wrapf(errBadRequest, "invalid limit %q", raw)
	}
	return n, nil
}

// money renders cents precision unless that would drop digits.
func money(d decimal.Decimal) string {
	if !d.Equal(d.Round(2)) {
		return d.String()
	}
	return d.StringFixed(2)
}
