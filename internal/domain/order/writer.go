package order

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/outbox"
)

// Result holds the identifiers of a created order.
type Result struct {
	OrderID              int64
	Number               string
	Reference            string
	Total                decimal.Decimal
	Currency             string
	TransactionHash      string
	TransactionReference string
	CreatedAt            time.Time
}

// Writer creates paid orders together with their line items, purchase
// transaction and ledger outbox event as one atomic unit.
type Writer struct {
	catalog  catalog.Repository
	tx       Transactor
	defaults Defaults
	lg       *zap.Logger
	tracer   trace.Tracer

	now      func() time.Time
	newUID   func() uuid.UUID
	newToken func() string
}

// NewWriter creates a Writer.
func NewWriter(
	purchasables catalog.Repository,
	tx Transactor,
	defaults Defaults,
	lg *zap.Logger,
	tp trace.TracerProvider,
) *Writer {
	return &Writer{
		catalog:  purchasables,
		tx:       tx,
		defaults: defaults,
		lg:       lg,
		tracer:   tp.Tracer("github.com/xenking/revenue-ledger/internal/domain/order"),
		now:      time.Now,
		newUID:   uuid.New,
		newToken: newToken,
	}
}

// CreatePaidOrder validates cfg, resolves every purchasable, computes totals
// and writes the order. Caller-provided totals do not exist: line and order
// totals are always derived from quantity and unit price.
func (w *Writer) CreatePaidOrder(ctx context.Context, cfg Config) (_ *Result, rerr error) {
	ctx, span := w.tracer.Start(ctx, "order.CreatePaidOrder")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	cfg = w.defaults.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ids := make([]int64, len(cfg.Items))
	for i, item := range cfg.Items {
		ids[i] = item.PurchasableID
	}
	fetched, err := w.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get purchasables")
	}
	byID := make(map[int64]catalog.Purchasable, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, &PurchasableNotFoundError{PurchasableID: id}
		}
	}

	rec := w.build(cfg, byID)
	span.SetAttributes(
		attribute.Int64("store_id", cfg.StoreID),
		attribute.Int("line_items", len(rec.items)),
	)

	if err := w.tx.InTx(ctx, rec.write); err != nil {
		w.lg.Error("Order write rolled back",
			zap.String("number", rec.order.Number),
			zap.Error(err),
		)
		return nil, &WriteError{Cause: err}
	}

	w.lg.Info("Paid order created",
		zap.Int64("order_id", rec.order.ID),
		zap.String("reference", rec.order.Reference),
		zap.String("total", rec.order.Total.String()),
		zap.String("currency", rec.order.Currency),
	)

	return &Result{
		OrderID:              rec.order.ID,
		Number:               rec.order.Number,
		Reference:            rec.order.Reference,
		Total:                rec.order.Total,
		Currency:             rec.order.Currency,
		TransactionHash:      rec.payment.Hash,
		TransactionReference: rec.payment.Reference,
		CreatedAt:            rec.order.CreatedAt,
	}, nil
}

// CreateVariantOrder creates a single-line paid order priced at the
// purchasable's base price.
func (w *Writer) CreateVariantOrder(ctx context.Context, v VariantOrder) (*Result, error) {
	if v.Qty < 1 {
		return nil, &InvalidQuantityError{PurchasableID: v.PurchasableID, Quantity: v.Qty}
	}
	p, err := w.catalog.GetByID(ctx, v.PurchasableID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &PurchasableNotFoundError{PurchasableID: v.PurchasableID}
		}
		return nil, errors.Wrapf(err, "get purchasable %d", v.PurchasableID)
	}
	return w.CreatePaidOrder(ctx, Config{
		StoreID:    v.StoreID,
		CustomerID: v.CustomerID,
		Email:      v.Email,
		Currency:   v.Currency,
		Items: []LineItemSpec{{
			PurchasableID: p.ID,
			Quantity:      v.Qty,
			UnitPrice:     p.BasePrice,
			SKU:           p.SKU,
			Description:   p.Description,
		}},
	})
}

type records struct {
	order   *Order
	title   *Title
	items   []LineItem
	payment *Transaction
}

func (w *Writer) build(cfg Config, byID map[int64]catalog.Purchasable) *records {
	now := w.now().UTC()
	number := w.newToken()

	items := make([]LineItem, len(cfg.Items))
	itemTotal := decimal.Zero
	qty := 0
	for i, item := range cfg.Items {
		p := byID[item.PurchasableID]
		sku, desc := item.SKU, item.Description
		if sku == "" {
			sku = p.SKU
		}
		if desc == "" {
			desc = p.Description
		}
		lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		items[i] = LineItem{
			UID:           w.newUID(),
			PurchasableID: item.PurchasableID,
			Description:   desc,
			SKU:           sku,
			Price:         item.UnitPrice,
			SalePrice:     item.UnitPrice,
			Qty:           item.Quantity,
			Subtotal:      lineTotal,
			Total:         lineTotal,
			Snapshot: Snapshot{
				ProductID:   p.ProductID,
				SKU:         sku,
				Description: desc,
				Price:       item.UnitPrice,
			},
			CreatedAt: now,
		}
		itemTotal = itemTotal.Add(lineTotal)
		qty += item.Quantity
	}

	o := &Order{
		UID:           w.newUID(),
		Number:        number,
		Reference:     number[:7],
		StoreID:       cfg.StoreID,
		GatewayID:     cfg.GatewayID,
		CustomerID:    cfg.CustomerID,
		OrderStatusID: cfg.OrderStatusID,
		SiteID:        cfg.SiteID,
		Email:         cfg.Email,
		Currency:      cfg.Currency,
		IsCompleted:   true,
		PaidStatus:    PaidStatusPaid,
		ItemTotal:     itemTotal,
		ItemSubtotal:  itemTotal,
		Total:         itemTotal,
		TotalPaid:     itemTotal,
		TotalTax:      decimal.Zero,
		TotalDiscount: decimal.Zero,
		TotalShipping: decimal.Zero,
		TotalQty:      qty,
		DateOrdered:   now,
		DatePaid:      now,
		DateFirstPaid: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	hash := w.newToken()
	return &records{
		order: o,
		title: &Title{
			SiteID:    cfg.SiteID,
			Title:     "Order " + o.Reference,
			UID:       w.newUID(),
			CreatedAt: now,
		},
		items: items,
		payment: &Transaction{
			UID:           w.newUID(),
			GatewayID:     cfg.GatewayID,
			Hash:          hash,
			Type:          TransactionPurchase,
			Status:        TransactionSuccess,
			Amount:        itemTotal,
			PaymentAmount: itemTotal,
			Currency:      cfg.Currency,
			Reference:     "CLI-" + strings.ToUpper(hash[:8]),
			Code:          "0",
			Message:       "Payment successful",
			CreatedAt:     now,
		},
	}
}

// write performs the inserts in dependency order.
func (r *records) write(ctx context.Context, tx Tx) error {
	if err := tx.InsertHeader(ctx, r.order); err != nil {
		return errors.Wrap(err, "insert header")
	}
	r.title.OrderID = r.order.ID
	if err := tx.InsertTitle(ctx, r.title); err != nil {
		return errors.Wrap(err, "insert title")
	}
	if err := tx.InsertOrder(ctx, r.order); err != nil {
		return errors.Wrap(err, "insert order")
	}
	for i := range r.items {
		r.items[i].OrderID = r.order.ID
		if err := tx.InsertLineItem(ctx, &r.items[i]); err != nil {
			return errors.Wrapf(err, "insert line item %d", r.items[i].PurchasableID)
		}
	}
	r.payment.OrderID = r.order.ID
	if err := tx.InsertTransaction(ctx, r.payment); err != nil {
		return errors.Wrap(err, "insert transaction")
	}
	ev := outbox.NewOrderCompleted(ledger.OrderEvent{
		OrderID:     r.order.ID,
		StoreID:     r.order.StoreID,
		Total:       r.order.Total,
		TotalPaid:   r.order.TotalPaid,
		Currency:    r.order.Currency,
		IsCompleted: true,
	}, r.order.CreatedAt)
	if err := tx.Enqueue(ctx, ev); err != nil {
		return errors.Wrap(err, "enqueue ledger event")
	}
	return nil
}

// newToken returns 32 random hex characters.
func newToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
