package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/outbox"
)

const (
	insertHeaderSQL = `INSERT INTO order_headers (kind, enabled, archived, created_at, updated_at, uid)
		VALUES ('order', TRUE, FALSE, $1, $1, $2)
		RETURNING id`

	insertTitleSQL = `INSERT INTO order_titles (order_id, site_id, title, created_at, updated_at, uid)
		VALUES ($1, $2, $3, $4, $4, $5)`

	insertOrderSQL = `INSERT INTO orders (
			id, store_id, gateway_id, customer_id, order_status_id, site_id,
			number, reference, email, is_completed, paid_status,
			item_total, item_subtotal, total, total_paid, total_tax, total_discount, total_shipping, total_qty,
			currency, date_ordered, date_paid, date_first_paid, created_at, updated_at, uid
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26
		)`

	insertLineItemSQL = `INSERT INTO line_items (
			order_id, purchasable_id, description, sku, price, sale_price, qty,
			subtotal, total, snapshot, created_at, updated_at, uid
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $12)
		RETURNING id`

	insertTransactionSQL = `INSERT INTO transactions (
			order_id, gateway_id, hash, type, status, amount, payment_amount,
			currency, reference, code, message, created_at, uid
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	listCompletedOrdersSQL = `SELECT o.id, o.reference, o.email, o.currency, o.total, o.total_paid, o.paid_status,
			COALESCE(o.date_ordered, o.created_at)
		FROM orders o
		JOIN order_headers h ON h.id = o.id
		WHERE o.is_completed AND h.deleted_at IS NULL
		ORDER BY COALESCE(o.date_ordered, o.created_at) DESC, o.id DESC
		LIMIT NULLIF($1::int, 0)`
)

var (
	_ order.Transactor = (*OrderStore)(nil)
	_ order.Reader     = (*OrderStore)(nil)
)

// OrderStore writes and lists orders.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// InTx runs fn in a read-committed transaction and commits when it
// returns nil. Unique violations match order.ErrConflict.
func (s *OrderStore) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &orderTx{q: tx})
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", order.ErrConflict, err)
	}
	return err
}

// ListCompleted returns completed, non-deleted orders, newest first.
func (s *OrderStore) ListCompleted(ctx context.Context, limit int) ([]order.Summary, error) {
	rows, err := s.pool.Query(ctx, listCompletedOrdersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Summary, error) {
		var (
			o      order.Summary
			status string
		)
		err := row.Scan(&o.ID, &o.Reference, &o.Email, &o.Currency, &o.Total, &o.TotalPaid, &status, &o.DateOrdered)
		o.PaidStatus = order.PaidStatus(status)
		return o, err
	})
}

type orderTx struct {
	q querier
}

func (t *orderTx) InsertHeader(ctx context.Context, o *order.Order) error {
	if err := t.q.QueryRow(ctx, insertHeaderSQL, o.CreatedAt, o.UID.String()).Scan(&o.ID); err != nil {
		return fmt.Errorf("inserting order header: %w", err)
	}
	return nil
}

func (t *orderTx) InsertTitle(ctx context.Context, title *order.Title) error {
	_, err := t.q.Exec(ctx, insertTitleSQL,
		title.OrderID, title.SiteID, title.Title, title.CreatedAt, title.UID.String(),
	)
	if err != nil {
		return fmt.Errorf("inserting order title: %w", err)
	}
	return nil
}

func (t *orderTx) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := t.q.Exec(ctx, insertOrderSQL,
		o.ID, o.StoreID, o.GatewayID, o.CustomerID, o.OrderStatusID, o.SiteID,
		o.Number, o.Reference, o.Email, o.IsCompleted, string(o.PaidStatus),
		o.ItemTotal, o.ItemSubtotal, o.Total, o.TotalPaid, o.TotalTax, o.TotalDiscount, o.TotalShipping, o.TotalQty,
		o.Currency, nullTime(o.DateOrdered), nullTime(o.DatePaid), nullTime(o.DateFirstPaid),
		o.CreatedAt, o.UpdatedAt, o.UID.String(),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.Number, err)
	}
	return nil
}

func (t *orderTx) InsertLineItem(ctx context.Context, li *order.LineItem) error {
	err := t.q.QueryRow(ctx, insertLineItemSQL,
		li.OrderID, li.PurchasableID, li.Description, li.SKU, li.Price, li.SalePrice, li.Qty,
		li.Subtotal, li.Total, encodeSnapshot(li.Snapshot), li.CreatedAt, li.UID.String(),
	).Scan(&li.ID)
	if err != nil {
		return fmt.Errorf("inserting line item: %w", err)
	}
	return nil
}

func (t *orderTx) InsertTransaction(ctx context.Context, tr *order.Transaction) error {
	err := t.q.QueryRow(ctx, insertTransactionSQL,
		tr.OrderID, tr.GatewayID, tr.Hash, string(tr.Type), string(tr.Status), tr.Amount, tr.PaymentAmount,
		tr.Currency, tr.Reference, tr.Code, tr.Message, tr.CreatedAt, tr.UID.String(),
	).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (t *orderTx) Enqueue(ctx context.Context, e outbox.Event) error {
	return insertOutbox(ctx, t.q, e)
}

func encodeSnapshot(s order.Snapshot) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("productId")
	e.Int64(s.ProductID)
	e.FieldStart("sku")
	e.Str(s.SKU)
	e.FieldStart("description")
	e.Str(s.Description)
	e.FieldStart("price")
	e.Str(s.Price.String())
	e.ObjEnd()
	return e.Bytes()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
