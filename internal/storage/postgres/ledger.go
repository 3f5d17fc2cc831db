package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/revenue-ledger/internal/domain/ledger"
)

const (
	ensureEntrySQL = `INSERT INTO ledger_entries (store_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (store_id) DO NOTHING`

	recordDeltaSQL = `INSERT INTO ledger_applied_deltas (key, store_id, kind, applied_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`

	applyDeltaSQL = `UPDATE ledger_entries SET
			total_revenue = total_revenue + $2,
			total_paid = total_paid + $3,
			total_refunded = total_refunded + $4,
			order_count = order_count + $5,
			paid_order_count = paid_order_count + $6,
			refunded_order_count = refunded_order_count + $7,
			last_order_id = COALESCE($8, last_order_id),
			updated_at = $9
		WHERE store_id = $1`

	applyDeltaFloorSQL = `UPDATE ledger_entries SET
			total_revenue = GREATEST(total_revenue + $2, 0),
			total_paid = GREATEST(total_paid + $3, 0),
			total_refunded = total_refunded + $4,
			order_count = GREATEST(order_count + $5, 0),
			paid_order_count = GREATEST(paid_order_count + $6, 0),
			refunded_order_count = GREATEST(refunded_order_count + $7, 0),
			last_order_id = COALESCE($8, last_order_id),
			updated_at = $9
		WHERE store_id = $1`

	getEntrySQL = `SELECT store_id, total_revenue, total_paid, total_refunded,
			order_count, paid_order_count, refunded_order_count,
			currency, COALESCE(last_order_id, 0), created_at, updated_at
		FROM ledger_entries WHERE store_id = $1`

	lockEntrySQL = `SELECT 1 FROM ledger_entries WHERE store_id = $1 FOR UPDATE`

	orderTotalsSQL = `SELECT COALESCE(SUM(o.total), 0), COALESCE(SUM(o.total_paid), 0), COUNT(*),
			COUNT(*) FILTER (WHERE o.paid_status = 'paid'), COALESCE(MAX(o.id), 0)
		FROM orders o
		JOIN order_headers h ON h.id = o.id
		WHERE o.store_id = $1 AND o.is_completed AND h.deleted_at IS NULL`

	currencyCountsSQL = `SELECT o.currency, COUNT(*)
		FROM orders o
		JOIN order_headers h ON h.id = o.id
		WHERE o.store_id = $1 AND o.is_completed AND h.deleted_at IS NULL
		GROUP BY o.currency`

	refundTotalsSQL = `SELECT COALESCE(SUM(t.amount), 0), COUNT(*)
		FROM transactions t
		JOIN orders o ON o.id = t.order_id
		JOIN order_headers h ON h.id = o.id
		WHERE t.type = 'refund' AND t.status = 'success'
			AND o.store_id = $1 AND h.deleted_at IS NULL`

	coveredOrdersSQL = `SELECT o.id
		FROM orders o
		JOIN order_headers h ON h.id = o.id
		WHERE o.store_id = $1 AND o.is_completed AND h.deleted_at IS NULL`

	coveredRefundsSQL = `SELECT t.hash::text
		FROM transactions t
		JOIN orders o ON o.id = t.order_id
		JOIN order_headers h ON h.id = o.id
		WHERE t.type = 'refund' AND t.status = 'success'
			AND o.store_id = $1 AND h.deleted_at IS NULL`

	recordCoveredSQL = `INSERT INTO ledger_applied_deltas (key, store_id, kind, applied_at)
		SELECT k, $2, $3, $4 FROM unnest($1::text[]) AS k
		ON CONFLICT (key) DO NOTHING`

	deleteEntrySQL = `DELETE FROM ledger_entries WHERE store_id = $1`

	insertEntrySQL = `INSERT INTO ledger_entries (
			store_id, total_revenue, total_paid, total_refunded,
			order_count, paid_order_count, refunded_order_count,
			currency, last_order_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
)

var _ ledger.Store = (*LedgerStore)(nil)

// LedgerStore implements ledger.Store backed by PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewLedgerStore returns a LedgerStore that uses the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool, now: time.Now}
}

// Get returns the entry of a store or ledger.ErrNoEntry.
func (s *LedgerStore) Get(ctx context.Context, storeID int64) (*ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, getEntrySQL, storeID)
	if err != nil {
		return nil, fmt.Errorf("getting ledger entry %d: %w", storeID, err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNoEntry
		}
		return nil, fmt.Errorf("getting ledger entry %d: %w", storeID, err)
	}
	return &e, nil
}

// Ensure creates a zeroed entry unless one exists.
func (s *LedgerStore) Ensure(ctx context.Context, storeID int64, currency string) error {
	if _, err := s.pool.Exec(ctx, ensureEntrySQL, storeID, currency, s.now().UTC()); err != nil {
		return fmt.Errorf("ensuring ledger entry %d: %w", storeID, err)
	}
	return nil
}

// Apply records the delta key and updates the entry in place within one
// transaction. The row lock taken by the UPDATE serializes concurrent
// deltas on the same store.
func (s *LedgerStore) Apply(ctx context.Context, d ledger.Delta, floor ledger.FloorPolicy) error {
	now := s.now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ensureEntrySQL, d.StoreID, d.Currency, now); err != nil {
			return fmt.Errorf("ensuring ledger entry %d: %w", d.StoreID, err)
		}
		if d.Key != "" {
			tag, err := tx.Exec(ctx, recordDeltaSQL, d.Key, d.StoreID, string(d.Kind), now)
			if err != nil {
				return fmt.Errorf("recording delta %q: %w", d.Key, err)
			}
			if tag.RowsAffected() == 0 {
				return ledger.ErrDuplicateDelta
			}
		}

		query := applyDeltaSQL
		if floor == ledger.FloorZero {
			query = applyDeltaFloorSQL
		}
		var lastOrderID *int64
		if d.LastOrderID > 0 {
			lastOrderID = &d.LastOrderID
		}
		_, err := tx.Exec(ctx, query,
			d.StoreID, d.Revenue, d.Paid, d.Refunded,
			d.Orders, d.PaidOrders, d.RefundedOrders,
			lastOrderID, now,
		)
		if err != nil {
			return fmt.Errorf("applying delta to store %d: %w", d.StoreID, err)
		}
		return nil
	})
}

// ScanTotals aggregates a store's primary records in one snapshot.
func (s *LedgerStore) ScanTotals(ctx context.Context, storeID int64) (ledger.Totals, error) {
	var t ledger.Totals
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		var err error
		t, err = scanTotals(ctx, tx, storeID)
		return err
	})
	return t, err
}

// Replace locks the store's entry, rescans its records and swaps the entry
// by delete then insert. Deltas for the store wait on the lock. The
// idempotency keys of every counted order and refund are recorded in the
// same transaction, so events still queued for them apply as duplicates.
func (s *LedgerStore) Replace(ctx context.Context, storeID int64, build func(ledger.Totals) ledger.Entry) (*ledger.Entry, error) {
	var e ledger.Entry
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockEntrySQL, storeID); err != nil {
			return fmt.Errorf("locking ledger entry %d: %w", storeID, err)
		}
		t, err := scanTotals(ctx, tx, storeID)
		if err != nil {
			return err
		}
		e = build(t)

		if err := s.recordCovered(ctx, tx, storeID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, deleteEntrySQL, storeID); err != nil {
			return fmt.Errorf("deleting ledger entry %d: %w", storeID, err)
		}
		var lastOrderID *int64
		if e.LastOrderID > 0 {
			lastOrderID = &e.LastOrderID
		}
		_, err = tx.Exec(ctx, insertEntrySQL,
			e.StoreID, e.TotalRevenue, e.TotalPaid, e.TotalRefunded,
			e.OrderCount, e.PaidOrderCount, e.RefundedOrderCount,
			e.Currency, lastOrderID, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting ledger entry %d: %w", storeID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *LedgerStore) recordCovered(ctx context.Context, tx pgx.Tx, storeID int64) error {
	rows, err := tx.Query(ctx, coveredOrdersSQL, storeID)
	if err != nil {
		return fmt.Errorf("listing orders of store %d: %w", storeID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("listing orders of store %d: %w", storeID, err)
	}

	rows, err = tx.Query(ctx, coveredRefundsSQL, storeID)
	if err != nil {
		return fmt.Errorf("listing refunds of store %d: %w", storeID, err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("listing refunds of store %d: %w", storeID, err)
	}

	keys := make([]string, 0, len(ids)+len(hashes))
	for _, id := range ids {
		keys = append(keys, ledger.CompletedKey(id))
	}
	for _, hash := range hashes {
		keys = append(keys, ledger.RefundKey(hash))
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, recordCoveredSQL, keys, storeID, string(ledger.KindRebuild), s.now().UTC())
	if err != nil {
		return fmt.Errorf("recording rebuilt keys of store %d: %w", storeID, err)
	}
	return nil
}

func scanTotals(ctx context.Context, q querier, storeID int64) (ledger.Totals, error) {
	t := ledger.Totals{Currencies: map[string]int64{}}

	err := q.QueryRow(ctx, orderTotalsSQL, storeID).Scan(
		&t.Revenue, &t.Paid, &t.Orders, &t.PaidOrders, &t.LastOrderID,
	)
	if err != nil {
		return t, fmt.Errorf("summing orders of store %d: %w", storeID, err)
	}

	rows, err := q.Query(ctx, currencyCountsSQL, storeID)
	if err != nil {
		return t, fmt.Errorf("counting currencies of store %d: %w", storeID, err)
	}
	var (
		code  string
		count int64
	)
	_, err = pgx.ForEachRow(rows, []any{&code, &count}, func() error {
		t.Currencies[code] = count
		return nil
	})
	if err != nil {
		return t, fmt.Errorf("counting currencies of store %d: %w", storeID, err)
	}

	if err := q.QueryRow(ctx, refundTotalsSQL, storeID).Scan(&t.Refunded, &t.Refunds); err != nil {
		return t, fmt.Errorf("summing refunds of store %d: %w", storeID, err)
	}
	return t, nil
}

func scanEntry(row pgx.CollectableRow) (ledger.Entry, error) {
	var e ledger.Entry
	err := row.Scan(
		&e.StoreID, &e.TotalRevenue, &e.TotalPaid, &e.TotalRefunded,
		&e.OrderCount, &e.PaidOrderCount, &e.RefundedOrderCount,
		&e.Currency, &e.LastOrderID, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}
