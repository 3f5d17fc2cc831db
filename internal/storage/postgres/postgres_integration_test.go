//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/outbox"
	"github.com/xenking/revenue-ledger/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ledger",
				"POSTGRES_PASSWORD": "ledger",
				"POSTGRES_DB":       "ledger",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := c.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := c.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	url := fmt.Sprintf("postgres://ledger:ledger@%s:%s/ledger?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, url, 16)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	return m.Run()
}

// --- Helpers ---

type stack struct {
	catalog   *postgres.CatalogRepository
	orders    *postgres.OrderStore
	ledger    *postgres.LedgerStore
	outbox    *postgres.OutboxStore
	writer    *order.Writer
	mutator   *ledger.Mutator
	rebuilder *ledger.Rebuilder
	relay     *outbox.Relay
}

func reset(t *testing.T) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE
		purchasables, users, order_headers, order_titles, orders, line_items, transactions,
		ledger_entries, ledger_applied_deltas, outbox_events
		RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func newStack(t *testing.T, floor ledger.FloorPolicy) *stack {
	t.Helper()
	reset(t)

	s := &stack{
		catalog: postgres.NewCatalogRepository(pool),
		orders:  postgres.NewOrderStore(pool),
		ledger:  postgres.NewLedgerStore(pool),
		outbox:  postgres.NewOutboxStore(pool, 3),
	}
	require.NoError(t, s.catalog.Upsert(context.Background(), []catalog.Purchasable{
		{ID: 1, ProductID: 1, SKU: "MAT", Description: "Yoga mat", BasePrice: dec("499.00")},
	}))

	lg := zap.NewNop()
	s.writer = order.NewWriter(s.catalog, s.orders, order.Defaults{
		StoreID: 1, GatewayID: 1, CustomerID: 1, OrderStatusID: 1, SiteID: 1, Currency: "EUR",
	}, lg, tracenoop.NewTracerProvider())

	m, err := ledger.NewMutator(s.ledger, lg, metricnoop.NewMeterProvider(), ledger.MutatorOptions{Floor: floor})
	require.NoError(t, err)
	s.mutator = m
	s.rebuilder = ledger.NewRebuilder(s.ledger, lg, "EUR")
	s.relay = outbox.NewRelay(s.outbox, ledger.NewHooks(m, lg), lg, outbox.RelayOptions{BatchSize: 10})
	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

type failAfterOrder struct {
	order.Tx
}

func (f *failAfterOrder) InsertTransaction(context.Context, *order.Transaction) error {
	return errors.New("gateway timeout")
}

type failingStore struct {
	*postgres.OrderStore
}

func (f *failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return f.OrderStore.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return fn(ctx, &failAfterOrder{Tx: tx})
	})
}

// --- Tests ---

func TestOrderStore_WriteAndList(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorNone)

	res, err := s.writer.CreateVariantOrder(ctx, order.VariantOrder{Email: "buyer@example.com", PurchasableID: 1, Qty: 2})
	require.NoError(t, err)
	assert.True(t, dec("998").Equal(res.Total))

	assert.Equal(t, 1, count(t, "order_headers"))
	assert.Equal(t, 1, count(t, "order_titles"))
	assert.Equal(t, 1, count(t, "orders"))
	assert.Equal(t, 1, count(t, "line_items"))
	assert.Equal(t, 1, count(t, "transactions"))
	assert.Equal(t, 1, count(t, "outbox_events"))

	list, err := s.orders.ListCompleted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.Reference, list[0].Reference)
	assert.Equal(t, order.PaidStatusPaid, list[0].PaidStatus)

	var snapshotSKU string
	require.NoError(t, pool.QueryRow(ctx, `SELECT snapshot->>'sku' FROM line_items`).Scan(&snapshotSKU))
	assert.Equal(t, "MAT", snapshotSKU)
}

func TestOrderStore_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorNone)
	w := order.NewWriter(s.catalog, &failingStore{OrderStore: s.orders}, order.Defaults{
		StoreID: 1, Currency: "EUR",
	}, zap.NewNop(), tracenoop.NewTracerProvider())

	_, err := w.CreateVariantOrder(ctx, order.VariantOrder{Email: "buyer@example.com", PurchasableID: 1, Qty: 1})
	require.ErrorIs(t, err, order.ErrWriteFailure)

	for _, table := range []string{"order_headers", "order_titles", "orders", "line_items", "transactions", "outbox_events"} {
		assert.Zero(t, count(t, table), table)
	}
}

func TestLedgerStore_RelayAndRebuild(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorNone)

	var ids []int64
	for i := 0; i < 3; i++ {
		res, err := s.writer.CreateVariantOrder(ctx, order.VariantOrder{Email: "buyer@example.com", PurchasableID: 1, Qty: 1})
		require.NoError(t, err)
		ids = append(ids, res.OrderID)
	}

	b, err := s.relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Dispatched)

	e, err := s.mutator.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("1497").Equal(e.TotalRevenue))
	assert.Equal(t, int64(3), e.OrderCount)
	assert.Equal(t, ids[2], e.LastOrderID)

	_, err = s.rebuilder.Check(ctx, 1)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE order_headers SET deleted_at = NOW() WHERE id = $1`, ids[0])
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO transactions (order_id, gateway_id, hash, type, status, amount, payment_amount, currency, reference, uid)
		VALUES ($1, 1, md5('r1'), 'refund', 'success', 100, 100, 'EUR', 'R1', gen_random_uuid())`, ids[1])
	require.NoError(t, err)

	_, err = s.rebuilder.Check(ctx, 1)
	require.ErrorIs(t, err, ledger.ErrInconsistent)

	first, err := s.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	second, err := s.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)

	for _, e := range []*ledger.Entry{first, second} {
		assert.True(t, dec("998").Equal(e.TotalRevenue), "revenue = %s", e.TotalRevenue)
		assert.Equal(t, int64(2), e.OrderCount)
		assert.True(t, dec("100").Equal(e.TotalRefunded))
		assert.Equal(t, int64(1), e.RefundedOrderCount)
		assert.Equal(t, "EUR", e.Currency)
	}
}

func TestLedgerStore_DuplicateAndFloor(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorZero)

	d := ledger.AmountDelta{Key: "refund:x", StoreID: 9, Amount: dec("5")}
	require.NoError(t, s.mutator.AddRefund(ctx, d))
	require.ErrorIs(t, s.mutator.AddRefund(ctx, d), ledger.ErrDuplicateDelta)

	e, err := s.mutator.Get(ctx, 9)
	require.NoError(t, err)
	assert.True(t, e.TotalPaid.IsZero())
	assert.Zero(t, e.PaidOrderCount)
	assert.True(t, dec("5").Equal(e.TotalRefunded))
	assert.Equal(t, int64(1), e.RefundedOrderCount)
}

func TestLedgerStore_ConcurrentDeltas(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorNone)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.mutator.AddOrder(ctx, ledger.OrderDelta{
				Key:     fmt.Sprintf("order-completed:%d", i),
				StoreID: 1,
				Total:   dec("1.25"),
				Paid:    dec("1.25"),
			}))
		}(i)
	}
	wg.Wait()

	e, err := s.mutator.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(n), e.OrderCount)
	assert.True(t, dec("50").Equal(e.TotalRevenue))
}

type duplicatingTx struct {
	order.Tx
}

func (d *duplicatingTx) InsertTransaction(ctx context.Context, t *order.Transaction) error {
	dup := *t
	if err := d.Tx.InsertTransaction(ctx, &dup); err != nil {
		return err
	}
	return d.Tx.InsertTransaction(ctx, t)
}

type duplicatingStore struct {
	*postgres.OrderStore
}

func (d *duplicatingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return d.OrderStore.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return fn(ctx, &duplicatingTx{Tx: tx})
	})
}

func TestOrderStore_UniqueConflict(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorNone)
	w := order.NewWriter(s.catalog, &duplicatingStore{OrderStore: s.orders}, order.Defaults{
		StoreID: 1, Currency: "EUR",
	}, zap.NewNop(), tracenoop.NewTracerProvider())

	_, err := w.CreateVariantOrder(ctx, order.VariantOrder{Email: "buyer@example.com", PurchasableID: 1, Qty: 1})
	require.ErrorIs(t, err, order.ErrConflict)
	require.ErrorIs(t, err, order.ErrWriteFailure)
	assert.Zero(t, count(t, "orders"))
}

func TestLedgerStore_RebuildBeforeRelay(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorNone)

	res, err := s.writer.CreateVariantOrder(ctx, order.VariantOrder{Email: "buyer@example.com", PurchasableID: 1, Qty: 1})
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO transactions (order_id, gateway_id, hash, type, status, amount, payment_amount, currency, reference, uid)
		VALUES ($1, 1, md5('r2'), 'refund', 'success', 50, 50, 'EUR', 'R2', gen_random_uuid())`, res.OrderID)
	require.NoError(t, err)
	var hash string
	require.NoError(t, pool.QueryRow(ctx, `SELECT md5('r2')`).Scan(&hash))

	_, err = s.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)

	var rebuilt int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_applied_deltas WHERE kind = 'rebuild' AND store_id = 1`).Scan(&rebuilt))
	assert.Equal(t, 2, rebuilt)

	b, err := s.relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Dispatched)

	hooks := ledger.NewHooks(s.mutator, zap.NewNop())
	require.NoError(t, hooks.OnRefundSucceeded(ctx, ledger.TransactionEvent{
		Hash: hash, OrderID: res.OrderID, StoreID: 1, Type: "refund", Status: "success", Amount: dec("50"),
	}))

	e, err := s.rebuilder.Check(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.OrderCount)
	assert.True(t, dec("50").Equal(e.TotalRefunded))

	// A second rebuild leaves the recorded keys in place.
	_, err = s.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, "ledger_applied_deltas"))
}

func TestOutboxStore_DeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, ledger.FloorNone)

	for i := 0; i < 2; i++ {
		_, err := pool.Exec(ctx, `INSERT INTO outbox_events (key, kind, payload) VALUES ($1, $2, '{"order_id":"x"}')`,
			fmt.Sprintf("broken:%d", i), string(outbox.KindOrderCompleted))
		require.NoError(t, err)
	}
	_, err := s.writer.CreateVariantOrder(ctx, order.VariantOrder{Email: "buyer@example.com", PurchasableID: 1, Qty: 1})
	require.NoError(t, err)

	relay := outbox.NewRelay(s.outbox, ledger.NewHooks(s.mutator, zap.NewNop()), zap.NewNop(), outbox.RelayOptions{BatchSize: 2})

	b, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Failed)
	b, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Dispatched)

	// The stack's store gives up after three attempts.
	for i := 0; i < 3; i++ {
		_, err = relay.Drain(ctx)
		require.NoError(t, err)
	}
	var failed int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = 'failed'`).Scan(&failed))
	assert.Equal(t, 2, failed)

	pending, err := s.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
